package auth

import "net/http"

const routePrefix = "/api/auth"

func RegisterRoutes(mux *http.ServeMux, h *Handler, authn *Authenticator, limiter RateLimiter) {
	limited := func(fn http.HandlerFunc) http.Handler {
		if limiter == nil {
			return fn
		}
		return limiter.Middleware(fn)
	}
	protected := func(fn http.HandlerFunc) http.Handler {
		return authn.Middleware(fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return authn.Middleware(RequireRole(RoleAdmin)(fn))
	}

	mux.HandleFunc("POST "+routePrefix+"/register", h.Register)
	mux.Handle("POST "+routePrefix+"/login", limited(h.Login))
	mux.HandleFunc("POST "+routePrefix+"/google", h.GoogleAuth)
	mux.HandleFunc("POST "+routePrefix+"/refresh-token", h.Refresh)
	mux.Handle("POST "+routePrefix+"/request-password-reset", limited(h.RequestPasswordReset))
	mux.HandleFunc("POST "+routePrefix+"/reset-password", h.ResetPassword)

	mux.Handle("POST "+routePrefix+"/logout", protected(h.Logout))
	mux.Handle("POST "+routePrefix+"/logout-all", protected(h.LogoutAll))
	mux.Handle("GET "+routePrefix+"/profile", protected(h.GetProfile))
	mux.Handle("PUT "+routePrefix+"/profile", protected(h.UpdateProfile))
	mux.Handle("PUT "+routePrefix+"/change-password", protected(h.ChangePassword))

	mux.Handle("GET "+routePrefix+"/users", admin(h.ListUsers))
	mux.Handle("GET "+routePrefix+"/users/{id}", admin(h.GetUser))
	mux.Handle("PUT "+routePrefix+"/users/{id}/status", admin(h.UpdateUserStatus))
	mux.Handle("DELETE "+routePrefix+"/users/{id}", admin(h.DeleteUser))
}
