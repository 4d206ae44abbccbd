package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace-api/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

const (
	msgRegistered          = "User registered successfully. A temporary password has been sent to your email. Please check your inbox and use it to log in. The temporary password will expire in 1 day."
	msgLoginSuccessful     = "Login successful"
	msgGoogleSuccessful    = "Google authentication successful"
	msgTokenRefreshed      = "Token refreshed successfully"
	msgRefreshRequired     = "Refresh token required (cookie)"
	msgLogoutSuccessful    = "Logout successful"
	msgLogoutAllSuccessful = "Logged out from all devices successfully"
	msgResetRequested      = "If the email exists, a password reset link has been sent"
	msgPasswordReset       = "Password reset successfully"
	msgPasswordChanged     = "Password changed successfully"
	msgProfileUpdated      = "Profile updated successfully"
	msgUserUpdated         = "User updated successfully"
	msgUserDeleted         = "User deleted successfully"
	msgValidationFailed    = "Validation failed"
	msgInvalidJSON         = "Invalid JSON body"
	msgAccountLocked       = "Account is temporarily locked due to too many failed login attempts. Please try again later."
	msgUnauthorized        = "Authentication required"
	msgInternal            = "Internal server error"
)

type envelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
}

type errorMapping struct {
	target  error
	status  int
	message string
}

var serviceErrors = []errorMapping{
	{ErrDuplicateEmail, http.StatusBadRequest, "User with this email already exists"},
	{ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password"},
	{ErrAccountDisabled, http.StatusUnauthorized, "Account is deactivated"},
	{ErrUseOAuthInstead, http.StatusUnauthorized, "This account was created with Google Sign-In. Please use Google Sign-In to log in."},
	{ErrTemporaryPasswordExpired, http.StatusUnauthorized, "Your temporary password has expired. Please use the password reset feature to set a new password."},
	{ErrInvalidRefreshToken, http.StatusUnauthorized, "Invalid or expired refresh token"},
	{ErrInvalidResetToken, http.StatusBadRequest, "Invalid or expired reset token"},
	{ErrInvalidOAuthData, http.StatusBadRequest, "Invalid Google authentication data"},
	{ErrWrongCurrentPassword, http.StatusBadRequest, "Current password is incorrect"},
	{ErrUserNotFound, http.StatusNotFound, "User not found"},
}

type Handler struct {
	service   *Service
	cookies   CookieConfig
	validator *requestValidator
	logger    *observability.Logger
}

func NewHandler(service *Service, cookies CookieConfig, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{
		service:   service,
		cookies:   cookies,
		validator: newRequestValidator(),
		logger:    logger,
	}
}

type registerRequest struct {
	FirstName string `json:"firstName" validate:"required,min=2,max=50"`
	LastName  string `json:"lastName" validate:"required,min=2,max=50"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Phone     string `json:"phone" validate:"phone"`

	// Role is accepted for compatibility and ignored.
	Role string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=200"`
}

type googleUserInfoRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	ID      string `json:"id"`
	Sub     string `json:"sub"`
}

type googleAuthRequest struct {
	Token    string                 `json:"token"`
	UserInfo *googleUserInfoRequest `json:"userInfo"`
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,bcrypt_len,strong_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,bcrypt_len,strong_password"`
}

type addressRequest struct {
	Street  string `json:"street" validate:"max=200"`
	City    string `json:"city" validate:"max=100"`
	State   string `json:"state" validate:"max=100"`
	ZipCode string `json:"zipCode" validate:"max=20"`
	Country string `json:"country" validate:"max=100"`
}

type profileRequest struct {
	FirstName *string         `json:"firstName" validate:"omitnil,min=2,max=50"`
	LastName  *string         `json:"lastName" validate:"omitnil,min=2,max=50"`
	Phone     *string         `json:"phone" validate:"omitnil,phone"`
	Address   *addressRequest `json:"address"`
}

type statusRequest struct {
	IsActive *bool   `json:"isActive"`
	Role     *string `json:"role" validate:"omitnil,oneof=user admin moderator"`
}

type sessionResponse struct {
	User                PublicUser `json:"user"`
	AccessToken         string     `json:"accessToken"`
	ExpiresIn           int64      `json:"expiresIn"`
	IsTemporaryPassword bool       `json:"isTemporaryPassword,omitempty"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	user, err := h.service.Register(r.Context(), RegisterInput{
		FirstName: body.FirstName,
		LastName:  body.LastName,
		Email:     body.Email,
		Phone:     body.Phone,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, msgRegistered, map[string]any{"user": user.Public()})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password, requestClient(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSession(w, msgLoginSuccessful, session)
}

func (h *Handler) GoogleAuth(w http.ResponseWriter, r *http.Request) {
	var body googleAuthRequest
	if !h.decode(w, r, &body, false) {
		return
	}

	input := GoogleAuthInput{Token: body.Token}
	if body.UserInfo != nil {
		input.UserInfo = &GoogleUserInfo{
			Email:   body.UserInfo.Email,
			Name:    body.UserInfo.Name,
			Picture: body.UserInfo.Picture,
			ID:      body.UserInfo.ID,
			Sub:     body.UserInfo.Sub,
		}
	}

	session, err := h.service.GoogleAuth(r.Context(), input, requestClient(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSession(w, msgGoogleSuccessful, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshTokenFromRequest(r)
	if token == "" {
		h.cookies.clear(w)
		writeFailure(w, http.StatusUnauthorized, msgRefreshRequired, nil)
		return
	}

	session, err := h.service.Refresh(r.Context(), token, requestClient(r))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.cookies.clear(w)
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.cookies.set(w, session.RefreshToken)
	writeSuccess(w, http.StatusOK, msgTokenRefreshed, refreshResponse{
		AccessToken: session.AccessToken,
		ExpiresIn:   int64(time.Until(session.AccessTokenExpiresAt).Seconds()),
	})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body passwordResetRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgResetRequested, nil)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgPasswordReset, nil)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), claims.UserID, refreshTokenFromRequest(r)); err != nil {
		h.logger.Error("auth_logout_failed", map[string]any{
			"user_id": claims.UserID,
			"error":   err.Error(),
		})
	}

	h.cookies.clear(w)
	writeSuccess(w, http.StatusOK, msgLogoutSuccessful, nil)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	h.cookies.clear(w)
	if err := h.service.LogoutAll(r.Context(), claims.UserID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgLogoutAllSuccessful, nil)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetProfile(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "", map[string]any{"user": user.Public()})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	var body profileRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	update := ProfileUpdate{
		FirstName: trimPtr(body.FirstName),
		LastName:  trimPtr(body.LastName),
		Phone:     trimPtr(body.Phone),
	}
	if body.Address != nil {
		update.Address = &Address{
			Street:  strings.TrimSpace(body.Address.Street),
			City:    strings.TrimSpace(body.Address.City),
			State:   strings.TrimSpace(body.Address.State),
			ZipCode: strings.TrimSpace(body.Address.ZipCode),
			Country: strings.TrimSpace(body.Address.Country),
		}
	}

	user, err := h.service.UpdateProfile(r.Context(), claims.UserID, update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgProfileUpdated, map[string]any{"user": user.Public()})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireClaims(w, r)
	if !ok {
		return
	}

	var body changePasswordRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.cookies.clear(w)
	writeSuccess(w, http.StatusOK, msgPasswordChanged, nil)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.service.ListUsers(r.Context(), UserQuery{
		Page:   queryInt(q.Get("page"), 1),
		Limit:  queryInt(q.Get("limit"), defaultUserPageLimit),
		Search: q.Get("search"),
		Role:   Role(strings.TrimSpace(q.Get("role"))),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	users := make([]PublicUser, 0, len(page.Users))
	for _, user := range page.Users {
		users = append(users, user.Public())
	}

	writeSuccess(w, http.StatusOK, "", map[string]any{
		"users":      users,
		"pagination": page.Pagination,
	})
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "", map[string]any{"user": user.Public()})
}

func (h *Handler) UpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest
	if !h.decode(w, r, &body, true) {
		return
	}

	update := StatusUpdate{IsActive: body.IsActive}
	if body.Role != nil {
		role := Role(*body.Role)
		update.Role = &role
	}

	user, err := h.service.UpdateUserStatus(r.Context(), r.PathValue("id"), update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgUserUpdated, map[string]any{"user": user.Public()})
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, msgUserDeleted, nil)
}

func (h *Handler) writeSession(w http.ResponseWriter, message string, session Session) {
	h.cookies.set(w, session.RefreshToken)
	writeSuccess(w, http.StatusOK, message, sessionResponse{
		User:                session.User.Public(),
		AccessToken:         session.AccessToken,
		ExpiresIn:           int64(time.Until(session.AccessTokenExpiresAt).Seconds()),
		IsTemporaryPassword: session.IsTemporaryPassword,
	})
}

func (h *Handler) requireClaims(w http.ResponseWriter, r *http.Request) (*AccessClaims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeFailure(w, http.StatusUnauthorized, msgUnauthorized, nil)
		return nil, false
	}
	return claims, true
}

// decode reads a JSON body into dst and validates it, writing the 400
// response itself when either step fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, strict bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(dst); err != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidJSON, nil)
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.writeServiceError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		writeFailure(w, http.StatusBadRequest, msgValidationFailed, validationErr.Fields)
		return
	}

	var lockedErr ErrLoginLocked
	if errors.As(err, &lockedErr) {
		retryAfter := int(time.Until(lockedErr.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeFailure(w, http.StatusUnauthorized, msgAccountLocked, nil)
		return
	}

	for _, mapping := range serviceErrors {
		if errors.Is(err, mapping.target) {
			writeFailure(w, mapping.status, mapping.message, nil)
			return
		}
	}

	observability.CaptureError(r.Context(), err)
	h.logger.Error("auth_request_failed", map[string]any{
		"request_id": observability.RequestID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
	writeFailure(w, http.StatusInternalServerError, msgInternal, nil)
}

func requestClient(r *http.Request) ClientInfo {
	return ClientInfo{UserAgent: r.UserAgent(), IP: clientIP(r)}
}

func queryInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string, fields []FieldError) {
	writeJSON(w, status, envelope{Success: false, Message: message, Errors: fields})
}
