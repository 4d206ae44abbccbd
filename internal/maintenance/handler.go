package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"marketplace-api/internal/observability"
)

// CleanupHandler lets a scheduler trigger every sweep over HTTP. It is
// disabled (404) until a cron secret is configured.
type CleanupHandler struct {
	sweeper    *Sweeper
	logger     *observability.Logger
	cronSecret []byte
}

func NewCleanupHandler(sweeper *Sweeper, logger *observability.Logger, cronSecret string) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: []byte(strings.TrimSpace(cronSecret)),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if len(h.cronSecret) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.logger.Warn("auth_cleanup_unauthorized", map[string]any{"ip": observability.ClientIP(r)})
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
		return
	}

	start := time.Now()
	result, err := h.sweeper.SweepAll(r.Context())
	fields := map[string]any{
		"request_id":          observability.RequestID(r.Context()),
		"temporary_passwords": result.TemporaryPasswords,
		"reset_tokens":        result.ResetTokens,
		"refresh_tokens":      result.RefreshTokens,
		"duration_ms":         time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.Error("auth_cleanup_failed", fields)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Cleanup failed",
			"data":    result,
		})
		return
	}

	h.logger.Info("auth_cleanup_completed", fields)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}

// authorized accepts the secret as a bearer token or in X-Cron-Secret.
func (h *CleanupHandler) authorized(r *http.Request) bool {
	presented := strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
	if presented == "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		presented = strings.TrimSpace(token)
	}
	return subtle.ConstantTimeCompare([]byte(presented), h.cronSecret) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
