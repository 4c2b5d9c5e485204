package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/auth"
	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/session"
	"github.com/orchardmart/storefront/internal/store"
)

// TwoFactorRequiredSignal is the exact error string a client checks to
// re-prompt for a code instead of showing "invalid credentials".
const TwoFactorRequiredSignal = "TWO_FACTOR_REQUIRED"

// Handlers implements the auth endpoints. Session-scoped endpoints read the
// cookie themselves: /api/auth is on the public allow-list so the guard
// does not enforce a session for it.
type Handlers struct {
	svc      *auth.Service
	sessions *session.Manager
	users    store.UserStore
	redis    redis.UniversalClient
	metrics  *metrics.Metrics
	log      *zap.Logger
	secure   bool // mark cookies Secure (production transport)
}

func NewHandlers(svc *auth.Service, sessions *session.Manager, users store.UserStore, rdb redis.UniversalClient, mx *metrics.Metrics, log *zap.Logger, secure bool) *Handlers {
	if mx == nil {
		mx = metrics.New(false)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{svc: svc, sessions: sessions, users: users, redis: rdb, metrics: mx, log: log, secure: secure}
}

// writeServiceError maps the auth error taxonomy onto HTTP responses.
// Validation surfaces its field message; everything else stays coarse.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, validationMessage(verr))
	case errors.Is(err, auth.ErrEmailInUse):
		writeError(w, http.StatusConflict, "Email already in use")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrTwoFactorRequired):
		writeError(w, http.StatusUnauthorized, TwoFactorRequiredSignal)
	case errors.Is(err, auth.ErrInvalidTwoFactorCode):
		writeError(w, http.StatusBadRequest, "Invalid TOTP token")
	case errors.Is(err, auth.ErrTwoFactorNotEnabled):
		writeError(w, http.StatusBadRequest, "2FA is not enabled")
	case errors.Is(err, auth.ErrTwoFactorAlreadyEnabled):
		writeError(w, http.StatusBadRequest, "2FA already enabled")
	case errors.Is(err, auth.ErrSetupExpired):
		writeError(w, http.StatusBadRequest, "Setup session expired. Please restart 2FA setup.")
	case errors.Is(err, auth.ErrTokenInvalidOrExpired):
		writeError(w, http.StatusBadRequest, "Invalid or expired token")
	case errors.Is(err, auth.ErrPasswordChangeUnavailable):
		writeError(w, http.StatusBadRequest, "Password change not available for OAuth accounts")
	case errors.Is(err, auth.ErrCurrentPasswordIncorrect):
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
	case errors.Is(err, auth.ErrAccountBanned):
		writeError(w, http.StatusForbidden, "Account banned")
	default:
		h.log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func validationMessage(verr *auth.ValidationError) string {
	msgs := make([]string, 0, len(verr.Fields))
	for _, m := range verr.Fields {
		msgs = append(msgs, m)
	}
	return strings.Join(msgs, "; ")
}

// requireSession resolves the session cookie, writing the uniform 401 when
// it is absent or invalid.
func (h *Handlers) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	sess, err := h.sessions.Parse(cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return sess, true
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessions.TTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string `json:"name"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := h.svc.Register(r.Context(), auth.RegisterInput{
		Name:            body.Name,
		Email:           body.Email,
		Password:        body.Password,
		ConfirmPassword: body.ConfirmPassword,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Account created. Please check your email to verify.")
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		TOTPCode     string `json:"totpCode"`
		IsBackupCode bool   `json:"isBackupCode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := h.svc.Authorize(r.Context(), auth.AuthorizeInput{
		Email:        body.Email,
		Password:     body.Password,
		TOTPCode:     body.TOTPCode,
		IsBackupCode: body.IsBackupCode,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	token, err := h.sessions.Issue(id.ID, id.Role, false)
	if err != nil {
		h.log.Error("session issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Logged in",
		"user":    map[string]string{"id": id.ID, "email": id.Email, "name": id.Name, "role": string(id.Role)},
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	writeMessage(w, http.StatusOK, "Logged out")
}

// RefreshSession is the explicit "update" trigger: it re-reads role and ban
// state and replaces the cookie. This is the only path by which a role
// change reaches an existing session.
func (h *Handlers) RefreshSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	token, sess, err := h.sessions.Refresh(r.Context(), cookie.Value, h.users)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBanned):
			h.clearSessionCookie(w)
			writeError(w, http.StatusForbidden, "Account banned")
		case errors.Is(err, session.ErrTokenInvalid):
			writeError(w, http.StatusUnauthorized, "Unauthorized")
		default:
			h.log.Error("session refresh failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.setSessionCookie(w, token)
	h.metrics.Inc(metrics.SessionRefreshed)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Session refreshed", "role": string(sess.Role)})
}

func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), body.Email); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "If that email exists, a reset link has been sent.")
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token           string `json:"token"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Password != body.ConfirmPassword {
		writeError(w, http.StatusBadRequest, "Passwords do not match")
		return
	}
	if err := h.svc.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		if errors.Is(err, auth.ErrTokenInvalidOrExpired) {
			writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password reset successfully. You can now log in.")
}

func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return
	}
	if _, err := h.svc.VerifyEmail(r.Context(), raw); err != nil {
		if errors.Is(err, auth.ErrTokenInvalidOrExpired) {
			writeError(w, http.StatusBadRequest, "Invalid or expired token")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	http.Redirect(w, r, "/auth/login?verified=true", http.StatusFound)
}

func (h *Handlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), body.Email); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "If that email exists and is unverified, a new verification link has been sent.")
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), sess.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password changed successfully")
}

func (h *Handlers) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	setup, err := h.svc.SetupTwoFactor(r.Context(), sess.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	// qrCode carries the otpauth URI; the client renders the QR image.
	writeJSON(w, http.StatusOK, map[string]string{
		"secret": setup.Secret,
		"qrCode": setup.EnrollmentURI,
	})
}

func (h *Handlers) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "Token required")
		return
	}
	codes, err := h.svc.ConfirmTwoFactor(r.Context(), sess.UserID, body.Token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "2FA enabled successfully.",
		"backupCodes": codes,
	})
}

func (h *Handlers) TwoFactorValidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Token        string `json:"token"`
		IsBackupCode bool   `json:"isBackupCode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.svc.ValidateTwoFactor(r.Context(), sess.UserID, body.Token, body.IsBackupCode); err != nil {
		if errors.Is(err, auth.ErrInvalidTwoFactorCode) && body.IsBackupCode {
			writeError(w, http.StatusBadRequest, "Invalid or already used backup code")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handlers) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "Token required")
		return
	}
	if err := h.svc.DisableTwoFactor(r.Context(), sess.UserID, body.Token); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "2FA disabled successfully")
}

// Health pings the user store and redis.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}
	if err := h.users.Ping(ctx); err != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}
