package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
)

// Handler provides HTTP handlers for authentication endpoints.
type Handler struct {
	authn  *Authenticator
	tokens *TokenService
	logger *zap.Logger
}

// NewHandler creates an auth Handler.
func NewHandler(authn *Authenticator, tokens *TokenService, logger *zap.Logger) *Handler {
	return &Handler{authn: authn, tokens: tokens, logger: logger}
}

// RegisterRoutes registers auth routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/reset", h.handleInitiateReset)
	mux.HandleFunc("POST /api/v1/auth/reset/complete", h.handleCompleteReset)

	mux.HandleFunc("POST /api/v1/auth/verify/question", h.handleVerifyQuestion)
	mux.HandleFunc("POST /api/v1/auth/verify/totp", h.handleVerifyTOTP)
	mux.HandleFunc("GET /api/v1/auth/session", h.handleSession)
	mux.HandleFunc("POST /api/v1/auth/logoff", h.handleLogoff)
	mux.HandleFunc("POST /api/v1/auth/password", h.handleChangePassword)

	mux.HandleFunc("POST /api/v1/auth/sessions/{id}/logoff", h.handleForceLogoff)
	mux.HandleFunc("POST /api/v1/auth/identities", h.handleEnroll)
	mux.HandleFunc("POST /api/v1/auth/identities/{id}/unlock", h.handleUnlock)
	mux.HandleFunc("POST /api/v1/auth/identities/{id}/suspend", h.handleSuspend)
	mux.HandleFunc("POST /api/v1/auth/identities/{id}/totp", h.handleEnrollTOTP)
}

// Middleware returns the bearer token middleware.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return AuthMiddleware(h.tokens, h.authn)
}

// SessionResponse is returned by login and second-factor verification.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Token     string        `json:"token,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAuthError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.authn.Login(r.Context(), LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		SourceHost: r.Host,
		SourceAddr: remoteAddr(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, sess, true)
}

func (h *Handler) handleVerifyQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sess, err := h.authn.VerifySecurityQuestion(r.Context(), p.Session.ID, req.Answer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, sess, false)
}

func (h *Handler) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sess, err := h.authn.VerifyTOTP(r.Context(), p.Session.ID, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, sess, false)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, p.Session)
}

func (h *Handler) handleLogoff(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.authn.Logoff(r.Context(), p.Session.ID, p.Session.IdentityID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleForceLogoff(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.authn.ForceLogoff(r.Context(), r.PathValue("id"), p.Identity()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInitiateReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := h.authn.InitiateReset(r.Context(), ResetInitiation{
		Username:   req.Username,
		SourceHost: r.Host,
		SourceAddr: remoteAddr(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleCompleteReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.authn.CompleteResetWithCode(r.Context(), req.Token, req.Code, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.authn.ChangePassword(r.Context(), p.Session.IdentityID, req.OldPassword, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if !h.requireSiteAdmin(w, r) {
		return
	}
	var req struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		Role     string   `json:"role"`
		Groups   []string `json:"groups"`
		Question string   `json:"question"`
		Answer   string   `json:"answer"`
	}
	if !decode(w, r, &req) {
		return
	}
	var role models.Role
	if req.Role != "" {
		parsed, err := models.ParseRole(req.Role)
		if err != nil {
			writeAuthError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}
	ident, err := h.authn.Enroll(r.Context(), EnrollRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     role,
		Groups:   req.Groups,
		Question: req.Question,
		Answer:   req.Answer,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.authn.Unlock(r.Context(), r.PathValue("id"), p.Identity()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req struct {
		Suspended bool `json:"suspended"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.authn.Suspend(r.Context(), r.PathValue("id"), req.Suspended, p.Identity()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnrollTOTP provisions TOTP for the caller or, for a SITE_ADMIN,
// any identity.
func (h *Handler) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := r.PathValue("id")
	if id != p.Session.IdentityID && !p.Session.Role.Privileged() {
		writeAuthError(w, http.StatusForbidden, "cannot enroll another identity")
		return
	}
	enr, err := h.authn.EnrollTOTP(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

// Identity returns the principal as an identity for privilege checks.
func (p *Principal) Identity() models.Identity {
	return models.Identity{
		ID:       p.Session.IdentityID,
		Username: p.Session.Username,
		Role:     p.Session.Role,
		Groups:   p.Session.Groups,
	}
}

func (h *Handler) requireSiteAdmin(w http.ResponseWriter, r *http.Request) bool {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeAuthError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !p.Session.Role.Privileged() {
		writeAuthError(w, http.StatusForbidden, "SITE_ADMIN role required")
		return false
	}
	return true
}

func (h *Handler) writeSession(w http.ResponseWriter, sess *session.Session, withToken bool) {
	resp := SessionResponse{SessionID: sess.ID, State: sess.State, ExpiresAt: sess.ExpiresAt}
	if withToken {
		token, err := h.tokens.IssueToken(sess)
		if err != nil {
			h.logger.Error("issue token failed", zap.Error(err))
			writeAuthError(w, http.StatusInternalServerError, "could not issue token")
			return
		}
		resp.Token = token
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusOf maps an authenticator error to an HTTP status.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindInvalidCredentials, KindSessionExpired:
		return http.StatusUnauthorized
	case KindAccountLocked, KindOnlineResetLocked:
		return http.StatusLocked
	case KindAccountSuspended, KindNotSessionOwner, KindNotPrivileged:
		return http.StatusForbidden
	case KindInvalidState, KindNotEnrolled, KindAlreadyExists:
		return http.StatusConflict
	case KindResetTokenInvalid, KindInvalidInput:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	var ae *Error
	if !errors.As(err, &ae) {
		h.logger.Error("unexpected auth error", zap.Error(err))
		writeAuthError(w, status, "authentication failed")
		return
	}
	writeAuthError(w, status, ae.Kind.String())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// remoteAddr prefers the client address resolved by the server's request
// middleware, which knows the trusted proxies.
func remoteAddr(r *http.Request) string {
	if a := core.RequestFrom(r.Context()).ClientAddr; a != "" {
		return a
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError writes an RFC 7807 problem response.
func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.APIProblem{
		Type:   "https://warden.dev/problems/auth-error",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
