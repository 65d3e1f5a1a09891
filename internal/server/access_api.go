package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/access"
)

// AccessHandler serves authorization checks and service administration.
type AccessHandler struct {
	eval   *access.Evaluator
	dir    *access.SQLDirectory
	logger *zap.Logger
}

// NewAccessHandler creates an AccessHandler. dir may be nil, which
// disables the service administration routes.
func NewAccessHandler(eval *access.Evaluator, dir *access.SQLDirectory, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{eval: eval, dir: dir, logger: logger}
}

// RegisterRoutes registers the /api/v1/access routes.
func (h *AccessHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/access/check", h.handleCheck)
	if h.dir != nil {
		mux.HandleFunc("GET /api/v1/access/services", h.handleListServices)
		mux.HandleFunc("PUT /api/v1/access/services/{id}", h.handleRegisterService)
		mux.HandleFunc("POST /api/v1/access/services/{id}/enabled", h.handleSetEnabled)
	}
}

// CheckRequest is the body of POST /api/v1/access/check.
type CheckRequest struct {
	ServiceID string `json:"service_id" example:"svcA"`
}

// CheckResponse reports an authorization decision.
type CheckResponse struct {
	ServiceID string `json:"service_id"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
}

func (h *AccessHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req CheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ServiceID == "" {
		BadRequest(w, "service_id is required", r.URL.Path)
		return
	}
	allowed, err := h.eval.Evaluate(r.Context(), access.Request{
		ServiceID:  req.ServiceID,
		Role:       p.Session.Role,
		Groups:     p.Session.Groups,
		IdentityID: p.Session.IdentityID,
		Username:   p.Session.Username,
		SessionID:  p.Session.ID,
		SourceAddr: clientAddr(r),
	})
	resp := CheckResponse{ServiceID: req.ServiceID, Allowed: allowed, Reason: "allowed"}
	var ae *access.Error
	if errors.As(err, &ae) {
		resp.Reason = ae.Kind.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AccessHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return false
	}
	if !p.Session.Role.Privileged() {
		Forbidden(w, "SITE_ADMIN role required", r.URL.Path)
		return false
	}
	return true
}

func (h *AccessHandler) handleListServices(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	svcs, err := h.dir.List(r.Context())
	if err != nil {
		h.logger.Error("list services failed", zap.Error(err))
		problemFor(w, http.StatusServiceUnavailable, "service directory unavailable", r.URL.Path)
		return
	}
	if svcs == nil {
		svcs = []access.Service{}
	}
	writeJSON(w, http.StatusOK, svcs)
}

// ServiceBody is the body of PUT /api/v1/access/services/{id}.
type ServiceBody struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (h *AccessHandler) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req ServiceBody
	if !decode(w, r, &req) {
		return
	}
	svc := access.Service{ID: r.PathValue("id"), Name: req.Name, Enabled: req.Enabled}
	if err := h.dir.Register(r.Context(), svc); err != nil {
		h.logger.Error("register service failed", zap.String("service_id", svc.ID), zap.Error(err))
		problemFor(w, http.StatusServiceUnavailable, "service directory unavailable", r.URL.Path)
		return
	}
	got, err := h.dir.Lookup(r.Context(), svc.ID)
	if err != nil {
		problemFor(w, http.StatusServiceUnavailable, "service directory unavailable", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *AccessHandler) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := h.dir.SetEnabled(r.Context(), r.PathValue("id"), req.Enabled)
	if errors.Is(err, access.ErrNoService) {
		NotFound(w, "service not found", r.URL.Path)
		return
	}
	if err != nil {
		h.logger.Error("set service enabled failed", zap.Error(err))
		problemFor(w, http.StatusServiceUnavailable, "service directory unavailable", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
