package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/auth"
	"github.com/HerbHall/warden/internal/keys"
	"github.com/HerbHall/warden/pkg/models"
)

// KeysHandler serves key pair and certificate request endpoints.
type KeysHandler struct {
	keys   *keys.Manager
	logger *zap.Logger
}

// NewKeysHandler creates a KeysHandler.
func NewKeysHandler(m *keys.Manager, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{keys: m, logger: logger}
}

// RegisterRoutes registers the /api/v1/keys and /api/v1/certs routes.
func (h *KeysHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/keys", h.handleCreateKeys)
	mux.HandleFunc("GET /api/v1/keys", h.handleReturnKeys)
	mux.HandleFunc("DELETE /api/v1/keys", h.handleRemoveKeys)
	mux.HandleFunc("POST /api/v1/keys/rotate", h.handleRotateKeys)
	mux.HandleFunc("GET /api/v1/keys/history", h.handleHistory)

	mux.HandleFunc("POST /api/v1/certs/requests", h.handleCreateRequest)
	mux.HandleFunc("POST /api/v1/certs/{ref}/apply", h.handleApply)
	mux.HandleFunc("POST /api/v1/certs/{ref}/sign", h.handleSign)
	mux.HandleFunc("GET /api/v1/certs/{ref}", h.handleGetCertificate)
}

// targetIdentity resolves whose keys a request addresses: the caller's own,
// or any identity_id when the caller is SITE_ADMIN.
func targetIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		Unauthorized(w, "authentication required", r.URL.Path)
		return "", false
	}
	id := r.URL.Query().Get("identity_id")
	if id == "" || id == p.Session.IdentityID {
		return p.Session.IdentityID, true
	}
	if !p.Session.Role.Privileged() {
		Forbidden(w, "SITE_ADMIN role required to manage another identity's keys", r.URL.Path)
		return "", false
	}
	return id, true
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		Unauthorized(w, "authentication required", r.URL.Path)
		return nil, false
	}
	return p, true
}

func (h *KeysHandler) handleCreateKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := targetIdentity(w, r)
	if !ok {
		return
	}
	km, err := h.keys.CreateKeys(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, km)
}

func (h *KeysHandler) handleReturnKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := targetIdentity(w, r)
	if !ok {
		return
	}
	km, err := h.keys.ReturnKeys(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, km)
}

func (h *KeysHandler) handleRemoveKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := targetIdentity(w, r)
	if !ok {
		return
	}
	if _, err := h.keys.RemoveKeys(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeysHandler) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := targetIdentity(w, r)
	if !ok {
		return
	}
	km, err := h.keys.RotateKeys(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, km)
}

func (h *KeysHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := targetIdentity(w, r)
	if !ok {
		return
	}
	hist, err := h.keys.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []models.KeyMaterial{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// CertificateRequestBody is the body of POST /api/v1/certs/requests.
type CertificateRequestBody struct {
	Subject       models.SubjectFields `json:"subject"`
	StorePassword string               `json:"store_password"`
	ValidityDays  int                  `json:"validity_days" example:"365"`
	KeySize       int                  `json:"key_size" example:"2048"`
}

func (h *KeysHandler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	var req CertificateRequestBody
	if !decode(w, r, &req) {
		return
	}
	art, err := h.keys.CreateCertificateRequest(r.Context(), req.Subject, req.StorePassword, req.ValidityDays, req.KeySize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// ApplyCertificateBody is the body of POST /api/v1/certs/{ref}/apply.
// Certificate holds PEM text or base64-encoded DER.
type ApplyCertificateBody struct {
	CommonName    string `json:"common_name"`
	Certificate   string `json:"certificate"`
	StorePassword string `json:"store_password"`
}

func (h *KeysHandler) handleApply(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	var req ApplyCertificateBody
	if !decode(w, r, &req) {
		return
	}
	data := []byte(req.Certificate)
	if !strings.HasPrefix(strings.TrimSpace(req.Certificate), "-----BEGIN") {
		der, err := base64.StdEncoding.DecodeString(req.Certificate)
		if err != nil {
			BadRequest(w, "certificate must be PEM or base64 DER", r.URL.Path)
			return
		}
		data = der
	}
	ok, err := h.keys.ApplyCertificateResponse(r.Context(), req.CommonName, data, r.PathValue("ref"), req.StorePassword)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": ok})
}

// SignPendingBody is the body of POST /api/v1/certs/{ref}/sign.
type SignPendingBody struct {
	CommonName    string `json:"common_name"`
	StorePassword string `json:"store_password"`
}

func (h *KeysHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.Session.Role.Privileged() {
		Forbidden(w, "SITE_ADMIN role required", r.URL.Path)
		return
	}
	var req SignPendingBody
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.keys.SignPending(r.Context(), r.PathValue("ref"), req.CommonName, req.StorePassword)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *KeysHandler) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	cn := r.URL.Query().Get("common_name")
	if cn == "" {
		BadRequest(w, "common_name query parameter is required", r.URL.Path)
		return
	}
	rec, err := h.keys.GetCertificate(r.Context(), r.PathValue("ref"), cn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// keysStatus maps a keys error kind to an HTTP status.
func keysStatus(err error) int {
	var ke *keys.Error
	if !errors.As(err, &ke) {
		return http.StatusInternalServerError
	}
	switch ke.Kind {
	case keys.KindNotFound:
		return http.StatusNotFound
	case keys.KindAlreadyExists, keys.KindKeystoreMismatch:
		return http.StatusConflict
	case keys.KindInvalidSubject, keys.KindWeakKey, keys.KindInvalidInput:
		return http.StatusBadRequest
	case keys.KindDecryptionFailure:
		return http.StatusForbidden
	case keys.KindTimeout:
		return http.StatusGatewayTimeout
	case keys.KindBackend:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *KeysHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := keysStatus(err)
	var ke *keys.Error
	if !errors.As(err, &ke) {
		h.logger.Error("unexpected keys error", zap.Error(err))
		problemFor(w, status, "internal error", r.URL.Path)
		return
	}
	problemFor(w, status, ke.Kind.String(), r.URL.Path)
}
