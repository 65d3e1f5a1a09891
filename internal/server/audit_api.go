package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/pkg/models"
)

// maxAuditPage caps a single audit query.
const maxAuditPage = 1000

// AuditHandler serves audit trail queries, exports and chain verification.
type AuditHandler struct {
	rec    *audit.Recorder
	logger *zap.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(rec *audit.Recorder, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{rec: rec, logger: logger}
}

// RegisterRoutes registers the /api/v1/audit routes.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/audit", h.handleQuery)
	mux.HandleFunc("GET /api/v1/audit/verify", h.handleVerify)
}

// parseFilter reads identity_id, type, start, end and limit. Callers that
// are not SITE_ADMIN only see their own entries.
func parseFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return audit.Filter{}, false
	}
	q := r.URL.Query()
	f := audit.Filter{IdentityID: q.Get("identity_id"), Limit: maxAuditPage}

	if !p.Session.Role.Privileged() {
		if f.IdentityID != "" && f.IdentityID != p.Session.IdentityID {
			Forbidden(w, "SITE_ADMIN role required to read another identity's audit trail", r.URL.Path)
			return audit.Filter{}, false
		}
		f.IdentityID = p.Session.IdentityID
	}
	if v := q.Get("type"); v != "" {
		t, err := models.ParseAuditType(v)
		if err != nil {
			BadRequest(w, err.Error(), r.URL.Path)
			return audit.Filter{}, false
		}
		f.Type = t
	}
	for name, dst := range map[string]*time.Time{"start": &f.Start, "end": &f.End} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				BadRequest(w, name+" must be RFC 3339", r.URL.Path)
				return audit.Filter{}, false
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer", r.URL.Path)
			return audit.Filter{}, false
		}
		f.Limit = min(n, maxAuditPage)
	}
	return f, true
}

func (h *AuditHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}

	if v := r.URL.Query().Get("format"); v == string(audit.FormatCSV) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		if _, err := h.rec.Export(r.Context(), w, audit.FormatCSV, f); err != nil {
			h.logger.Error("audit export failed", zap.Error(err))
		}
		return
	} else if v != "" && v != string(audit.FormatJSON) {
		BadRequest(w, "format must be csv or json", r.URL.Path)
		return
	}

	entries, err := h.rec.List(r.Context(), f)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		problemFor(w, http.StatusServiceUnavailable, "audit store unavailable", r.URL.Path)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// VerifyResponse reports the outcome of a chain verification.
type VerifyResponse struct {
	Verified  bool  `json:"verified"`
	Entries   int64 `json:"entries"`
	BrokenSeq int64 `json:"broken_seq,omitempty"`
}

func (h *AuditHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.Session.Role.Privileged() {
		Forbidden(w, "SITE_ADMIN role required", r.URL.Path)
		return
	}
	n, err := h.rec.VerifyChain(r.Context())
	var ae *audit.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, VerifyResponse{Verified: true, Entries: n})
	case errors.As(err, &ae) && ae.Kind == audit.KindChainBroken:
		writeJSON(w, http.StatusConflict, VerifyResponse{Entries: n, BrokenSeq: ae.Seq})
	default:
		h.logger.Error("audit verification failed", zap.Error(err))
		problemFor(w, http.StatusServiceUnavailable, "audit store unavailable", r.URL.Path)
	}
}
