package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/HerbHall/warden/pkg/models"
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

var csvHeader = []string{
	"seq", "id", "type", "timestamp", "session_id", "identity_id", "username", "role",
	"authorized", "source_host", "source_addr", "application_id", "application_name",
	"detail", "request_id", "prev_hash", "hash",
}

// Export writes the entries matching f to w and returns how many were written.
func (r *Recorder) Export(ctx context.Context, w io.Writer, format Format, f Filter) (int, error) {
	entries, err := r.store.list(ctx, f)
	if err != nil {
		return 0, err
	}
	switch format {
	case FormatCSV:
		return len(entries), WriteCSV(w, entries)
	case FormatJSON:
		return len(entries), WriteJSON(w, entries)
	}
	return 0, fmt.Errorf("unknown export format %q", format)
}

// WriteCSV writes entries with a header row.
func WriteCSV(w io.Writer, entries []models.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		rec := []string{
			strconv.FormatInt(e.Seq, 10), e.ID, string(e.Type),
			e.Timestamp.UTC().Format(time.RFC3339Nano), e.SessionID, e.IdentityID,
			e.Username, string(e.Role), strconv.FormatBool(e.Authorized),
			e.SourceHost, e.SourceAddr, e.ApplicationID, e.ApplicationName,
			e.Detail, e.RequestID, e.PrevHash, e.Hash,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes entries as a JSON array.
func WriteJSON(w io.Writer, entries []models.AuditEntry) error {
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
