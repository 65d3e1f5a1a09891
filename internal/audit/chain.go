package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/HerbHall/warden/pkg/models"
)

// canonical encodes entries deterministically: sorted integer keys and
// RFC 3339 timestamps with nanoseconds, so a hash survives a round trip
// through any store that keeps microseconds.
var canonical = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: cbor enc mode: %v", err))
	}
	return em
}()

// chainHash returns hex(SHA-256(prev || CBOR(entry))). PrevHash and Hash are
// excluded from the encoding by their struct tags.
func chainHash(prev string, e *models.AuditEntry) (string, error) {
	body, err := canonical.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
