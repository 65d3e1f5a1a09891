package policy

import (
	"encoding/binary"

	"github.com/HerbHall/warden/pkg/models"
)

// sealedVersion is the leading byte of every sealed value.
const sealedVersion byte = 1

// sealedHeader records the parameters a value was sealed with so it opens
// after the configuration moves on. Wire layout:
//
//	version(1) | len(cipher)(1) cipher | len(kdf)(1) kdf | iterations(4, BE) | len(salt)(1) salt | nonce || ciphertext+tag
type sealedHeader struct {
	params CipherParams
	salt   []byte
}

func (h sealedHeader) marshal(body []byte) []byte {
	alg, kdf := h.params.Algorithm, h.params.KDF.Name
	out := make([]byte, 0, 8+len(alg)+len(kdf)+len(h.salt)+len(body))
	out = append(out, sealedVersion, byte(len(alg)))
	out = append(out, alg...)
	out = append(out, byte(len(kdf)))
	out = append(out, kdf...)
	out = binary.BigEndian.AppendUint32(out, uint32(h.params.KDF.Iterations))
	out = append(out, byte(len(h.salt)))
	out = append(out, h.salt...)
	return append(out, body...)
}

// parseSealed splits blob into its header and the nonce-prefixed body.
func parseSealed(blob []byte) (sealedHeader, []byte, error) {
	const op = "decrypt"
	short := errorf(KindCryptoFailure, op, "sealed value too short")

	var h sealedHeader
	if len(blob) == 0 {
		return h, nil, short
	}
	if blob[0] != sealedVersion {
		return h, nil, errorf(KindUnsupportedAlgorithm, op, "sealed value version %d", blob[0])
	}
	rest := blob[1:]

	field := func() ([]byte, bool) {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return nil, false
		}
		n := int(rest[0])
		v := rest[1 : 1+n]
		rest = rest[1+n:]
		return v, true
	}

	alg, ok := field()
	if !ok {
		return h, nil, short
	}
	kdf, ok := field()
	if !ok || len(rest) < 4 {
		return h, nil, short
	}
	iter := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	salt, ok := field()
	if !ok || len(salt) == 0 || len(rest) == 0 {
		return h, nil, short
	}

	h.params = CipherParams{
		Algorithm: string(alg),
		KDF:       models.KDFParams{Name: string(kdf), Iterations: int(iter)},
	}
	h.salt = salt
	return h, rest, nil
}
