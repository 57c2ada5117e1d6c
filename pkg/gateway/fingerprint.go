package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Fingerprint returns a stable short hash of arbitrary args. Audit records
// and dedup keys reference args by fingerprint only, never by content.
// Canonicalization (RFC 8785) makes the hash independent of map ordering.
func Fingerprint(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "unhashable"
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}

// PayloadSize returns the serialized size of args in bytes, for risk
// scoring and payload limits. Unserializable values count as zero.
func PayloadSize(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}
