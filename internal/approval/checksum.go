package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Checksum fingerprints a payload for forensic comparison in audit logs.
// The payload is serialized to canonical JSON (a map round-trip, so object
// keys are recursively sorted), hashed with SHA-256 and truncated to 16
// bytes. Tamper detection proper is the core-field check; the checksum only
// records what was executed.
func Checksum(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("checksum marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("checksum canonicalize: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("checksum canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}
