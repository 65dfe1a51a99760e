package filter

import (
	"crypto/sha1" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
)

// FingerprintLen is the length of a hex fingerprint.
const FingerprintLen = sha1.Size * 2

// Fingerprint hashes a normalized target into a fixed-size hex key.
func Fingerprint(normalized string) string {
	sum := sha1.Sum([]byte(normalized)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}
