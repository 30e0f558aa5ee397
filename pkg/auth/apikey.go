package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks CMP instance API keys.
const KeyPrefix = "cmp_sk_"

// prefixLen is how much of the key is stored in clear for lookup.
const prefixLen = 12

// GenerateKey mints a fresh API key. The raw key is surfaced to the caller
// exactly once; only the lookup prefix and the SHA-256 hash are stored.
func GenerateKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:prefixLen], HashKey(raw), nil
}

// HashKey returns the 64-hex SHA-256 digest of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SplitKey returns the lookup prefix and hash for a presented key, or
// ok=false when the value cannot be a CMP key.
func SplitKey(raw string) (prefix, hash string, ok bool) {
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) < prefixLen {
		return "", "", false
	}
	return raw[:prefixLen], HashKey(raw), true
}

// MaskSecret renders a secret for display: first two and last two
// characters around stars, or all stars for short values.
func MaskSecret(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}
