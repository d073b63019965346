package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a prefixed 16-byte hex identifier, e.g. "file_a3f9...".
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewSecret returns n random bytes hex-encoded, for tokens and raw API keys.
func NewSecret(n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
