package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-char hex identifier, optionally prefixed ("tsk_...").
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
