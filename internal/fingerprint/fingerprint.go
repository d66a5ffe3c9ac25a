// Package fingerprint derives the content identity used to deduplicate notes.
//
// Two contents are equivalent when they are equal after lower-casing and
// collapsing every run of whitespace into a single space.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize returns the canonical form of content that fingerprints are
// computed over.
func Normalize(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// Sum returns the hex-encoded SHA-256 of the normalized content.
func Sum(content string) string {
	h := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(h[:])
}

// Equivalent reports whether a and b share a fingerprint.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
