package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"; a local part of two runes or
// fewer is fully masked.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	r := []rune(local)
	if len(r) > 2 {
		return string(r[:2]) + "***@" + domain
	}
	return "***@" + domain
}

// AddressHash is a stable, non-reversible identifier for an address, usable
// as a log correlation key or cache key suffix.
func AddressHash(address string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(address))))
	return hex.EncodeToString(sum[:8])
}
