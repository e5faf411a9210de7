package auth

import "crypto/subtle"

// APIKey is a static shared key guarding one HTTP surface. The zero value
// (empty key) never matches, so an unconfigured surface rejects everything
// rather than accepting everything.
type APIKey struct {
	key []byte
}

// NewAPIKey wraps a configured key string.
func NewAPIKey(key string) APIKey {
	return APIKey{key: []byte(key)}
}

// Configured reports whether a non-empty key was provided.
func (k APIKey) Configured() bool {
	return len(k.key) > 0
}

// Matches compares the candidate against the configured key in constant
// time.
func (k APIKey) Matches(candidate string) bool {
	if !k.Configured() {
		return false
	}
	return subtle.ConstantTimeCompare(k.key, []byte(candidate)) == 1
}
