// Package auth provides bearer API-key authentication for the
// streaming API. Keys are configured either as plaintext (compared in
// constant time) or as a bcrypt hash for configs checked into shared
// systems.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid API key")

// GenerateAPIKey generates a new random API key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns a bcrypt hash of the key for storage in config
// files.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verifier checks presented API keys against the configured secret
type Verifier struct {
	key  string
	hash string
}

// NewVerifier builds a verifier from a plaintext key, a bcrypt hash,
// or both. With neither set, every request passes.
func NewVerifier(key, hash string) *Verifier {
	return &Verifier{key: key, hash: hash}
}

// Enabled reports whether any key is configured
func (v *Verifier) Enabled() bool {
	return v.key != "" || v.hash != ""
}

// Verify checks a presented key
func (v *Verifier) Verify(presented string) error {
	if !v.Enabled() {
		return nil
	}
	if v.key != "" && SecureCompare(presented, v.key) {
		return nil
	}
	if v.hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(presented)); err == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// Middleware enforces bearer authentication on every request. With no
// key configured it passes requests through untouched.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		presented := BearerToken(r)
		if presented == "" {
			http.Error(w, "Missing API key", http.StatusUnauthorized)
			return
		}
		if err := v.Verify(presented); err != nil {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the bearer token from the Authorization header,
// or returns an empty string.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
