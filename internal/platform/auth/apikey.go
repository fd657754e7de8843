// Package auth authenticates inbound senders on the HTTP transport with
// pre-shared API keys. Only SHA-256 hashes of the keys are configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	// ErrMissingKey indicates the request carried no API key.
	ErrMissingKey = errors.New("api key required")

	// ErrInvalidKey indicates the provided key matches no configured hash.
	ErrInvalidKey = errors.New("invalid api key")
)

const (
	// apiKeyPrefix is prepended to every generated key for easy identification
	// in logs and configuration files.
	apiKeyPrefix = "hl7b_k1_"

	// apiKeyRandomBytes is the number of random bytes used to generate the
	// key material (encoded as hex => 48 hex chars).
	apiKeyRandomBytes = 24

	// SenderKey is the echo context key holding the authenticated sender.
	SenderKey = "sender"
)

// KeyRing maps key hashes to the sender they belong to. It is read-only after
// construction and safe for concurrent use.
type KeyRing struct {
	senders map[string]string // hash -> sender
}

// ParseKeyRing builds a KeyRing from "sender:sha256hex" entries. An empty
// list yields an empty ring, which disables authentication.
func ParseKeyRing(entries []string) (*KeyRing, error) {
	r := &KeyRing{senders: make(map[string]string, len(entries))}
	for _, e := range entries {
		sender, hash, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || sender == "" {
			return nil, fmt.Errorf("api key entry %q: expected \"sender:sha256\"", e)
		}
		hash = strings.ToLower(hash)
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("api key entry for %s: hash must be %d hex characters", sender, sha256.Size*2)
		}
		if prev, dup := r.senders[hash]; dup {
			return nil, fmt.Errorf("api key for %s duplicates the key of %s", sender, prev)
		}
		r.senders[hash] = sender
	}
	return r, nil
}

// Len returns the number of configured keys.
func (r *KeyRing) Len() int { return len(r.senders) }

// Validate returns the sender owning rawKey.
func (r *KeyRing) Validate(rawKey string) (string, error) {
	if rawKey == "" {
		return "", ErrMissingKey
	}
	sender, ok := r.senders[HashKey(rawKey)]
	if !ok {
		return "", ErrInvalidKey
	}
	return sender, nil
}

// GenerateKey produces a cryptographically random key string with the
// bridge prefix: hl7b_k1_<48-hex-chars>.
func GenerateKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the hex-encoded SHA-256 hash of the raw key string.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// APIKeyMiddleware rejects requests without a key from ring. Requests for
// which skipper returns true pass through. An empty ring disables the check.
func APIKeyMiddleware(ring *KeyRing, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if ring == nil || ring.Len() == 0 {
			return next
		}
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			sender, err := ring.Validate(extractAPIKey(c))
			if err != nil {
				c.Response().Header().Set("WWW-Authenticate", `ApiKey realm="hl7-bridge"`)
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(SenderKey, sender)
			return next(c)
		}
	}
}

// extractAPIKey returns the raw API key from the request, checking X-API-Key
// header first and then the Authorization header (ApiKey or Bearer scheme).
func extractAPIKey(c echo.Context) string {
	if apiKey := c.Request().Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}

	scheme, token, ok := strings.Cut(c.Request().Header.Get("Authorization"), " ")
	if !ok {
		return ""
	}
	if strings.EqualFold(scheme, "apikey") || (strings.EqualFold(scheme, "bearer") && strings.HasPrefix(token, apiKeyPrefix)) {
		return strings.TrimSpace(token)
	}
	return ""
}
