package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
)

// MinAPIKeyLength is the minimum length of an accepted API key
const MinAPIKeyLength = 32

// ValidateAPIKey reports whether a configured key is long enough to be used
func ValidateAPIKey(key string) bool {
	return len(key) >= MinAPIKeyLength && strings.TrimSpace(key) != ""
}

// requestKey extracts the caller's key from X-API-Key or Authorization,
// with or without the Bearer scheme
func requestKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	auth := c.Get(fiber.HeaderAuthorization)
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

// keyring holds the accepted keys
type keyring [][]byte

func newKeyring(logger *logging.Logger, keys []string) keyring {
	var ring keyring
	for _, key := range keys {
		if key == "" {
			continue
		}
		if !ValidateAPIKey(key) {
			logger.Warn("Ignoring API key shorter than required",
				"key_prefix", maskAPIKey(key),
				"key_length", len(key),
				"min_required", MinAPIKeyLength)
			continue
		}
		ring = append(ring, []byte(key))
	}
	if len(ring) == 0 && len(keys) > 0 {
		logger.Error("No usable API keys configured, every request will be rejected",
			"total_keys", len(keys))
	}
	return ring
}

func (k keyring) accepts(key string) bool {
	found := 0
	for _, candidate := range k {
		found |= subtle.ConstantTimeCompare(candidate, []byte(key))
	}
	return found == 1
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{Code: "UNAUTHORIZED", Message: message, Path: c.Path()},
	})
}

// APIKeyAuth guards the control API. When disabled every request passes.
func APIKeyAuth(logger *logging.Logger, apiKeys []string, enabled bool) fiber.Handler {
	if !enabled {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	ring := newKeyring(logger, apiKeys)

	return func(c *fiber.Ctx) error {
		key := requestKey(c)
		if key == "" {
			logger.Warn("API key missing", "path", c.Path(), "method", c.Method(), "ip", c.IP())
			return unauthorized(c, "API key is required in the X-API-Key or Authorization header")
		}
		if !ring.accepts(key) {
			logger.Warn("Invalid API key", "path", c.Path(), "method", c.Method(), "ip", c.IP(),
				"key_prefix", maskAPIKey(key))
			return unauthorized(c, "invalid API key")
		}
		return c.Next()
	}
}

// maskAPIKey keeps the first four characters of a key for logging
func maskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
