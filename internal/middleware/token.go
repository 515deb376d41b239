package middleware

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

const tokenLocalsKey = "ingestion_token"

// tokenLookup resolves a token by prefix (can be stubbed in tests).
var tokenLookup = lookupTokenFromDB

// TokenAuth authenticates the ingestion bearer token and stores it in the
// request locals. Hash comparison is constant time; prefix lookup alone
// never authenticates.
func TokenAuth(c fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return unauthorized(c, "Missing or malformed Authorization header")
	}

	plaintext := strings.TrimPrefix(authHeader, "Bearer ")
	prefix, ok := models.SplitToken(plaintext)
	if !ok {
		return unauthorized(c, "Malformed ingestion token")
	}

	token, err := tokenLookup(c.Context(), prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return unauthorized(c, "Invalid ingestion token")
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to process event",
		})
	}

	if !token.IsValid() {
		return unauthorized(c, "Ingestion token revoked or expired")
	}

	computed := models.HashToken(plaintext)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(token.TokenHash)) != 1 {
		return unauthorized(c, "Invalid ingestion token")
	}

	if !token.IPAllowed(ClientIP(c)) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "Forbidden",
			"message": "IP address not allowed",
		})
	}

	// Best-effort, off the request path.
	if database.DB != nil {
		go models.TouchTokenLastUsed(context.Background(), database.DB, token.ID)
	}

	c.Locals(tokenLocalsKey, token)
	return c.Next()
}

func unauthorized(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "Unauthorized",
		"message": message,
	})
}

// TokenFromCtx retrieves the authenticated token from request locals.
func TokenFromCtx(c fiber.Ctx) *models.IngestionToken {
	if token, ok := c.Locals(tokenLocalsKey).(*models.IngestionToken); ok {
		return token
	}
	return nil
}

// ClientIP derives the client IP, honoring Cloudflare's header before the
// proxy-aware fiber resolution.
func ClientIP(c fiber.Ctx) string {
	if cfIP := c.Get("CF-Connecting-IP"); cfIP != "" {
		return strings.TrimSpace(strings.Split(cfIP, ",")[0])
	}
	return c.IP()
}

func lookupTokenFromDB(ctx context.Context, prefix string) (*models.IngestionToken, error) {
	return models.GetTokenByPrefix(ctx, database.DB, prefix)
}

// SetTokenLookup allows tests to inject a stub resolver.
func SetTokenLookup(lookup func(context.Context, string) (*models.IngestionToken, error)) {
	tokenLookup = lookup
}

// ResetTokenLookup restores the database-backed resolver.
func ResetTokenLookup() {
	tokenLookup = lookupTokenFromDB
}
