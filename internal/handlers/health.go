package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/attrio/attrio/internal/database"
)

// HandleHealth is the liveness probe for SDK clients.
// GET /api/tracking/health
func HandleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleUp is the deep readiness probe; it fails when the database is
// unreachable.
// GET /up
func HandleUp(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := database.DB.PingContext(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
