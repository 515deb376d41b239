package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/config"
	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/logging"
	"github.com/attrio/attrio/internal/middleware"
	"github.com/attrio/attrio/internal/models"
	"github.com/attrio/attrio/internal/pipeline"
	"github.com/attrio/attrio/internal/queue"
)

// eventLookup resolves an idempotency key to a prior event (stubbable in
// tests).
var eventLookup = lookupEventFromDB

func lookupEventFromDB(ctx context.Context, key string) (*models.EventRef, error) {
	return models.GetEventByIdempotencyKey(ctx, database.DB, key)
}

// SetEventLookup allows tests to inject a stub resolver.
func SetEventLookup(lookup func(context.Context, string) (*models.EventRef, error)) {
	eventLookup = lookup
}

// ResetEventLookup restores the database-backed resolver.
func ResetEventLookup() {
	eventLookup = lookupEventFromDB
}

// HandleTrackEvent accepts a single tracking event, validates it, and
// defers processing to the queue.
// POST /api/tracking/events
func HandleTrackEvent(cfg *config.Config) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := middleware.TokenFromCtx(c)
		if token == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Unauthorized",
				"message": "Not authenticated",
			})
		}

		var payload EventPayload
		if err := c.Bind().Body(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"errors":  ValidationErrors{"payload": {"invalid JSON body"}},
			})
		}

		now := time.Now()
		occurredAt, errs := payload.Validate(now)
		if errs != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"errors":  errs,
			})
		}

		key := uuid.NewString()
		if payload.IdempotencyKey != nil && *payload.IdempotencyKey != "" {
			key = *payload.IdempotencyKey
		}

		ctx := c.Context()

		// Fast path for retries: a key we have already processed returns
		// the original ids without touching the queue.
		if ref, err := eventLookup(ctx, key); err == nil {
			return c.Status(fiber.StatusCreated).JSON(fiber.Map{
				"success":     true,
				"event_id":    ref.EventID,
				"customer_id": ref.CustomerID,
				"session_id":  ref.SessionID,
			})
		} else if !errors.Is(err, sql.ErrNoRows) {
			logging.L().Warn("idempotency pre-check failed",
				zap.String("idempotency_key", key), zap.Error(err))
		}

		userAgent := c.Get("User-Agent")
		if cfg.DropBotEvents && pipeline.IsBotUserAgent(userAgent) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"success":      true,
				"bot_detected": true,
			})
		}

		var props json.RawMessage
		if payload.Properties != nil {
			props, _ = json.Marshal(payload.Properties)
		}

		job := pipeline.EventJob{
			WebsiteID:      token.WebsiteID,
			TokenID:        &token.ID,
			Name:           payload.Event,
			OccurredAt:     occurredAt,
			IdempotencyKey: key,
			CustomerID:     payload.CustomerID,
			SessionID:      payload.SessionID,
			URL:            payload.URL,
			Referrer:       payload.Referrer,
			UTMs:           payload.UTMs,
			Revenue:        payload.Revenue,
			Currency:       payload.Currency,
			Props:          props,
			IP:             middleware.ClientIP(c),
			UserAgent:      userAgent,
		}
		if payload.Identity != nil {
			job.Identity = &pipeline.IdentityRef{
				Type:  payload.Identity.Type,
				Value: payload.Identity.Value,
			}
		}

		if _, err := queue.Enqueue(ctx, database.DB, queue.KindProcessEvent, job, cfg.MaxJobAttempts); err != nil {
			logging.L().Error("event enqueue failed",
				zap.Int64("website_id", token.WebsiteID),
				zap.String("idempotency_key", key),
				zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to process event",
			})
		}

		// Processing is deferred; ids arrive once the worker has run.
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success":     true,
			"event_id":    nil,
			"customer_id": nil,
			"session_id":  nil,
		})
	}
}
