package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Event is an insert-only tracking event row.
type Event struct {
	ID               int64           `json:"id"`
	WebsiteID        int64           `json:"website_id"`
	SessionID        int64           `json:"session_id"`
	CustomerID       *int64          `json:"customer_id,omitempty"`
	IngestionTokenID *int64          `json:"ingestion_token_id,omitempty"`
	Name             string          `json:"name"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Props            json.RawMessage `json:"props,omitempty"`
	RevenueMinor     *int64          `json:"revenue_minor,omitempty"`
	Currency         *string         `json:"currency,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	ReferrerDomainID *int64          `json:"referrer_domain_id,omitempty"`
	LandingPageID    *int64          `json:"landing_page_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// EventRef carries the ids a duplicate submission needs back.
type EventRef struct {
	EventID    int64
	SessionID  int64
	CustomerID *int64
}

// GetEventByIdempotencyKey returns the ids of a previously processed event,
// or sql.ErrNoRows.
func GetEventByIdempotencyKey(ctx context.Context, q database.Querier, key string) (*EventRef, error) {
	var ref EventRef
	err := q.QueryRowContext(ctx, `
		SELECT id, session_id, customer_id
		FROM events
		WHERE idempotency_key = $1`,
		key).Scan(&ref.EventID, &ref.SessionID, &ref.CustomerID)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// InsertEvent writes the event row. A unique violation on idempotency_key
// surfaces unchanged so the caller can treat it as a concurrent duplicate.
func InsertEvent(ctx context.Context, q database.Querier, e *Event) error {
	var props any
	if len(e.Props) > 0 {
		props = []byte(e.Props)
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO events (
			website_id, session_id, customer_id, ingestion_token_id,
			name, occurred_at, props, revenue_minor, currency,
			idempotency_key, referrer_domain_id, landing_page_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		e.WebsiteID, e.SessionID, e.CustomerID, e.IngestionTokenID,
		e.Name, e.OccurredAt, props, e.RevenueMinor, e.Currency,
		e.IdempotencyKey, e.ReferrerDomainID, e.LandingPageID)
	return row.Scan(&e.ID, &e.CreatedAt)
}

// CountEventsForSession counts the events recorded against a session.
func CountEventsForSession(ctx context.Context, q database.Querier, sessionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}
