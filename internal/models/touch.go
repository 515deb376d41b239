package models

import (
	"context"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Touch types. Only landing touches are emitted by the ingestion pipeline;
// the other kinds arrive through future integrations.
const (
	TouchTypeLanding   = "landing"
	TouchTypeAdClick   = "ad_click"
	TouchTypeEmailOpen = "email_open"
)

// Touch is an acquisition event attached to a customer and usually a
// session. Insert-only.
type Touch struct {
	ID               int64     `json:"id"`
	WebsiteID        int64     `json:"website_id"`
	CustomerID       int64     `json:"customer_id"`
	SessionID        *int64    `json:"session_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
	Type             string    `json:"type"`
	ReferrerDomainID *int64    `json:"referrer_domain_id,omitempty"`
	LandingPageID    *int64    `json:"landing_page_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const touchColumns = `id, website_id, customer_id, session_id, occurred_at,
	type, referrer_domain_id, landing_page_id, created_at`

func scanTouch(row interface{ Scan(dest ...any) error }) (*Touch, error) {
	var t Touch
	err := row.Scan(&t.ID, &t.WebsiteID, &t.CustomerID, &t.SessionID, &t.OccurredAt,
		&t.Type, &t.ReferrerDomainID, &t.LandingPageID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTouch writes a touch row. A unique violation on the one-landing-per-
// session index surfaces unchanged.
func InsertTouch(ctx context.Context, q database.Querier, t *Touch) error {
	row := q.QueryRowContext(ctx, `
		INSERT INTO touches (
			website_id, customer_id, session_id, occurred_at,
			type, referrer_domain_id, landing_page_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		t.WebsiteID, t.CustomerID, t.SessionID, t.OccurredAt,
		t.Type, t.ReferrerDomainID, t.LandingPageID)
	return row.Scan(&t.ID, &t.CreatedAt)
}

// GetTouchByID fetches a touch.
func GetTouchByID(ctx context.Context, q database.Querier, id int64) (*Touch, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+touchColumns+` FROM touches WHERE id = $1`, id)
	return scanTouch(row)
}

// GetLandingTouchForSession returns the landing touch of a session, or
// sql.ErrNoRows.
func GetLandingTouchForSession(ctx context.Context, q database.Querier, sessionID int64) (*Touch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+touchColumns+`
		FROM touches
		WHERE session_id = $1 AND type = $2`,
		sessionID, TouchTypeLanding)
	return scanTouch(row)
}

// FindLastNonDirectTouch returns the customer's most recent touch carrying a
// referrer domain, or sql.ErrNoRows when the customer only has direct
// traffic.
func FindLastNonDirectTouch(ctx context.Context, q database.Querier, customerID int64) (*Touch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+touchColumns+`
		FROM touches
		WHERE customer_id = $1 AND referrer_domain_id IS NOT NULL
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1`,
		customerID)
	return scanTouch(row)
}
