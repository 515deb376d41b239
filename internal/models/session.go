package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Session is a time-bounded sequence of events from one customer. Sessions
// always belong to a customer; no customer means no session and no event.
type Session struct {
	ID               int64      `json:"id"`
	WebsiteID        int64      `json:"website_id"`
	CustomerID       int64      `json:"customer_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	LandingPageID    *int64     `json:"landing_page_id,omitempty"`
	ReferrerDomainID *int64     `json:"referrer_domain_id,omitempty"`
	LandingURL       *string    `json:"landing_url,omitempty"`
	ReferrerURL      *string    `json:"referrer_url,omitempty"`
	IP               *string    `json:"ip,omitempty"`
	UserAgent        *string    `json:"user_agent,omitempty"`
	IsBot            bool       `json:"is_bot"`
	Country          *string    `json:"country,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const sessionColumns = `id, website_id, customer_id, started_at, ended_at,
	landing_page_id, referrer_domain_id, landing_url, referrer_url,
	ip, user_agent, is_bot, country, created_at, updated_at`

func scanSession(row interface{ Scan(dest ...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.WebsiteID, &s.CustomerID, &s.StartedAt, &s.EndedAt,
		&s.LandingPageID, &s.ReferrerDomainID, &s.LandingURL, &s.ReferrerURL,
		&s.IP, &s.UserAgent, &s.IsBot, &s.Country, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a session and fills in the generated fields.
func CreateSession(ctx context.Context, q database.Querier, s *Session) error {
	row := q.QueryRowContext(ctx, `
		INSERT INTO sessions (
			website_id, customer_id, started_at,
			landing_page_id, referrer_domain_id, landing_url, referrer_url,
			ip, user_agent, is_bot, country
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		s.WebsiteID, s.CustomerID, s.StartedAt,
		s.LandingPageID, s.ReferrerDomainID, s.LandingURL, s.ReferrerURL,
		s.IP, s.UserAgent, s.IsBot, s.Country)
	return row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetActiveSessionByID fetches and locks a session by id, scoped to the
// website, provided it is still open and started inside the activity window.
func GetActiveSessionByID(ctx context.Context, q database.Querier, websiteID, id int64, startedAfter time.Time) (*Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE website_id = $1 AND id = $2
		  AND ended_at IS NULL AND started_at > $3
		FOR UPDATE`,
		websiteID, id, startedAfter)
	return scanSession(row)
}

// FindActiveSessionForCustomer locks and returns the customer's most recent
// open session inside the activity window, or sql.ErrNoRows.
func FindActiveSessionForCustomer(ctx context.Context, q database.Querier, customerID int64, startedAfter time.Time) (*Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE customer_id = $1
		  AND ended_at IS NULL AND started_at > $2
		ORDER BY started_at DESC
		LIMIT 1
		FOR UPDATE`,
		customerID, startedAfter)
	return scanSession(row)
}

// FindRecentCustomerByIP returns the customer behind the most recent session
// from the given IP on this website inside the stitch window.
func FindRecentCustomerByIP(ctx context.Context, q database.Querier, websiteID int64, ip string, startedAfter time.Time) (int64, error) {
	var customerID int64
	err := q.QueryRowContext(ctx, `
		SELECT customer_id
		FROM sessions
		WHERE website_id = $1 AND ip = $2 AND started_at > $3
		ORDER BY started_at DESC
		LIMIT 1`,
		websiteID, ip, startedAfter).Scan(&customerID)
	if err != nil {
		return 0, err
	}
	return customerID, nil
}

// CloseSession stamps ended_at explicitly.
func CloseSession(ctx context.Context, q database.Querier, id int64, endedAt time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = $2, updated_at = now()
		WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
