package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/attrio/attrio/internal/database"
)

// Trackable kinds for the polymorphic UTM join.
const (
	TrackableKindSession = "session"
	TrackableKindEvent   = "event"
	TrackableKindTouch   = "touch"
)

// Referrer categories.
const (
	ReferrerCategorySearch = "search"
	ReferrerCategorySocial = "social"
	ReferrerCategoryEmail  = "email"
	ReferrerCategoryOther  = "other"
)

// ReferrerDomain is an interned referrer host, classified into a coarse
// acquisition category.
type ReferrerDomain struct {
	ID        int64     `json:"id"`
	WebsiteID int64     `json:"website_id"`
	Domain    string    `json:"domain"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// LandingPage is an interned landing path. url_sample is captured once, at
// creation, and truncated to 500 chars.
type LandingPage struct {
	ID        int64     `json:"id"`
	WebsiteID int64     `json:"website_id"`
	Path      string    `json:"path"`
	URLSample *string   `json:"url_sample,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomUtmParameter is an interned utm_* key with the prefix stripped.
type CustomUtmParameter struct {
	ID        int64  `json:"id"`
	WebsiteID int64  `json:"website_id"`
	Name      string `json:"name"`
}

// CustomUtmValue is an interned value for one parameter.
type CustomUtmValue struct {
	ID          int64  `json:"id"`
	ParameterID int64  `json:"parameter_id"`
	Value       string `json:"value"`
}

// upsertID runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and falls
// back to the provided SELECT when another writer got there first.
func upsertID(ctx context.Context, q database.Querier, insert, sel string, args ...any) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, insert, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	if err := q.QueryRowContext(ctx, sel, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertReferrerDomain interns a (website, domain) pair. The category is set
// on first sight only; reclassification is a migration concern.
func UpsertReferrerDomain(ctx context.Context, q database.Querier, websiteID int64, domain, category string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO referrer_domains (website_id, domain, category)
		VALUES ($1, $2, $3)
		ON CONFLICT (website_id, domain) DO NOTHING
		RETURNING id`,
		websiteID, domain, category).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	err = q.QueryRowContext(ctx,
		`SELECT id FROM referrer_domains WHERE website_id = $1 AND domain = $2`,
		websiteID, domain).Scan(&id)
	return id, err
}

// UpsertLandingPage interns a (website, path) pair. url_sample is stored
// only when the row is created.
func UpsertLandingPage(ctx context.Context, q database.Querier, websiteID int64, path string, urlSample *string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO landing_pages (website_id, path, url_sample)
		VALUES ($1, $2, $3)
		ON CONFLICT (website_id, path) DO NOTHING
		RETURNING id`,
		websiteID, path, urlSample).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	err = q.QueryRowContext(ctx,
		`SELECT id FROM landing_pages WHERE website_id = $1 AND path = $2`,
		websiteID, path).Scan(&id)
	return id, err
}

// UpsertUtmValue interns a (website, name) -> (parameter, value) chain and
// returns the value id. The name arrives with the utm_ prefix already
// stripped.
func UpsertUtmValue(ctx context.Context, q database.Querier, websiteID int64, name, value string) (int64, error) {
	paramID, err := upsertID(ctx, q, `
		INSERT INTO custom_utm_parameters (website_id, name)
		VALUES ($1, $2)
		ON CONFLICT (website_id, name) DO NOTHING
		RETURNING id`, `
		SELECT id FROM custom_utm_parameters WHERE website_id = $1 AND name = $2`,
		websiteID, name)
	if err != nil {
		return 0, err
	}

	return upsertID(ctx, q, `
		INSERT INTO custom_utm_values (parameter_id, value)
		VALUES ($1, $2)
		ON CONFLICT (parameter_id, value) DO NOTHING
		RETURNING id`, `
		SELECT id FROM custom_utm_values WHERE parameter_id = $1 AND value = $2`,
		paramID, value)
}

// BindUtmValues attaches UTM values to a trackable through the polymorphic
// join. Idempotent: re-binding the same triple is a no-op.
func BindUtmValues(ctx context.Context, q database.Querier, kind string, trackableID int64, valueIDs []int64) error {
	if len(valueIDs) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO trackable_utm_values (trackable_kind, trackable_id, utm_value_id)
		SELECT $1, $2, unnest($3::bigint[])
		ON CONFLICT (trackable_kind, trackable_id, utm_value_id) DO NOTHING`,
		kind, trackableID, pq.Array(valueIDs))
	return err
}

// UtmsForTrackable reads back the UTM key/value map bound to a trackable.
// Returns an empty map when nothing is bound.
func UtmsForTrackable(ctx context.Context, q database.Querier, kind string, trackableID int64) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.name, v.value
		FROM trackable_utm_values t
		JOIN custom_utm_values v ON v.id = t.utm_value_id
		JOIN custom_utm_parameters p ON p.id = v.parameter_id
		WHERE t.trackable_kind = $1 AND t.trackable_id = $2`,
		kind, trackableID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	utms := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		utms[name] = value
	}
	return utms, rows.Err()
}
