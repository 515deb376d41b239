package models

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Identity types accepted from SDKs.
const (
	IdentityTypeCookie    = "cookie"
	IdentityTypeUserID    = "user_id"
	IdentityTypeEmailHash = "email_hash"
	IdentityTypeGACID     = "ga_cid"
)

// Link sources.
const (
	LinkSourceLogin     = "login"
	LinkSourceSDK       = "sdk"
	LinkSourceHeuristic = "heuristic"
)

// Identity is a hashed observable pointing at a user. The raw value is
// hashed before it reaches storage and is never persisted in plaintext.
type Identity struct {
	ID        int64     `json:"id"`
	WebsiteID int64     `json:"website_id"`
	Type      string    `json:"type"`
	ValueHash string    `json:"value_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CustomerIdentityLink connects an identity to a customer with a confidence
// score. An identity belongs to at most one customer at a time.
type CustomerIdentityLink struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	IdentityID int64     `json:"identity_id"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HashIdentityValue hashes a raw identity value for storage.
func HashIdentityValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

const identityColumns = "id, website_id, type, value_hash, created_at, updated_at"

func scanIdentity(row interface{ Scan(dest ...any) error }) (*Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.WebsiteID, &i.Type, &i.ValueHash, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// FindOrCreateIdentity interns an identity under the (website, type, hash)
// uniqueness constraint. Safe under concurrency: the insert uses ON CONFLICT
// DO NOTHING and falls back to a read.
func FindOrCreateIdentity(ctx context.Context, q database.Querier, websiteID int64, identityType, valueHash string) (*Identity, bool, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO identities (website_id, type, value_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (website_id, type, value_hash) DO NOTHING
		RETURNING `+identityColumns,
		websiteID, identityType, valueHash)

	identity, err := scanIdentity(row)
	if err == nil {
		return identity, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	row = q.QueryRowContext(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE website_id = $1 AND type = $2 AND value_hash = $3`,
		websiteID, identityType, valueHash)
	identity, err = scanIdentity(row)
	if err != nil {
		return nil, false, err
	}
	return identity, false, nil
}

// TouchIdentity bumps updated_at, marking the identity as freshly observed.
func TouchIdentity(ctx context.Context, q database.Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE identities SET updated_at = now() WHERE id = $1`, id)
	return err
}

const linkColumns = "id, customer_id, identity_id, confidence, source, created_at, updated_at"

func scanLink(row interface{ Scan(dest ...any) error }) (*CustomerIdentityLink, error) {
	var l CustomerIdentityLink
	err := row.Scan(&l.ID, &l.CustomerID, &l.IdentityID, &l.Confidence, &l.Source, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLinkForIdentity returns the link owning an identity, or sql.ErrNoRows.
func GetLinkForIdentity(ctx context.Context, q database.Querier, identityID int64) (*CustomerIdentityLink, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM customer_identity_links
		WHERE identity_id = $1`,
		identityID)
	return scanLink(row)
}

// LinkIdentityToCustomer attaches an identity to a customer. If a concurrent
// worker linked the identity first, the existing link wins and is returned.
func LinkIdentityToCustomer(ctx context.Context, q database.Querier, customerID, identityID int64, confidence float64, source string) (*CustomerIdentityLink, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO customer_identity_links (customer_id, identity_id, confidence, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id) DO NOTHING
		RETURNING `+linkColumns,
		customerID, identityID, confidence, source)

	link, err := scanLink(row)
	if err == nil {
		return link, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	return GetLinkForIdentity(ctx, q, identityID)
}

// CustomerHasRecentCookie reports whether the customer has a cookie identity
// observed since the given time. Used by the IP-stitching rule: a customer
// whose cookie is still warm should not absorb a brand-new cookie.
func CustomerHasRecentCookie(ctx context.Context, q database.Querier, customerID int64, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM customer_identity_links l
			JOIN identities i ON i.id = l.identity_id
			WHERE l.customer_id = $1
			  AND i.type = $2
			  AND i.updated_at > $3
		)`,
		customerID, IdentityTypeCookie, since).Scan(&exists)
	return exists, err
}
