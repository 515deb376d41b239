package models

import (
	"context"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Customer is the logical entity behind one or more identities, scoped to a
// website.
type Customer struct {
	ID           int64     `json:"id"`
	WebsiteID    int64     `json:"website_id"`
	Status       string    `json:"status"`
	EmailHash    *string   `json:"email_hash,omitempty"`
	FirstTouchID *int64    `json:"first_touch_id,omitempty"`
	LastTouchID  *int64    `json:"last_touch_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const customerColumns = `id, website_id, status, email_hash,
	first_touch_id, last_touch_id, created_at, updated_at`

func scanCustomer(row interface{ Scan(dest ...any) error }) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.WebsiteID, &c.Status, &c.EmailHash,
		&c.FirstTouchID, &c.LastTouchID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCustomer inserts a fresh customer with status active.
func CreateCustomer(ctx context.Context, q database.Querier, websiteID int64, emailHash *string) (*Customer, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO customers (website_id, status, email_hash)
		VALUES ($1, 'active', $2)
		RETURNING `+customerColumns,
		websiteID, emailHash)
	return scanCustomer(row)
}

// GetCustomerByID fetches a customer scoped to a website.
func GetCustomerByID(ctx context.Context, q database.Querier, websiteID, id int64) (*Customer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE website_id = $1 AND id = $2`,
		websiteID, id)
	return scanCustomer(row)
}

// FindCustomerByEmailHash locates a customer either by the denormalized
// email_hash column or through a linked email_hash identity with the same
// hash. Returns sql.ErrNoRows when nothing matches.
func FindCustomerByEmailHash(ctx context.Context, q database.Querier, websiteID int64, emailHash string) (*Customer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE website_id = $1 AND email_hash = $2
		UNION
		SELECT c.id, c.website_id, c.status, c.email_hash,
			c.first_touch_id, c.last_touch_id, c.created_at, c.updated_at
		FROM customers c
		JOIN customer_identity_links l ON l.customer_id = c.id
		JOIN identities i ON i.id = l.identity_id
		WHERE i.website_id = $1 AND i.type = $3 AND i.value_hash = $2
		LIMIT 1`,
		websiteID, emailHash, IdentityTypeEmailHash)
	return scanCustomer(row)
}

// LockCustomer takes a transactional row lock on the customer. Link inserts
// and touch updates for the same customer serialize behind it.
func LockCustomer(ctx context.Context, q database.Querier, id int64) error {
	var locked int64
	return q.QueryRowContext(ctx,
		`SELECT id FROM customers WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
}

// SetCustomerEmailHash backfills email_hash when it is still unset.
func SetCustomerEmailHash(ctx context.Context, q database.Querier, id int64, emailHash string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE customers
		SET email_hash = COALESCE(email_hash, $2), updated_at = now()
		WHERE id = $1`,
		id, emailHash)
	return err
}

// SetCustomerTouch records a touch on the customer: first_touch_id only when
// still null, last_touch_id always.
func SetCustomerTouch(ctx context.Context, q database.Querier, customerID, touchID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE customers
		SET first_touch_id = COALESCE(first_touch_id, $2),
		    last_touch_id = $2,
		    updated_at = now()
		WHERE id = $1`,
		customerID, touchID)
	return err
}
