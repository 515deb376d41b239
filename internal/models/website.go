package models

import (
	"context"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// Website is the tenant boundary. Everything else hangs off a website and
// is cascade-deleted with it.
type Website struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const websiteColumns = "id, domain, name, status, created_at, updated_at"

func scanWebsite(row interface{ Scan(dest ...any) error }) (*Website, error) {
	var w Website
	if err := row.Scan(&w.ID, &w.Domain, &w.Name, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebsite inserts a new website.
func CreateWebsite(ctx context.Context, q database.Querier, domain, name string) (*Website, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO websites (domain, name)
		VALUES ($1, $2)
		RETURNING `+websiteColumns,
		domain, name)
	return scanWebsite(row)
}

// GetWebsiteByID fetches a website by id.
func GetWebsiteByID(ctx context.Context, q database.Querier, id int64) (*Website, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE id = $1`, id)
	return scanWebsite(row)
}

// GetWebsiteByDomain fetches a website by domain.
func GetWebsiteByDomain(ctx context.Context, q database.Querier, domain string) (*Website, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE domain = $1`, domain)
	return scanWebsite(row)
}

// ListWebsites returns all websites ordered by domain.
func ListWebsites(ctx context.Context, q database.Querier) ([]*Website, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+websiteColumns+` FROM websites ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var websites []*Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, err
		}
		websites = append(websites, w)
	}
	return websites, rows.Err()
}
