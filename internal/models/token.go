package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/attrio/attrio/internal/database"
)

// TokenPrefixLength is the fixed length of the public token prefix. The
// plaintext handed to SDKs is "<prefix>.<secret>"; only the hash of the
// full plaintext is stored.
const TokenPrefixLength = 12

const tokenPrefixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IngestionToken authenticates SDK traffic for one website.
type IngestionToken struct {
	ID          int64      `json:"id"`
	WebsiteID   int64      `json:"website_id"`
	Prefix      string     `json:"prefix"`
	TokenHash   string     `json:"-"`
	Name        *string    `json:"name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsValid reports whether the token is neither revoked nor expired.
func (t *IngestionToken) IsValid() bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}

// IPAllowed reports whether the client IP passes the allowlist. An empty
// allowlist admits every IP.
func (t *IngestionToken) IPAllowed(ip string) bool {
	if len(t.IPAllowlist) == 0 {
		return true
	}
	for _, allowed := range t.IPAllowlist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// GenerateToken mints a fresh token plaintext and its stored form.
func GenerateToken() (plaintext, prefix, hash string, err error) {
	prefixBytes := make([]byte, TokenPrefixLength)
	if _, err = rand.Read(prefixBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token prefix: %w", err)
	}
	for i, b := range prefixBytes {
		prefixBytes[i] = tokenPrefixAlphabet[int(b)%len(tokenPrefixAlphabet)]
	}
	prefix = string(prefixBytes)

	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	plaintext = prefix + "." + hex.EncodeToString(secretBytes)
	hash = HashToken(plaintext)
	return plaintext, prefix, hash, nil
}

// HashToken hashes the full token plaintext for storage and comparison.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// SplitToken extracts the prefix from a token plaintext of the form
// "<12 chars>.<secret>".
func SplitToken(plaintext string) (prefix string, ok bool) {
	if len(plaintext) < TokenPrefixLength+2 {
		return "", false
	}
	if plaintext[TokenPrefixLength] != '.' {
		return "", false
	}
	prefix = plaintext[:TokenPrefixLength]
	if strings.Contains(prefix, ".") {
		return "", false
	}
	return prefix, true
}

const tokenColumns = `id, website_id, prefix, token_hash, name,
	expires_at, revoked_at, ip_allowlist, last_used_at, created_at`

func scanToken(row interface{ Scan(dest ...any) error }) (*IngestionToken, error) {
	var t IngestionToken
	var allowlist pq.StringArray
	err := row.Scan(&t.ID, &t.WebsiteID, &t.Prefix, &t.TokenHash, &t.Name,
		&t.ExpiresAt, &t.RevokedAt, &allowlist, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Prefix = strings.TrimSpace(t.Prefix)
	t.IPAllowlist = []string(allowlist)
	return &t, nil
}

// CreateIngestionToken persists a token. The plaintext is never stored.
func CreateIngestionToken(ctx context.Context, q database.Querier, t *IngestionToken) error {
	row := q.QueryRowContext(ctx, `
		INSERT INTO ingestion_tokens (website_id, prefix, token_hash, name, expires_at, ip_allowlist)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		t.WebsiteID, t.Prefix, t.TokenHash, t.Name, t.ExpiresAt, pq.Array(t.IPAllowlist))
	return row.Scan(&t.ID, &t.CreatedAt)
}

// GetTokenByPrefix looks up a non-revoked token by its public prefix.
func GetTokenByPrefix(ctx context.Context, q database.Querier, prefix string) (*IngestionToken, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM ingestion_tokens
		WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix)
	return scanToken(row)
}

// ListTokensForWebsite lists all tokens (including revoked) for a website.
func ListTokensForWebsite(ctx context.Context, q database.Querier, websiteID int64) ([]*IngestionToken, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+tokenColumns+`
		FROM ingestion_tokens
		WHERE website_id = $1
		ORDER BY created_at DESC`,
		websiteID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var tokens []*IngestionToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RevokeToken stamps revoked_at on a token identified by prefix.
func RevokeToken(ctx context.Context, q database.Querier, prefix string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE ingestion_tokens
		SET revoked_at = now()
		WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchTokenLastUsed updates last_used_at best-effort. Callers fire it from
// a goroutine; failures are ignored.
func TouchTokenLastUsed(ctx context.Context, q database.Querier, id int64) {
	_, _ = q.ExecContext(ctx,
		`UPDATE ingestion_tokens SET last_used_at = now() WHERE id = $1`, id)
}
