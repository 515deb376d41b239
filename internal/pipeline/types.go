package pipeline

import (
	"encoding/json"
	"regexp"
	"time"
)

// IdentityRef is the identity block of an incoming event.
type IdentityRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// EventJob is the queued unit of work for one accepted event. It carries
// everything the worker needs so processing never reads back the original
// HTTP request.
type EventJob struct {
	WebsiteID      int64             `json:"website_id"`
	TokenID        *int64            `json:"token_id,omitempty"`
	Name           string            `json:"name"`
	OccurredAt     time.Time         `json:"occurred_at"`
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     *string           `json:"customer_id,omitempty"`
	Identity       *IdentityRef      `json:"identity,omitempty"`
	SessionID      *string           `json:"session_id,omitempty"`
	URL            string            `json:"url,omitempty"`
	Referrer       string            `json:"referrer,omitempty"`
	UTMs           map[string]string `json:"utms,omitempty"`
	Revenue        *float64          `json:"revenue,omitempty"`
	Currency       *string           `json:"currency,omitempty"`
	Props          json.RawMessage   `json:"props,omitempty"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
}

var botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|googlebot|bingbot`)

// IsBotUserAgent reports whether a user agent looks like an automated
// client. Deterministic for a fixed string.
func IsBotUserAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return botPattern.MatchString(userAgent)
}
