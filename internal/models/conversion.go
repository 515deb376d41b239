package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attrio/attrio/internal/database"
)

// AttributionModelLastNonDirect is the only model this revision persists.
const AttributionModelLastNonDirect = "last_non_direct"

// Conversion is the attribution snapshot recorded for a conversion event.
// Exactly one per conversion event; insert-only.
type Conversion struct {
	ID                   int64           `json:"id"`
	EventID              int64           `json:"event_id"`
	CustomerID           int64           `json:"customer_id"`
	SessionID            *int64          `json:"session_id,omitempty"`
	OccurredAt           time.Time       `json:"occurred_at"`
	ValueMinor           *int64          `json:"value_minor,omitempty"`
	Currency             *string         `json:"currency,omitempty"`
	FirstTouchID         *int64          `json:"first_touch_id,omitempty"`
	LastNonDirectTouchID *int64          `json:"last_non_direct_touch_id,omitempty"`
	AttributedTouchID    *int64          `json:"attributed_touch_id,omitempty"`
	AttributionModel     string          `json:"attribution_model"`
	UtmCurrent           json.RawMessage `json:"utm_current,omitempty"`
	UtmAttribution       json.RawMessage `json:"utm_attribution,omitempty"`
	OrderID              *string         `json:"order_id,omitempty"`
	OrderNumber          *string         `json:"order_number,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// InsertConversion writes the conversion row.
func InsertConversion(ctx context.Context, q database.Querier, c *Conversion) error {
	var utmCurrent, utmAttribution any
	if len(c.UtmCurrent) > 0 {
		utmCurrent = []byte(c.UtmCurrent)
	}
	if len(c.UtmAttribution) > 0 {
		utmAttribution = []byte(c.UtmAttribution)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO conversions (
			event_id, customer_id, session_id, occurred_at,
			value_minor, currency,
			first_touch_id, last_non_direct_touch_id, attributed_touch_id,
			attribution_model, utm_current, utm_attribution,
			order_id, order_number
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at`,
		c.EventID, c.CustomerID, c.SessionID, c.OccurredAt,
		c.ValueMinor, c.Currency,
		c.FirstTouchID, c.LastNonDirectTouchID, c.AttributedTouchID,
		c.AttributionModel, utmCurrent, utmAttribution,
		c.OrderID, c.OrderNumber)
	return row.Scan(&c.ID, &c.CreatedAt)
}

// GetConversionByEventID fetches the conversion for an event, or
// sql.ErrNoRows.
func GetConversionByEventID(ctx context.Context, q database.Querier, eventID int64) (*Conversion, error) {
	var c Conversion
	var utmCurrent, utmAttribution []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, event_id, customer_id, session_id, occurred_at,
			value_minor, currency,
			first_touch_id, last_non_direct_touch_id, attributed_touch_id,
			attribution_model, utm_current, utm_attribution,
			order_id, order_number, created_at
		FROM conversions
		WHERE event_id = $1`,
		eventID).Scan(&c.ID, &c.EventID, &c.CustomerID, &c.SessionID, &c.OccurredAt,
		&c.ValueMinor, &c.Currency,
		&c.FirstTouchID, &c.LastNonDirectTouchID, &c.AttributedTouchID,
		&c.AttributionModel, &utmCurrent, &utmAttribution,
		&c.OrderID, &c.OrderNumber, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.UtmCurrent = json.RawMessage(utmCurrent)
	c.UtmAttribution = json.RawMessage(utmAttribution)
	return &c, nil
}
