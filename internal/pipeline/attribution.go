package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

// Conversion event names, matched case-insensitively. checkout_completed is
// excluded: it can fire before payment confirmation.
var conversionNames = map[string]struct{}{
	"purchase":   {},
	"order":      {},
	"conversion": {},
}

// IsConversionEvent reports whether an event name marks realized value.
func IsConversionEvent(name string) bool {
	_, ok := conversionNames[strings.ToLower(name)]
	return ok
}

// recordConversion persists the attribution snapshot for a conversion event.
// The customer must be re-read inside the transaction so touch pointers set
// earlier in the same transaction are visible.
func (p *Processor) recordConversion(ctx context.Context, q database.Querier, job *EventJob, event *models.Event, customer *models.Customer, session *models.Session) error {
	utmCurrent := currentUtms(job)

	utmLast, err := touchUtms(ctx, q, customer.LastTouchID)
	if err != nil {
		return fmt.Errorf("read last-touch utms: %w", err)
	}
	utmFirst, err := touchUtms(ctx, q, customer.FirstTouchID)
	if err != nil {
		return fmt.Errorf("read first-touch utms: %w", err)
	}

	attributedTouchID, err := p.pickAttributedTouch(ctx, q, utmCurrent, customer, session)
	if err != nil {
		return err
	}

	var lastNonDirectID *int64
	if touch, err := models.FindLastNonDirectTouch(ctx, q, customer.ID); err == nil {
		lastNonDirectID = &touch.ID
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find last non-direct touch: %w", err)
	}

	orderID, orderNumber := orderRefs(job.Props)

	conversion := &models.Conversion{
		EventID:              event.ID,
		CustomerID:           customer.ID,
		SessionID:            &session.ID,
		OccurredAt:           event.OccurredAt,
		ValueMinor:           event.RevenueMinor,
		Currency:             event.Currency,
		FirstTouchID:         customer.FirstTouchID,
		LastNonDirectTouchID: lastNonDirectID,
		AttributedTouchID:    attributedTouchID,
		AttributionModel:     models.AttributionModelLastNonDirect,
		UtmCurrent:           marshalUtms(utmCurrent),
		UtmAttribution:       marshalUtms(pickAttribution(utmCurrent, utmLast, utmFirst)),
		OrderID:              orderID,
		OrderNumber:          orderNumber,
	}
	if err := models.InsertConversion(ctx, q, conversion); err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

// currentUtms returns the UTMs present on this event, falling back to the
// query string of the page URL.
func currentUtms(job *EventJob) map[string]string {
	if len(job.UTMs) > 0 {
		return job.UTMs
	}
	if job.URL == "" {
		return nil
	}
	parsed, err := url.Parse(job.URL)
	if err != nil {
		return nil
	}
	utms := make(map[string]string)
	for key, values := range parsed.Query() {
		if !strings.HasPrefix(key, "utm_") || len(values) == 0 || values[0] == "" {
			continue
		}
		utms[key] = values[0]
	}
	if len(utms) == 0 {
		return nil
	}
	return utms
}

// pickAttribution applies the fallback chain: current, then last touch,
// then first touch.
func pickAttribution(current, last, first map[string]string) map[string]string {
	if len(current) > 0 {
		return current
	}
	if len(last) > 0 {
		return last
	}
	if len(first) > 0 {
		return first
	}
	return nil
}

// pickAttributedTouch chooses the touch credited for the conversion. When
// the event itself carries UTMs, the current session's landing touch wins;
// otherwise the customer's last touch, then first.
func (p *Processor) pickAttributedTouch(ctx context.Context, q database.Querier, utmCurrent map[string]string, customer *models.Customer, session *models.Session) (*int64, error) {
	if len(utmCurrent) > 0 {
		touch, err := models.GetLandingTouchForSession(ctx, q, session.ID)
		if err == nil {
			return &touch.ID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup session landing touch: %w", err)
		}
	}
	if customer.LastTouchID != nil {
		return customer.LastTouchID, nil
	}
	return customer.FirstTouchID, nil
}

func touchUtms(ctx context.Context, q database.Querier, touchID *int64) (map[string]string, error) {
	if touchID == nil {
		return nil, nil
	}
	utms, err := models.UtmsForTrackable(ctx, q, models.TrackableKindTouch, *touchID)
	if err != nil {
		return nil, err
	}
	if len(utms) == 0 {
		return nil, nil
	}
	// Touch UTMs come back with the utm_ prefix stripped; restore it so the
	// snapshots use the same key shape as utm_current.
	prefixed := make(map[string]string, len(utms))
	for name, value := range utms {
		prefixed["utm_"+name] = value
	}
	return prefixed, nil
}

func marshalUtms(utms map[string]string) json.RawMessage {
	if len(utms) == 0 {
		return nil
	}
	data, err := json.Marshal(utms)
	if err != nil {
		return nil
	}
	return data
}

// orderRefs pulls order identifiers out of the event properties. order_id
// and order_number may be strings or numbers; order_key is accepted as an
// alias for order_number.
func orderRefs(props json.RawMessage) (*string, *string) {
	if len(props) == 0 {
		return nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(props, &parsed); err != nil {
		return nil, nil
	}
	return propString(parsed, "order_id"), propString(parsed, "order_number", "order_key")
}

func propString(props map[string]any, keys ...string) *string {
	for _, key := range keys {
		value, ok := props[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				return &v
			}
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			return &s
		}
	}
	return nil
}
