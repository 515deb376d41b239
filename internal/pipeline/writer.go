package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

// roundRevenueMinor converts a decimal revenue to minor units with half-up
// rounding. 149.99 becomes 14999, 0.005 becomes 1.
func roundRevenueMinor(revenue float64) int64 {
	return int64(math.Floor(revenue*100 + 0.5))
}

// writeEvent inserts the event row and binds its UTM values. A unique
// violation on idempotency_key surfaces to the caller unchanged.
func writeEvent(ctx context.Context, q database.Querier, job *EventJob, customer *models.Customer, session *models.Session, dims *dimensionSet) (*models.Event, error) {
	event := &models.Event{
		WebsiteID:        job.WebsiteID,
		SessionID:        session.ID,
		CustomerID:       &customer.ID,
		IngestionTokenID: job.TokenID,
		Name:             job.Name,
		OccurredAt:       job.OccurredAt,
		Props:            job.Props,
		Currency:         job.Currency,
		IdempotencyKey:   job.IdempotencyKey,
		ReferrerDomainID: dims.ReferrerDomainID,
		LandingPageID:    dims.LandingPageID,
	}
	if job.Revenue != nil {
		minor := roundRevenueMinor(*job.Revenue)
		event.RevenueMinor = &minor
	}

	if err := models.InsertEvent(ctx, q, event); err != nil {
		return nil, err
	}
	if err := models.BindUtmValues(ctx, q, models.TrackableKindEvent, event.ID, dims.UtmValueIDs); err != nil {
		return nil, fmt.Errorf("bind event utms: %w", err)
	}
	return event, nil
}
