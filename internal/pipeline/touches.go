package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

// recordLandingTouch maintains the single landing touch of a session. A new
// touch is only minted when the event carries acquisition context (UTMs or a
// referrer); an existing touch is reused and picks up any newly seen UTM
// values. Returns nil when the session has no landing touch and the event
// gives no reason to create one.
func (p *Processor) recordLandingTouch(ctx context.Context, q database.Querier, job *EventJob, customer *models.Customer, session *models.Session, dims *dimensionSet) (*models.Touch, error) {
	touch, err := models.GetLandingTouchForSession(ctx, q, session.ID)
	if err == nil {
		if err := models.BindUtmValues(ctx, q, models.TrackableKindTouch, touch.ID, dims.UtmValueIDs); err != nil {
			return nil, fmt.Errorf("bind touch utms: %w", err)
		}
		return touch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup landing touch: %w", err)
	}

	if len(dims.UtmValueIDs) == 0 && dims.ReferrerDomainID == nil {
		return nil, nil
	}

	touch = &models.Touch{
		WebsiteID:        job.WebsiteID,
		CustomerID:       customer.ID,
		SessionID:        &session.ID,
		OccurredAt:       session.StartedAt,
		Type:             models.TouchTypeLanding,
		ReferrerDomainID: dims.ReferrerDomainID,
		LandingPageID:    dims.LandingPageID,
	}
	if err := models.InsertTouch(ctx, q, touch); err != nil {
		return nil, fmt.Errorf("insert landing touch: %w", err)
	}
	if err := models.BindUtmValues(ctx, q, models.TrackableKindTouch, touch.ID, dims.UtmValueIDs); err != nil {
		return nil, fmt.Errorf("bind touch utms: %w", err)
	}
	if err := models.SetCustomerTouch(ctx, q, customer.ID, touch.ID); err != nil {
		return nil, fmt.Errorf("set customer touch: %w", err)
	}
	return touch, nil
}
