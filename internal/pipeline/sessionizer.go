package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/geoip"
	"github.com/attrio/attrio/internal/models"
)

// resolveSession picks the session the event belongs to, creating one when
// nothing active fits the window. The returned session row is locked for the
// rest of the transaction, serializing concurrent writes to it.
func (p *Processor) resolveSession(ctx context.Context, q database.Querier, job *EventJob, customer *models.Customer, dims *dimensionSet, now time.Time) (*models.Session, error) {
	windowStart := now.Add(-p.cfg.SessionTimeout)

	// A client-supplied session id is honored while the session is still
	// active, scoped to the website.
	if job.SessionID != nil {
		if id, err := strconv.ParseInt(*job.SessionID, 10, 64); err == nil {
			session, err := models.GetActiveSessionByID(ctx, q, job.WebsiteID, id, windowStart)
			if err == nil {
				return p.bindSessionUtms(ctx, q, session, dims)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("lookup session: %w", err)
			}
		}
	}

	session, err := models.FindActiveSessionForCustomer(ctx, q, customer.ID, windowStart)
	if err == nil {
		return p.bindSessionUtms(ctx, q, session, dims)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find active session: %w", err)
	}

	session = &models.Session{
		WebsiteID:        job.WebsiteID,
		CustomerID:       customer.ID,
		StartedAt:        job.OccurredAt,
		LandingPageID:    dims.LandingPageID,
		ReferrerDomainID: dims.ReferrerDomainID,
		LandingURL:       dims.LandingURL,
		ReferrerURL:      dims.ReferrerURL,
		IsBot:            IsBotUserAgent(job.UserAgent),
	}
	if job.IP != "" {
		session.IP = &job.IP
		if country := geoip.CountryCode(job.IP); country != "" {
			session.Country = &country
		}
	}
	if job.UserAgent != "" {
		session.UserAgent = &job.UserAgent
	}
	if err := models.CreateSession(ctx, q, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return p.bindSessionUtms(ctx, q, session, dims)
}

func (p *Processor) bindSessionUtms(ctx context.Context, q database.Querier, session *models.Session, dims *dimensionSet) (*models.Session, error) {
	if err := models.BindUtmValues(ctx, q, models.TrackableKindSession, session.ID, dims.UtmValueIDs); err != nil {
		return nil, fmt.Errorf("bind session utms: %w", err)
	}
	return session, nil
}
