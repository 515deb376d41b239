package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

// resolveCustomer applies the identity resolution chain and returns the
// customer for the event, or nil when the request carried no usable signal.
// Fingerprint-based customer creation is deliberately not attempted.
func (p *Processor) resolveCustomer(ctx context.Context, q database.Querier, job *EventJob, now time.Time) (*models.Customer, error) {
	var identity *models.Identity
	if job.Identity != nil {
		hash := models.HashIdentityValue(job.Identity.Value)
		found, _, err := models.FindOrCreateIdentity(ctx, q, job.WebsiteID, job.Identity.Type, hash)
		if err != nil {
			return nil, fmt.Errorf("intern identity: %w", err)
		}
		identity = found
		if err := models.TouchIdentity(ctx, q, identity.ID); err != nil {
			return nil, fmt.Errorf("touch identity: %w", err)
		}
	}

	// Strongest signal first: an explicit customer id that exists for this
	// website wins outright.
	if job.CustomerID != nil {
		if id, err := strconv.ParseInt(*job.CustomerID, 10, 64); err == nil {
			customer, err := models.GetCustomerByID(ctx, q, job.WebsiteID, id)
			if err == nil {
				return p.attachIdentity(ctx, q, customer, identity, job)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("lookup customer: %w", err)
			}
		}
	}

	if identity == nil {
		return nil, nil
	}

	// Known identity.
	link, err := models.GetLinkForIdentity(ctx, q, identity.ID)
	if err == nil {
		customer, err := models.GetCustomerByID(ctx, q, job.WebsiteID, link.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("lookup linked customer: %w", err)
		}
		return customer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup identity link: %w", err)
	}

	// Email cross-match: the same email hash seen on another identity or
	// denormalized onto a customer row.
	if job.Identity.Type == models.IdentityTypeEmailHash {
		customer, err := models.FindCustomerByEmailHash(ctx, q, job.WebsiteID, identity.ValueHash)
		if err == nil {
			if err := models.LockCustomer(ctx, q, customer.ID); err != nil {
				return nil, fmt.Errorf("lock customer: %w", err)
			}
			if _, err := models.LinkIdentityToCustomer(ctx, q, customer.ID, identity.ID, 0.95, models.LinkSourceHeuristic); err != nil {
				return nil, fmt.Errorf("link email identity: %w", err)
			}
			if err := models.SetCustomerEmailHash(ctx, q, customer.ID, identity.ValueHash); err != nil {
				return nil, fmt.Errorf("set customer email hash: %w", err)
			}
			return customer, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("email cross-match: %w", err)
		}
	}

	// IP stitching: a fresh cookie from an IP that very recently carried a
	// session is probably the same person who cleared cookies. Skipped when
	// the candidate customer still has a warm cookie identity.
	if job.Identity.Type == models.IdentityTypeCookie && job.IP != "" {
		customerID, err := models.FindRecentCustomerByIP(ctx, q, job.WebsiteID, job.IP, now.Add(-p.cfg.IPStitchWindow))
		if err == nil {
			warm, err := models.CustomerHasRecentCookie(ctx, q, customerID, now.Add(-p.cfg.CookiePresenceWindow))
			if err != nil {
				return nil, fmt.Errorf("cookie presence check: %w", err)
			}
			if !warm {
				customer, err := models.GetCustomerByID(ctx, q, job.WebsiteID, customerID)
				if err != nil {
					return nil, fmt.Errorf("lookup stitched customer: %w", err)
				}
				if err := models.LockCustomer(ctx, q, customer.ID); err != nil {
					return nil, fmt.Errorf("lock customer: %w", err)
				}
				if _, err := models.LinkIdentityToCustomer(ctx, q, customer.ID, identity.ID, 0.7, models.LinkSourceHeuristic); err != nil {
					return nil, fmt.Errorf("link stitched identity: %w", err)
				}
				return customer, nil
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ip stitch lookup: %w", err)
		}
	}

	// Nothing matched: brand-new customer.
	var emailHash *string
	if job.Identity.Type == models.IdentityTypeEmailHash {
		emailHash = &identity.ValueHash
	}
	customer, err := models.CreateCustomer(ctx, q, job.WebsiteID, emailHash)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	confidence, source := linkParams(job.Identity.Type)
	if _, err := models.LinkIdentityToCustomer(ctx, q, customer.ID, identity.ID, confidence, source); err != nil {
		return nil, fmt.Errorf("link new identity: %w", err)
	}
	return customer, nil
}

// attachIdentity links a not-yet-linked identity to an explicitly addressed
// customer so later requests resolve without the explicit id.
func (p *Processor) attachIdentity(ctx context.Context, q database.Querier, customer *models.Customer, identity *models.Identity, job *EventJob) (*models.Customer, error) {
	if identity == nil {
		return customer, nil
	}
	_, err := models.GetLinkForIdentity(ctx, q, identity.ID)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup identity link: %w", err)
	}

	if err := models.LockCustomer(ctx, q, customer.ID); err != nil {
		return nil, fmt.Errorf("lock customer: %w", err)
	}
	confidence, source := linkParams(job.Identity.Type)
	if _, err := models.LinkIdentityToCustomer(ctx, q, customer.ID, identity.ID, confidence, source); err != nil {
		return nil, fmt.Errorf("link identity: %w", err)
	}
	if job.Identity.Type == models.IdentityTypeEmailHash {
		if err := models.SetCustomerEmailHash(ctx, q, customer.ID, identity.ValueHash); err != nil {
			return nil, fmt.Errorf("set customer email hash: %w", err)
		}
	}
	return customer, nil
}

// linkParams returns the confidence and source for a first-party link of
// the given identity type.
func linkParams(identityType string) (float64, string) {
	switch identityType {
	case models.IdentityTypeUserID:
		return 1.0, models.LinkSourceLogin
	case models.IdentityTypeCookie:
		return 1.0, models.LinkSourceSDK
	case models.IdentityTypeEmailHash:
		return 0.95, models.LinkSourceLogin
	default:
		return 0.9, models.LinkSourceSDK
	}
}
