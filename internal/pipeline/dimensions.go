package pipeline

import (
	"context"
	_ "embed"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

//go:embed referrer_rules.yaml
var referrerRulesYAML []byte

type referrerRules struct {
	Search []string `yaml:"search"`
	Social []string `yaml:"social"`
	Email  []string `yaml:"email"`
}

var (
	rulesOnce   sync.Once
	loadedRules referrerRules
)

func loadReferrerRules() referrerRules {
	rulesOnce.Do(func() {
		if err := yaml.Unmarshal(referrerRulesYAML, &loadedRules); err != nil {
			// The embedded file ships with the binary; a parse failure
			// here means a broken build, not bad input.
			panic("pipeline: invalid referrer_rules.yaml: " + err.Error())
		}
	})
	return loadedRules
}

// ClassifyReferrerDomain maps a lowercased referrer host to a coarse
// acquisition category.
func ClassifyReferrerDomain(domain string) string {
	rules := loadReferrerRules()
	for _, s := range rules.Search {
		if strings.Contains(domain, s) {
			return models.ReferrerCategorySearch
		}
	}
	for _, s := range rules.Social {
		if strings.Contains(domain, s) {
			return models.ReferrerCategorySocial
		}
	}
	for _, s := range rules.Email {
		if strings.Contains(domain, s) {
			return models.ReferrerCategoryEmail
		}
	}
	return models.ReferrerCategoryOther
}

const urlSampleMaxLen = 500

// truncateURLSample caps a stored URL sample at urlSampleMaxLen bytes,
// backing up to a rune boundary so a multi-byte character is never split.
func truncateURLSample(s string) string {
	if len(s) <= urlSampleMaxLen {
		return s
	}
	cut := urlSampleMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// dimensionSet holds the interned dimension ids for one event.
type dimensionSet struct {
	ReferrerDomainID *int64
	LandingPageID    *int64
	UtmValueIDs      []int64
	LandingURL       *string
	ReferrerURL      *string
}

// normalizeDimensions interns the referrer domain, landing page, and UTM
// values for a job. Every upsert tolerates concurrent writers through the
// unique constraints.
func normalizeDimensions(ctx context.Context, q database.Querier, job *EventJob) (*dimensionSet, error) {
	dims := &dimensionSet{}

	if job.Referrer != "" {
		if parsed, err := url.Parse(job.Referrer); err == nil && parsed.Hostname() != "" {
			domain := strings.ToLower(parsed.Hostname())
			category := ClassifyReferrerDomain(domain)
			id, err := models.UpsertReferrerDomain(ctx, q, job.WebsiteID, domain, category)
			if err != nil {
				return nil, err
			}
			dims.ReferrerDomainID = &id
			referrerURL := job.Referrer
			dims.ReferrerURL = &referrerURL
		}
	}

	if job.URL != "" {
		if parsed, err := url.Parse(job.URL); err == nil {
			path := parsed.Path
			if path == "" {
				path = "/"
			}
			sample := truncateURLSample(job.URL)
			id, err := models.UpsertLandingPage(ctx, q, job.WebsiteID, path, &sample)
			if err != nil {
				return nil, err
			}
			dims.LandingPageID = &id
			landingURL := job.URL
			dims.LandingURL = &landingURL
		}
	}

	// Sorted for stable insert order; keeps concurrent transactions from
	// interning the same keys in opposite order.
	names := make([]string, 0, len(job.UTMs))
	for name := range job.UTMs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := job.UTMs[name]
		if value == "" {
			continue
		}
		id, err := models.UpsertUtmValue(ctx, q, job.WebsiteID, strings.TrimPrefix(name, "utm_"), value)
		if err != nil {
			return nil, err
		}
		dims.UtmValueIDs = append(dims.UtmValueIDs, id)
	}

	return dims, nil
}
