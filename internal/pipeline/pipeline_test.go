package pipeline

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyReferrerDomain(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"www.google.com", "search"},
		{"bing.com", "search"},
		{"search.brave.com", "search"},
		{"duckduckgo.com", "search"},
		{"facebook.com", "social"},
		{"l.instagram.com", "social"},
		{"out.linkedin.com", "social"},
		{"social.example.net", "social"},
		{"mail.yandex.ru", "email"},
		{"newsletter.email-host.io", "email"},
		{"news.ycombinator.com", "other"},
		{"partner.example.org", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyReferrerDomain(tt.domain))
		})
	}
}

func TestTruncateURLSample(t *testing.T) {
	t.Run("short url untouched", func(t *testing.T) {
		url := "https://shop.example.com/products?id=1"
		assert.Equal(t, url, truncateURLSample(url))
	})

	t.Run("ascii url cut at limit", func(t *testing.T) {
		url := "https://shop.example.com/?q=" + strings.Repeat("a", 600)
		got := truncateURLSample(url)
		assert.Len(t, got, urlSampleMaxLen)
		assert.Equal(t, url[:urlSampleMaxLen], got)
	})

	t.Run("multi-byte rune never split", func(t *testing.T) {
		// Three-byte runes leave the 500-byte limit mid-rune (498 + 3 > 500).
		url := "https://shop.example.com/?q=" + strings.Repeat("日", 200)
		got := truncateURLSample(url)
		assert.LessOrEqual(t, len(got), urlSampleMaxLen)
		assert.True(t, utf8.ValidString(got))
		assert.True(t, strings.HasPrefix(url, got))
	})
}

func TestIsBotUserAgent(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		want      bool
	}{
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1)", true},
		{"bingbot", "Mozilla/5.0 (compatible; bingbot/2.0)", true},
		{"generic crawler", "my-crawler/1.0", true},
		{"spider", "Baiduspider/2.0", true},
		{"scraper", "DataScraper 0.3", true},
		{"case insensitive", "SUPERBOT", true},
		{"regular browser", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBotUserAgent(tt.userAgent))
		})
	}
}

func TestRoundRevenueMinor(t *testing.T) {
	tests := []struct {
		revenue float64
		want    int64
	}{
		{149.99, 14999},
		{0, 0},
		{0.005, 1},
		{50, 5000},
		{0.004, 0},
		{19.994, 1999},
		{19.996, 2000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, roundRevenueMinor(tt.revenue), "revenue %v", tt.revenue)
	}
}

func TestIsConversionEvent(t *testing.T) {
	assert.True(t, IsConversionEvent("purchase"))
	assert.True(t, IsConversionEvent("Order"))
	assert.True(t, IsConversionEvent("CONVERSION"))
	assert.False(t, IsConversionEvent("checkout_completed"))
	assert.False(t, IsConversionEvent("page_view"))
	assert.False(t, IsConversionEvent(""))
}

func TestPickAttribution(t *testing.T) {
	current := map[string]string{"utm_source": "google"}
	last := map[string]string{"utm_source": "newsletter"}
	first := map[string]string{"utm_source": "twitter"}

	assert.Equal(t, current, pickAttribution(current, last, first))
	assert.Equal(t, last, pickAttribution(nil, last, first))
	assert.Equal(t, first, pickAttribution(nil, nil, first))
	assert.Nil(t, pickAttribution(nil, nil, nil))
	assert.Equal(t, last, pickAttribution(map[string]string{}, last, first))
}

func TestCurrentUtms(t *testing.T) {
	t.Run("payload utms win", func(t *testing.T) {
		job := &EventJob{
			UTMs: map[string]string{"utm_source": "google"},
			URL:  "https://s/?utm_source=bing",
		}
		assert.Equal(t, map[string]string{"utm_source": "google"}, currentUtms(job))
	})

	t.Run("parsed from url query", func(t *testing.T) {
		job := &EventJob{URL: "https://s/x?utm_source=google&utm_medium=cpc&page=2"}
		assert.Equal(t, map[string]string{
			"utm_source": "google",
			"utm_medium": "cpc",
		}, currentUtms(job))
	})

	t.Run("no utms anywhere", func(t *testing.T) {
		job := &EventJob{URL: "https://s/x?page=2"}
		assert.Nil(t, currentUtms(job))
	})

	t.Run("no url", func(t *testing.T) {
		assert.Nil(t, currentUtms(&EventJob{}))
	})
}

func TestOrderRefs(t *testing.T) {
	tests := []struct {
		name       string
		props      string
		wantID     *string
		wantNumber *string
	}{
		{
			name:       "string values",
			props:      `{"order_id": "789", "order_number": "INV-1"}`,
			wantID:     strPtr("789"),
			wantNumber: strPtr("INV-1"),
		},
		{
			name:       "numeric order id",
			props:      `{"order_id": 789}`,
			wantID:     strPtr("789"),
			wantNumber: nil,
		},
		{
			name:       "order_key alias",
			props:      `{"order_key": "wc_123"}`,
			wantID:     nil,
			wantNumber: strPtr("wc_123"),
		},
		{
			name:       "order_number beats order_key",
			props:      `{"order_number": "N1", "order_key": "K1"}`,
			wantID:     nil,
			wantNumber: strPtr("N1"),
		},
		{
			name:       "absent",
			props:      `{"plan": "pro"}`,
			wantID:     nil,
			wantNumber: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, number := orderRefs(json.RawMessage(tt.props))
			assertPtrEqual(t, tt.wantID, id)
			assertPtrEqual(t, tt.wantNumber, number)
		})
	}

	t.Run("nil props", func(t *testing.T) {
		id, number := orderRefs(nil)
		assert.Nil(t, id)
		assert.Nil(t, number)
	})
}

func TestMarshalUtms(t *testing.T) {
	assert.Nil(t, marshalUtms(nil))
	assert.Nil(t, marshalUtms(map[string]string{}))

	data := marshalUtms(map[string]string{"utm_source": "google"})
	require.NotNil(t, data)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]string{"utm_source": "google"}, decoded)
}

func strPtr(s string) *string {
	return &s
}

func assertPtrEqual(t *testing.T, want, got *string) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.Equal(t, *want, *got)
}
