package handlers

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, body string) *EventPayload {
	t.Helper()
	var payload EventPayload
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	return &payload
}

func TestUnmarshalCollectsUtmKeys(t *testing.T) {
	payload := decodePayload(t, `{
		"event": "page_view",
		"utm_source": "google",
		"utm_medium": "cpc",
		"utm_affiliate": "partner-7",
		"utm_empty": "",
		"utm_number": 42,
		"other_key": "ignored"
	}`)

	assert.Equal(t, map[string]string{
		"utm_source":    "google",
		"utm_medium":    "cpc",
		"utm_affiliate": "partner-7",
	}, payload.UTMs)
}

func TestUnmarshalNoUtms(t *testing.T) {
	payload := decodePayload(t, `{"event": "page_view"}`)
	assert.Nil(t, payload.UTMs)
}

func TestValidateMinimalPayload(t *testing.T) {
	payload := decodePayload(t, `{"event": "page_view"}`)

	now := time.Now()
	occurredAt, errs := payload.Validate(now)
	assert.Nil(t, errs)
	assert.Equal(t, now, occurredAt)
}

func TestValidateFieldErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{
			name:      "missing event",
			body:      `{}`,
			wantField: "event",
		},
		{
			name:      "event too long",
			body:      `{"event": "` + strings.Repeat("x", 256) + `"}`,
			wantField: "event",
		},
		{
			name:      "bad identity type",
			body:      `{"event": "e", "identity": {"type": "fingerprint", "value": "v"}}`,
			wantField: "identity.type",
		},
		{
			name:      "identity missing value",
			body:      `{"event": "e", "identity": {"type": "cookie", "value": ""}}`,
			wantField: "identity.value",
		},
		{
			name:      "invalid url",
			body:      `{"event": "e", "url": "not a url"}`,
			wantField: "url",
		},
		{
			name:      "invalid referrer",
			body:      `{"event": "e", "referrer": "::"}`,
			wantField: "referrer",
		},
		{
			name:      "negative revenue",
			body:      `{"event": "e", "revenue": -1}`,
			wantField: "revenue",
		},
		{
			name:      "currency wrong length",
			body:      `{"event": "e", "currency": "USDT"}`,
			wantField: "currency",
		},
		{
			name:      "idempotency key too long",
			body:      `{"event": "e", "idempotency_key": "` + strings.Repeat("k", 256) + `"}`,
			wantField: "idempotency_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := decodePayload(t, tt.body)
			_, errs := payload.Validate(time.Now())
			require.NotNil(t, errs)
			assert.Contains(t, errs, tt.wantField)
		})
	}
}

func TestValidateTimestamp(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		timestamp string
		wantErr   bool
	}{
		{name: "valid recent", timestamp: now.Add(-time.Hour).Format(time.RFC3339), wantErr: false},
		{name: "no zone designator", timestamp: now.UTC().Add(-time.Hour).Format("2006-01-02T15:04:05"), wantErr: false},
		{name: "garbage", timestamp: "yesterday", wantErr: true},
		{name: "date only", timestamp: "2026-08-26", wantErr: true},
		{name: "too far in the future", timestamp: now.Add(time.Hour).Format(time.RFC3339), wantErr: true},
		{name: "within clock skew", timestamp: now.Add(time.Minute).Format(time.RFC3339), wantErr: false},
		{name: "older than 30 days", timestamp: now.Add(-31 * 24 * time.Hour).Format(time.RFC3339), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := &EventPayload{Event: "e", Timestamp: &tt.timestamp}
			occurredAt, errs := payload.Validate(now)
			if tt.wantErr {
				require.NotNil(t, errs)
				assert.Contains(t, errs, "timestamp")
			} else {
				assert.Nil(t, errs)
				parsed, err := parseEventTimestamp(tt.timestamp)
				require.NoError(t, err)
				assert.True(t, occurredAt.Equal(parsed))
			}
		})
	}
}

func TestValidateUtmValueLength(t *testing.T) {
	payload := &EventPayload{
		Event: "e",
		UTMs:  map[string]string{"utm_source": strings.Repeat("g", 256)},
	}
	_, errs := payload.Validate(time.Now())
	require.NotNil(t, errs)
	assert.Contains(t, errs, "utm_source")
}

func TestValidateProperties(t *testing.T) {
	manyKeys := make(map[string]any, 101)
	for i := 0; i < 101; i++ {
		manyKeys[fmt.Sprintf("key_%d", i)] = i
	}

	deep := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": map[string]any{
						"e": map[string]any{"f": 1},
					},
				},
			},
		},
	}

	tests := []struct {
		name    string
		props   map[string]any
		wantErr bool
	}{
		{name: "plain", props: map[string]any{"plan": "pro", "seats": 4}, wantErr: false},
		{name: "reserved dollar prefix", props: map[string]any{"$internal": true}, wantErr: true},
		{name: "reserved underscore prefix", props: map[string]any{"_hidden": true}, wantErr: true},
		{name: "too many keys", props: manyKeys, wantErr: true},
		{name: "too deep", props: deep, wantErr: true},
		{name: "oversized", props: map[string]any{"blob": strings.Repeat("x", 101*1024)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := &EventPayload{Event: "e", Properties: tt.props}
			_, errs := payload.Validate(time.Now())
			if tt.wantErr {
				require.NotNil(t, errs)
				assert.Contains(t, errs, "properties")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}
