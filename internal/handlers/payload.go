package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Error keys should read like the JSON payload, not Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// IdentityRef is the identity block of the payload.
type IdentityRef struct {
	Type  string `json:"type" validate:"required,oneof=cookie user_id email_hash ga_cid"`
	Value string `json:"value" validate:"required,max=500"`
}

// EventPayload is a single tracking event as posted by SDKs.
type EventPayload struct {
	Event          string         `json:"event" validate:"required,max=255"`
	Properties     map[string]any `json:"properties"`
	CustomerID     *string        `json:"customer_id" validate:"omitempty,max=255"`
	Identity       *IdentityRef   `json:"identity"`
	SessionID      *string        `json:"session_id" validate:"omitempty,max=100"`
	URL            string         `json:"url" validate:"omitempty,url,max=2048"`
	Referrer       string         `json:"referrer" validate:"omitempty,url,max=2048"`
	Revenue        *float64       `json:"revenue" validate:"omitempty,gte=0"`
	Currency       *string        `json:"currency" validate:"omitempty,len=3"`
	IdempotencyKey *string        `json:"idempotency_key" validate:"omitempty,max=255"`
	Timestamp      *string        `json:"timestamp"`

	// UTMs collects every top-level utm_* key with a non-empty string
	// value, the five standard parameters included.
	UTMs map[string]string `json:"-"`
}

// UnmarshalJSON decodes the fixed fields and sweeps up arbitrary utm_*
// keys, which have no fixed schema.
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	type alias EventPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	utms := make(map[string]string)
	for key, value := range raw {
		if !strings.HasPrefix(key, "utm_") || key == "utm_" {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil || s == "" {
			continue
		}
		utms[key] = s
	}

	*p = EventPayload(a)
	if len(utms) > 0 {
		p.UTMs = utms
	}
	return nil
}

// ValidationErrors maps payload fields to their failure messages.
type ValidationErrors map[string][]string

const (
	maxTimestampSkew   = 5 * time.Minute
	maxTimestampAge    = 30 * 24 * time.Hour
	maxPropertiesBytes = 100 * 1024
	maxPropertiesKeys  = 100
	maxPropertiesDepth = 5
)

// Validate checks the payload and resolves its effective timestamp.
// Returns nil errors on success.
func (p *EventPayload) Validate(now time.Time) (time.Time, ValidationErrors) {
	errs := ValidationErrors{}

	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				key := fieldKey(fe)
				errs[key] = append(errs[key], fieldMessage(fe))
			}
		} else {
			errs["payload"] = append(errs["payload"], "invalid payload")
		}
	}

	for name, value := range p.UTMs {
		if len(value) > 255 {
			errs[name] = append(errs[name], "exceeds maximum length of 255")
		}
	}

	occurredAt := now
	if p.Timestamp != nil && *p.Timestamp != "" {
		parsed, err := parseEventTimestamp(*p.Timestamp)
		switch {
		case err != nil:
			errs["timestamp"] = append(errs["timestamp"], "must be a valid ISO-8601 timestamp")
		case parsed.After(now.Add(maxTimestampSkew)):
			errs["timestamp"] = append(errs["timestamp"], "must not be in the future")
		case parsed.Before(now.Add(-maxTimestampAge)):
			errs["timestamp"] = append(errs["timestamp"], "must be within 30 days of now")
		default:
			occurredAt = parsed
		}
	}

	if p.Properties != nil {
		if msg := validateProperties(p.Properties); msg != "" {
			errs["properties"] = append(errs["properties"], msg)
		}
	}

	if len(errs) == 0 {
		return occurredAt, nil
	}
	return occurredAt, errs
}

// ISO-8601 allows a local time with no zone designator; such timestamps
// are read as UTC.
const offsetlessLayout = "2006-01-02T15:04:05"

func parseEventTimestamp(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return parsed, nil
	}
	return time.Parse(offsetlessLayout, value)
}

// fieldKey flattens nested validator namespaces to payload paths, e.g.
// "EventPayload.identity.type" -> "identity.type".
func fieldKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("exceeds maximum length of %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return "must be a valid URL"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return "is invalid"
	}
}

// validateProperties enforces the custom-property caps: 100KB serialized,
// 100 top-level keys, nesting depth 5, and no reserved key prefixes.
func validateProperties(props map[string]any) string {
	serialized, err := json.Marshal(props)
	if err != nil {
		return "invalid properties format"
	}
	if len(serialized) > maxPropertiesBytes {
		return "exceed 100KB limit"
	}

	if len(props) > maxPropertiesKeys {
		return "exceed 100 keys limit"
	}

	for key := range props {
		if strings.HasPrefix(key, "$") || strings.HasPrefix(key, "_") {
			return fmt.Sprintf("reserved property key: %s", key)
		}
	}

	if jsonDepth(props, 0) > maxPropertiesDepth {
		return "exceed max depth of 5"
	}

	return ""
}

func jsonDepth(data any, currentDepth int) int {
	maxDepth := currentDepth

	switch v := data.(type) {
	case map[string]any:
		for _, value := range v {
			if depth := jsonDepth(value, currentDepth+1); depth > maxDepth {
				maxDepth = depth
			}
		}
	case []any:
		for _, item := range v {
			if depth := jsonDepth(item, currentDepth+1); depth > maxDepth {
				maxDepth = depth
			}
		}
	}

	return maxDepth
}
