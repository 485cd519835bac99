// Package events decodes the activity payloads carried on the activity channel.
package events

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"example.com/recommendation/internal/domain"
)

// wirePrefixLen is the Confluent framing: magic byte 0 followed by a 4 byte schema id.
const wirePrefixLen = 5

// ActivityTracked is the JSON document the activity service publishes for every stored activity.
type ActivityTracked struct {
	ID                string         `json:"id"             validate:"required,max=128"`
	UserID            string         `json:"userId"         validate:"required,max=128"`
	Type              string         `json:"type"           validate:"max=64"`
	Duration          int            `json:"duration"       validate:"gte=0"`
	CaloriesBurned    int            `json:"caloriesBurned" validate:"gte=0"`
	StartTime         Timestamp      `json:"startTime"`
	AdditionalMetrics map[string]any `json:"additionalMetrics,omitempty"`
	CreatedAt         Timestamp      `json:"createdAt"`
	UpdatedAt         Timestamp      `json:"updatedAt"`
}

// Timestamp accepts RFC 3339 values as well as the zone-less local date-times
// the activity service emits. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}
	value, err := unquote(raw)
	if err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", value)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func unquote(raw string) (string, error) {
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return "", fmt.Errorf("timestamp must be a string, got %s", raw)
	}
	return raw[1 : len(raw)-1], nil
}

// DecodeActivity parses an activity payload, stripping the Confluent wire
// prefix when present. Malformed payloads wrap domain.ErrInvalidActivity.
func DecodeActivity(payload []byte) (domain.Activity, error) {
	body := StripWirePrefix(payload)
	if len(body) == 0 {
		return domain.Activity{}, fmt.Errorf("%w: empty payload", domain.ErrInvalidActivity)
	}

	var evt ActivityTracked
	if err := json.Unmarshal(body, &evt); err != nil {
		return domain.Activity{}, fmt.Errorf("%w: decode: %v", domain.ErrInvalidActivity, err)
	}
	if err := structValidator().Struct(evt); err != nil {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrInvalidActivity, describe(err))
	}

	activity := evt.toDomain()
	if err := activity.Validate(); err != nil {
		return domain.Activity{}, err
	}
	return activity, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// describe flattens validator field errors into "field tag" pairs.
func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// EncodeActivity renders an activity in the channel's JSON shape.
func EncodeActivity(activity domain.Activity) ([]byte, error) {
	evt := ActivityTracked{
		ID:                activity.ID,
		UserID:            activity.UserID,
		Type:              string(activity.Type),
		Duration:          activity.DurationMin,
		CaloriesBurned:    activity.CaloriesBurned,
		StartTime:         Timestamp{activity.StartTime},
		AdditionalMetrics: activity.AdditionalMetrics,
		CreatedAt:         Timestamp{activity.CreatedAt},
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode activity %s: %w", activity.ID, err)
	}
	return data, nil
}

// StripWirePrefix removes the schema-registry framing. Plain JSON is returned unchanged.
func StripWirePrefix(payload []byte) []byte {
	if len(payload) >= wirePrefixLen && payload[0] == 0 {
		return payload[wirePrefixLen:]
	}
	return payload
}

// ErrNoActivityID is returned by PeekActivityID when the payload has no id.
var ErrNoActivityID = errors.New("activity id not found")

// PeekActivityID extracts the activity id from a payload without validating the rest.
// Transports use it to key dead letters for payloads that fail to decode.
func PeekActivityID(payload []byte) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(StripWirePrefix(payload), &probe); err != nil || probe.ID == "" {
		return "", ErrNoActivityID
	}
	return probe.ID, nil
}

func (e ActivityTracked) toDomain() domain.Activity {
	return domain.Activity{
		ID:                strings.TrimSpace(e.ID),
		UserID:            strings.TrimSpace(e.UserID),
		Type:              domain.ActivityType(strings.ToUpper(strings.TrimSpace(e.Type))),
		DurationMin:       e.Duration,
		CaloriesBurned:    e.CaloriesBurned,
		StartTime:         e.StartTime.Time,
		AdditionalMetrics: e.AdditionalMetrics,
		CreatedAt:         e.CreatedAt.Time,
	}
}
