package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// ErrInvalidPayload marks a composite-rate message that cannot be stored.
var ErrInvalidPayload = errors.New("ingest: invalid payload")

type envelope struct {
	CompositeRate   json.RawMessage `json:"composite_rate"`
	ActiveSession   *string         `json:"active_session"`
	Weights         *weights        `json:"weights"`
	Timestamp       json.RawMessage `json:"timestamp"`
	SourcesUsed     []string        `json:"sources_used"`
	FullAPIResponse json.RawMessage `json:"_fullApiResponse"`
}

type weights struct {
	Session   *float64 `json:"session"`
	Reference *float64 `json:"reference"`
}

// Decode parses a composite-rate message.
//
// composite_rate may be a JSON number or a numeric string; timestamp may be an
// RFC 3339 string or epoch milliseconds. The raw payload kept with the row is
// _fullApiResponse when present, otherwise the message itself.
func Decode(body []byte) (storage.NewSample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return storage.NewSample{}, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return storage.NewSample{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	value, err := parseRate(env.CompositeRate)
	if err != nil {
		return storage.NewSample{}, err
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return storage.NewSample{}, err
	}

	sample := storage.NewSample{
		Value:       value,
		Timestamp:   ts,
		SourcesUsed: env.SourcesUsed,
	}
	if env.ActiveSession != nil && strings.TrimSpace(*env.ActiveSession) != "" {
		session := *env.ActiveSession
		sample.Category = &session
	}
	if env.Weights != nil {
		sample.WeightA = env.Weights.Session
		sample.WeightB = env.Weights.Reference
	}

	raw := env.FullAPIResponse
	if isNull(raw) {
		raw = body
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return storage.NewSample{}, fmt.Errorf("%w: raw payload: %v", ErrInvalidPayload, err)
	}
	sample.RawPayload = json.RawMessage(compact.Bytes())

	return sample, nil
}

func parseRate(raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("%w: composite_rate is required", ErrInvalidPayload)
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: composite_rate: %v", ErrInvalidPayload, err)
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%w: composite_rate %q is not numeric", ErrInvalidPayload, text)
	}
	if d.IsZero() {
		return 0, fmt.Errorf("%w: composite_rate is required", ErrInvalidPayload)
	}
	value := d.InexactFloat64()
	if math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: composite_rate out of range", ErrInvalidPayload)
	}
	return value, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", ErrInvalidPayload)
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidPayload, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q is not RFC 3339", ErrInvalidPayload, text)
		}
		return ts.UTC(), nil
	}

	var millis json.Number
	if err := json.Unmarshal(raw, &millis); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidPayload, err)
	}
	ms, err := millis.Int64()
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %s is not epoch milliseconds", ErrInvalidPayload, millis)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
