package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvertedWindow is returned when a window ends before it starts.
var ErrInvertedWindow = errors.New("storage: window start is after end")

// Sample is one persisted exchange-rate observation.
//
// JSON names mirror the table columns the dashboard front end reads.
type Sample struct {
	ID         int64           `json:"id"`
	Value      float64         `json:"composite_rate"`
	Category   *string         `json:"active_session"`
	WeightA    *float64        `json:"session_weight"`
	WeightB    *float64        `json:"reference_weight"`
	Timestamp  time.Time       `json:"timestamp"`
	RecordedAt time.Time       `json:"created_at"`
	RawPayload json.RawMessage `json:"raw_data"`
}

// NewSample carries the fields an ingestion source provides for a fresh row.
type NewSample struct {
	Value       float64
	Category    *string
	WeightA     *float64
	WeightB     *float64
	Timestamp   time.Time
	SourcesUsed []string
	RawPayload  json.RawMessage
}

// Window is a closed UTC interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates and normalises a window to UTC.
func NewWindow(start, end time.Time) (Window, error) {
	if start.After(end) {
		return Window{}, ErrInvertedWindow
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// Around returns the window [t-radius, t+radius].
func Around(t time.Time, radius time.Duration) Window {
	return Window{Start: t.Add(-radius).UTC(), End: t.Add(radius).UTC()}
}

// Contains reports whether t lies inside the closed window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Order selects the timestamp direction of a result set.
type Order int

const (
	// Descending returns newest rows first.
	Descending Order = iota
	// Ascending returns oldest rows first.
	Ascending
)

// SampleQuery describes a single read against a sample table.
// Window and Since are mutually exclusive; Limit of zero means no cap.
type SampleQuery struct {
	Window *Window
	Since  time.Time
	Limit  int
	Order  Order
}

// Extremes holds the lowest and highest sample of a window.
type Extremes struct {
	Lowest  *Sample
	Highest *Sample
}

// UpdateCounts summarises how many rows arrived over recent periods.
type UpdateCounts struct {
	Last2Min int64 `json:"last_2min"`
	LastHour int64 `json:"last_hour"`
	LastDay  int64 `json:"last_day"`
	Total    int64 `json:"total"`
}

// TableStats aggregates a whole sample table.
type TableStats struct {
	TotalRecords int64               `json:"total_records"`
	OldestRecord *time.Time          `json:"oldest_record"`
	NewestRecord *time.Time          `json:"newest_record"`
	AverageRate  decimal.NullDecimal `json:"average_rate"`
	MinRate      decimal.NullDecimal `json:"min_rate"`
	MaxRate      decimal.NullDecimal `json:"max_rate"`
}
