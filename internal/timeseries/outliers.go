package timeseries

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// DefaultContextWindow is the radius of samples attached to each peak.
const DefaultContextWindow = 60 * time.Second

// Peak is an extreme sample plus the samples around it in ascending time.
type Peak struct {
	Peak    storage.Sample   `json:"peak"`
	Context []storage.Sample `json:"context"`
}

// OutlierResult holds the lowest and highest sample of a civil day. Both are
// nil when the day has no samples.
type OutlierResult struct {
	Date    string `json:"date"`
	Lowest  *Peak  `json:"lowest"`
	Highest *Peak  `json:"highest"`
}

// Extractor finds daily extremes and their context windows.
type Extractor struct {
	store  storage.SampleReader
	window time.Duration
	logger zerolog.Logger
}

// NewExtractor wires a store reader. A non-positive window falls back to
// DefaultContextWindow.
func NewExtractor(store storage.SampleReader, window time.Duration, logger zerolog.Logger) *Extractor {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &Extractor{
		store:  store,
		window: window,
		logger: logger.With().Str("component", "outliers").Logger(),
	}
}

// FindDailyOutliers resolves date in timezone and extracts that day's peaks.
func (e *Extractor) FindDailyOutliers(ctx context.Context, table storage.Table, date, timezone string) (OutlierResult, error) {
	bounds, err := ResolveDayBounds(date, timezone)
	if err != nil {
		return OutlierResult{}, err
	}
	return e.FindOutliers(ctx, table, bounds)
}

// FindOutliers extracts the peaks inside already resolved bounds.
func (e *Extractor) FindOutliers(ctx context.Context, table storage.Table, bounds DayBounds) (OutlierResult, error) {
	if table.IsZero() {
		return OutlierResult{}, invalidf("table is required")
	}

	if bounds.Transition() {
		startDrift, endDrift := bounds.Drift()
		e.logger.Info().
			Str("date", bounds.Date).
			Str("timezone", bounds.Location.String()).
			Dur("day_length", bounds.Length()).
			Dur("start_drift", startDrift).
			Dur("end_drift", endDrift).
			Msg("offset changes during requested day")
	}

	extremes, err := e.store.Extremes(ctx, table, bounds.Window())
	if err != nil {
		return OutlierResult{}, storeErr("find extremes", err)
	}

	result := OutlierResult{Date: bounds.Date}
	if extremes.Lowest == nil || extremes.Highest == nil {
		return result, nil
	}

	if result.Lowest, err = e.peak(ctx, table, *extremes.Lowest); err != nil {
		return OutlierResult{}, err
	}
	if result.Highest, err = e.peak(ctx, table, *extremes.Highest); err != nil {
		return OutlierResult{}, err
	}

	e.logger.Debug().
		Str("table", table.Name()).
		Str("date", bounds.Date).
		Float64("lowest", result.Lowest.Peak.Value).
		Float64("highest", result.Highest.Peak.Value).
		Msg("daily outliers resolved")

	return result, nil
}

func (e *Extractor) peak(ctx context.Context, table storage.Table, sample storage.Sample) (*Peak, error) {
	w := storage.Around(sample.Timestamp, e.window)
	around, err := e.store.QuerySamples(ctx, table, storage.SampleQuery{Window: &w, Order: storage.Ascending})
	if err != nil {
		return nil, storeErr("load peak context", err)
	}
	if around == nil {
		around = []storage.Sample{}
	}
	return &Peak{Peak: sample, Context: around}, nil
}
