package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jasperdg/session-change-monitoring/internal/config"
	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// Range labels reported back to chart clients.
const (
	RangeLimit  = "limit"
	RangeCustom = "custom"
)

var rangePresets = map[string]time.Duration{
	"2min":  2 * time.Minute,
	"1hour": time.Hour,
	"1day":  24 * time.Hour,
	"1week": 7 * 24 * time.Hour,
}

// RangeDuration returns the look-back of a relative range preset.
func RangeDuration(name string) (time.Duration, bool) {
	d, ok := rangePresets[name]
	return d, ok
}

// QueryStore is the read side the dashboard queries need.
type QueryStore interface {
	storage.SampleReader
	storage.StatsReader
}

// QueryOptions bounds history reads.
type QueryOptions struct {
	MaxChartPoints    int
	DefaultLimit      int
	MaxLimit          int
	MaxTimeRangeLimit int
	DefaultTimezone   string
}

// QueryOptionsFromConfig copies the query and outlier sections.
func QueryOptionsFromConfig(cfg *config.Config) QueryOptions {
	return QueryOptions{
		MaxChartPoints:    cfg.Query.MaxChartPoints,
		DefaultLimit:      cfg.Query.DefaultLimit,
		MaxLimit:          cfg.Query.MaxLimit,
		MaxTimeRangeLimit: cfg.Query.MaxTimeRangeLimit,
		DefaultTimezone:   cfg.Outliers.DefaultTimezone,
	}
}

func (o QueryOptions) withDefaults() QueryOptions {
	if o.MaxChartPoints <= 0 {
		o.MaxChartPoints = 1000
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 500
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 10000
	}
	if o.MaxTimeRangeLimit <= 0 {
		o.MaxTimeRangeLimit = 100000
	}
	return o
}

// HistoryRequest selects rows by limit, relative range, or explicit zoom
// window. Start and End must be given together.
type HistoryRequest struct {
	Table string
	Limit int
	Range string
	Start *time.Time
	End   *time.Time
}

func (r HistoryRequest) zoom() bool { return r.Start != nil && r.End != nil }

// HistoryResponse is the chart payload.
type HistoryResponse struct {
	Count         int              `json:"count"`
	Data          []storage.Sample `json:"data"`
	Range         string           `json:"range"`
	Timestamp     time.Time        `json:"timestamp"`
	OriginalCount int              `json:"originalCount"`
	Downsampled   bool             `json:"downsampled"`
	SamplingRate  int              `json:"samplingRate"`
}

// StatsResponse combines update counts with whole-table aggregates.
type StatsResponse struct {
	Table     string               `json:"table"`
	Counts    storage.UpdateCounts `json:"counts"`
	Stats     storage.TableStats   `json:"stats"`
	Timestamp time.Time            `json:"timestamp"`
}

// TablesResponse lists the queryable sample tables.
type TablesResponse struct {
	Success bool     `json:"success"`
	Tables  []string `json:"tables"`
	Count   int      `json:"count"`
}

// Query answers the dashboard's read requests.
type Query struct {
	store     QueryStore
	tables    *storage.Registry
	extractor *timeseries.Extractor
	metrics   *metrics.Metrics
	opts      QueryOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewQuery wires the read path. metrics may be nil.
func NewQuery(store QueryStore, tables *storage.Registry, extractor *timeseries.Extractor, m *metrics.Metrics, opts QueryOptions, logger zerolog.Logger) *Query {
	return &Query{
		store:     store,
		tables:    tables,
		extractor: extractor,
		metrics:   m,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "query").Logger(),
		now:       time.Now,
	}
}

// History reads samples newest first. Limit and range reads above the chart
// budget are downsampled; zoom reads are returned in full.
func (q *Query) History(ctx context.Context, req HistoryRequest) (HistoryResponse, error) {
	table, err := q.tables.Resolve(req.Table)
	if err != nil {
		return HistoryResponse{}, err
	}

	sq, label, err := q.buildHistoryQuery(req)
	if err != nil {
		return HistoryResponse{}, err
	}

	started := q.now()
	rows, err := q.store.QuerySamples(ctx, table, sq)
	if err != nil {
		q.metrics.RecordStoreError("query_samples")
		return HistoryResponse{}, fmt.Errorf("%w: query samples: %w", timeseries.ErrStoreUnavailable, err)
	}

	resp := HistoryResponse{
		Range:         label,
		Timestamp:     q.now().UTC(),
		OriginalCount: len(rows),
		SamplingRate:  1,
		Data:          rows,
	}
	if resp.Data == nil {
		resp.Data = []storage.Sample{}
	}

	if req.zoom() {
		q.logger.Info().
			Str("table", table.Name()).
			Int("data_points", len(rows)).
			Time("start", *req.Start).
			Time("end", *req.End).
			Msg("zoom query returning full granular data")
	} else {
		result, dsErr := timeseries.Downsample(rows, q.opts.MaxChartPoints)
		if dsErr != nil {
			return HistoryResponse{}, dsErr
		}
		resp.Data = result.Points
		resp.Downsampled = result.WasDownsampled
		resp.SamplingRate = result.SamplingRate
		if result.WasDownsampled {
			q.metrics.SetDownsampleRatio(table.Name(), result.SamplingRate)
			q.logger.Info().
				Str("table", table.Name()).
				Int("original_count", result.OriginalCount).
				Int("downsampled_count", len(result.Points)).
				Int("sampling_rate", result.SamplingRate).
				Msg("downsampled data for chart performance")
		}
	}
	resp.Count = len(resp.Data)

	q.logger.Debug().
		Str("table", table.Name()).
		Str("range", label).
		Int("record_count", resp.Count).
		Dur("duration", q.now().Sub(started)).
		Msg("history request served")
	return resp, nil
}

func (q *Query) buildHistoryQuery(req HistoryRequest) (storage.SampleQuery, string, error) {
	if (req.Start == nil) != (req.End == nil) {
		return storage.SampleQuery{}, "", fmt.Errorf("%w: start and end must be provided together", timeseries.ErrInvalidInput)
	}

	limit := req.Limit
	if limit == 0 {
		limit = q.opts.DefaultLimit
	}
	timeBased := req.Range != "" || req.zoom()
	maxLimit := q.opts.MaxLimit
	if timeBased {
		maxLimit = q.opts.MaxTimeRangeLimit
	}
	if limit < 1 || limit > maxLimit {
		return storage.SampleQuery{}, "", fmt.Errorf("%w: limit must be between 1 and %d", timeseries.ErrInvalidInput, maxLimit)
	}

	switch {
	case req.zoom():
		w, err := storage.NewWindow(*req.Start, *req.End)
		if err != nil {
			return storage.SampleQuery{}, "", fmt.Errorf("%w: %w", timeseries.ErrInvalidInput, err)
		}
		return storage.SampleQuery{Window: &w, Order: storage.Descending}, RangeCustom, nil
	case req.Range != "":
		lookBack, ok := RangeDuration(req.Range)
		if !ok {
			return storage.SampleQuery{}, "", fmt.Errorf("%w: unknown range %q (expected 2min, 1hour, 1day or 1week)", timeseries.ErrInvalidInput, req.Range)
		}
		return storage.SampleQuery{Since: q.now().Add(-lookBack).UTC(), Order: storage.Descending}, req.Range, nil
	default:
		return storage.SampleQuery{Limit: limit, Order: storage.Descending}, RangeLimit, nil
	}
}

// Stats returns update counts and aggregates for one table. Both reads run
// concurrently.
func (q *Query) Stats(ctx context.Context, tableName string) (StatsResponse, error) {
	table, err := q.tables.Resolve(tableName)
	if err != nil {
		return StatsResponse{}, err
	}

	now := q.now().UTC()
	resp := StatsResponse{Table: table.Name(), Timestamp: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := q.store.UpdateCounts(gctx, table, now)
		if err != nil {
			q.metrics.RecordStoreError("update_counts")
			return fmt.Errorf("update counts: %w", err)
		}
		resp.Counts = counts
		return nil
	})
	g.Go(func() error {
		stats, err := q.store.TableStats(gctx, table)
		if err != nil {
			q.metrics.RecordStoreError("table_stats")
			return fmt.Errorf("table stats: %w", err)
		}
		resp.Stats = stats
		return nil
	})
	if err := g.Wait(); err != nil {
		return StatsResponse{}, fmt.Errorf("%w: %w", timeseries.ErrStoreUnavailable, err)
	}
	return resp, nil
}

// Tables lists every table callers may query.
func (q *Query) Tables() TablesResponse {
	names := q.tables.Names()
	return TablesResponse{Success: true, Tables: names, Count: len(names)}
}

// DailyOutliers extracts the extremes of date in timezone. An empty timezone
// uses the configured default.
func (q *Query) DailyOutliers(ctx context.Context, tableName, date, timezone string) (timeseries.OutlierResult, error) {
	if date == "" {
		return timeseries.OutlierResult{}, fmt.Errorf("%w: date is required", timeseries.ErrInvalidInput)
	}
	table, err := q.tables.Resolve(tableName)
	if err != nil {
		return timeseries.OutlierResult{}, err
	}
	if timezone == "" {
		timezone = q.opts.DefaultTimezone
	}

	result, err := q.extractor.FindDailyOutliers(ctx, table, date, timezone)
	if err != nil {
		if errors.Is(err, timeseries.ErrStoreUnavailable) {
			q.metrics.RecordStoreError("outliers")
		}
		return timeseries.OutlierResult{}, err
	}
	return result, nil
}
