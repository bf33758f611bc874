package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// DefaultSlowInsert is the latency above which an insert is logged as slow.
const DefaultSlowInsert = 500 * time.Millisecond

// Recorder validates and persists samples coming from any source.
type Recorder struct {
	store   storage.SampleWriter
	metrics *metrics.Metrics
	slow    time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRecorder wires a writer. metrics may be nil.
func NewRecorder(store storage.SampleWriter, m *metrics.Metrics, slow time.Duration, logger zerolog.Logger) *Recorder {
	if slow <= 0 {
		slow = DefaultSlowInsert
	}
	return &Recorder{
		store:   store,
		metrics: m,
		slow:    slow,
		logger:  logger.With().Str("component", "ingest").Logger(),
		now:     time.Now,
	}
}

// Record stores one sample in table. source labels the producer in logs and
// metrics.
func (r *Recorder) Record(ctx context.Context, table storage.Table, source string, sample storage.NewSample) (storage.Sample, error) {
	if sample.Value == 0 || sample.Timestamp.IsZero() {
		r.metrics.RecordIngestError(source)
		r.logger.Error().
			Str("source", source).
			Bool("has_value", sample.Value != 0).
			Bool("has_timestamp", !sample.Timestamp.IsZero()).
			Msg("missing required fields for save")
		return storage.Sample{}, fmt.Errorf("%w: composite_rate and timestamp are required", ErrInvalidPayload)
	}

	started := r.now()
	row, err := r.store.InsertSample(ctx, table, sample)
	elapsed := r.now().Sub(started)
	if err != nil {
		r.metrics.RecordIngestError(source)
		r.logger.Error().Err(err).
			Str("source", source).
			Str("table", table.Name()).
			Dur("duration", elapsed).
			Float64("composite_rate", sample.Value).
			Time("timestamp", sample.Timestamp).
			Msg("sample save failed")
		return storage.Sample{}, fmt.Errorf("record sample: %w", err)
	}

	r.metrics.RecordIngested(table.Name(), source, elapsed)
	if elapsed > r.slow {
		r.logger.Warn().
			Str("source", source).
			Str("table", table.Name()).
			Dur("duration", elapsed).
			Float64("composite_rate", sample.Value).
			Msg("slow database insert")
	}
	return row, nil
}

// RecordPayload decodes a composite-rate message and stores it.
func (r *Recorder) RecordPayload(ctx context.Context, table storage.Table, source string, body []byte) (storage.Sample, error) {
	sample, err := Decode(body)
	if err != nil {
		r.metrics.RecordIngestError(source)
		r.logger.Warn().Err(err).Str("source", source).Int("bytes", len(body)).Msg("rejecting payload")
		return storage.Sample{}, err
	}
	return r.Record(ctx, table, source, sample)
}
