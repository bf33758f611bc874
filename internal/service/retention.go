package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// Retention expires samples older than a fixed age from every table.
type Retention struct {
	store   storage.SampleWriter
	locker  storage.AdvisoryLocker
	lockKey int64
	tables  []storage.Table
	keep    time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// SweepReport lists deleted row counts per table.
type SweepReport struct {
	Cutoff  time.Time        `json:"cutoff"`
	Deleted map[string]int64 `json:"deleted"`
	Skipped bool             `json:"skipped"`
}

// Total sums deleted rows across tables.
func (r SweepReport) Total() int64 {
	var total int64
	for _, n := range r.Deleted {
		total += n
	}
	return total
}

// NewRetention builds a sweeper over tables. When the store implements
// storage.AdvisoryLocker and lockKey is non-zero, only one replica sweeps at a
// time.
func NewRetention(store storage.SampleWriter, tables []storage.Table, keep time.Duration, lockKey int64, m *metrics.Metrics, logger zerolog.Logger) *Retention {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Retention{
		store:   store,
		locker:  locker,
		lockKey: lockKey,
		tables:  tables,
		keep:    keep,
		metrics: m,
		logger:  logger.With().Str("component", "retention").Logger(),
		now:     time.Now,
	}
}

// Tick adapts Sweep to scheduler.TickFunc.
func (r *Retention) Tick(ctx context.Context, _ time.Time) error {
	_, err := r.Sweep(ctx)
	return err
}

// Sweep deletes rows older than the retention age. A table failure is logged
// and the sweep continues; the first error is returned at the end.
func (r *Retention) Sweep(ctx context.Context) (SweepReport, error) {
	if r.keep <= 0 {
		return SweepReport{}, fmt.Errorf("retention age must be positive")
	}

	report := SweepReport{
		Cutoff:  r.now().Add(-r.keep).UTC(),
		Deleted: make(map[string]int64, len(r.tables)),
	}

	unlock, proceed, err := tryLock(ctx, r.locker, r.lockKey)
	if err != nil {
		return report, err
	}
	if !proceed {
		r.logger.Debug().Msg("skip sweep because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var firstErr error
	for _, table := range r.tables {
		deleted, err := r.store.DeleteBefore(ctx, table, report.Cutoff)
		if err != nil {
			r.metrics.RecordStoreError("delete_before")
			r.logger.Error().Err(err).Str("table", table.Name()).Msg("retention sweep failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep %s: %w", table.Name(), err)
			}
			continue
		}
		report.Deleted[table.Name()] = deleted
		r.metrics.RecordRetention(table.Name(), deleted)
		if deleted > 0 {
			r.logger.Info().
				Str("table", table.Name()).
				Int64("deleted", deleted).
				Time("cutoff", report.Cutoff).
				Msg("cleaned up old records")
		}
	}
	return report, firstErr
}
