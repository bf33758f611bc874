// Package memory is an in-process SampleStore used by tests and by the
// server when no database DSN is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// Store keeps samples per table in memory.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	tables map[string][]storage.Sample
	locks  map[int64]bool
	now    func() time.Time
}

var (
	_ storage.SampleStore    = (*Store)(nil)
	_ storage.TableLister    = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string][]storage.Sample),
		locks:  make(map[int64]bool),
		now:    time.Now,
	}
}

// Seed appends samples as-is, assigning ids to those without one.
func (s *Store) Seed(table storage.Table, samples ...storage.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		if sample.ID == 0 {
			s.nextID++
			sample.ID = s.nextID
		} else if sample.ID > s.nextID {
			s.nextID = sample.ID
		}
		sample.Timestamp = sample.Timestamp.UTC()
		if sample.RecordedAt.IsZero() {
			sample.RecordedAt = sample.Timestamp
		}
		s.tables[table.Name()] = append(s.tables[table.Name()], sample)
	}
}

// QuerySamples filters, orders and caps rows like the SQL store.
func (s *Store) QuerySamples(ctx context.Context, table storage.Table, q storage.SampleQuery) ([]storage.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if table.IsZero() {
		return nil, storage.ErrUnknownTable
	}
	if q.Window != nil && q.Window.Start.After(q.Window.End) {
		return nil, storage.ErrInvertedWindow
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Sample, 0)
	for _, sample := range s.tables[table.Name()] {
		switch {
		case q.Window != nil && !q.Window.Contains(sample.Timestamp):
			continue
		case !q.Since.IsZero() && sample.Timestamp.Before(q.Since):
			continue
		}
		out = append(out, sample)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if q.Order == storage.Ascending {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if q.Order == storage.Ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Extremes returns the lowest and highest rows inside w.
func (s *Store) Extremes(ctx context.Context, table storage.Table, w storage.Window) (storage.Extremes, error) {
	rows, err := s.QuerySamples(ctx, table, storage.SampleQuery{Window: &w, Order: storage.Ascending})
	if err != nil {
		return storage.Extremes{}, err
	}
	return storage.PickExtremes(rows), nil
}

// InsertSample appends a row and returns it with its id.
func (s *Store) InsertSample(ctx context.Context, table storage.Table, sample storage.NewSample) (storage.Sample, error) {
	if err := ctx.Err(); err != nil {
		return storage.Sample{}, err
	}
	if table.IsZero() {
		return storage.Sample{}, storage.ErrUnknownTable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := storage.Sample{
		ID:         s.nextID,
		Value:      sample.Value,
		Category:   sample.Category,
		WeightA:    sample.WeightA,
		WeightB:    sample.WeightB,
		Timestamp:  sample.Timestamp.UTC(),
		RecordedAt: s.now().UTC(),
		RawPayload: sample.RawPayload,
	}
	s.tables[table.Name()] = append(s.tables[table.Name()], row)
	return row, nil
}

// DeleteBefore drops rows older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, table storage.Table, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if table.IsZero() {
		return 0, storage.ErrUnknownTable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table.Name()]
	kept := rows[:0]
	var deleted int64
	for _, sample := range rows {
		if sample.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, sample)
	}
	s.tables[table.Name()] = kept
	return deleted, nil
}

// UpdateCounts counts recent rows relative to now.
func (s *Store) UpdateCounts(ctx context.Context, table storage.Table, now time.Time) (storage.UpdateCounts, error) {
	if err := ctx.Err(); err != nil {
		return storage.UpdateCounts{}, err
	}
	if table.IsZero() {
		return storage.UpdateCounts{}, storage.ErrUnknownTable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts storage.UpdateCounts
	for _, sample := range s.tables[table.Name()] {
		counts.Total++
		if !sample.Timestamp.Before(now.Add(-24 * time.Hour)) {
			counts.LastDay++
		}
		if !sample.Timestamp.Before(now.Add(-time.Hour)) {
			counts.LastHour++
		}
		if !sample.Timestamp.Before(now.Add(-2 * time.Minute)) {
			counts.Last2Min++
		}
	}
	return counts, nil
}

// TableStats aggregates every row of table.
func (s *Store) TableStats(ctx context.Context, table storage.Table) (storage.TableStats, error) {
	if err := ctx.Err(); err != nil {
		return storage.TableStats{}, err
	}
	if table.IsZero() {
		return storage.TableStats{}, storage.ErrUnknownTable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tables[table.Name()]
	stats := storage.TableStats{TotalRecords: int64(len(rows))}
	if len(rows) == 0 {
		return stats, nil
	}

	values := make([]decimal.Decimal, len(rows))
	oldest, newest := rows[0].Timestamp, rows[0].Timestamp
	for i, sample := range rows {
		values[i] = decimal.NewFromFloat(sample.Value)
		if sample.Timestamp.Before(oldest) {
			oldest = sample.Timestamp
		}
		if sample.Timestamp.After(newest) {
			newest = sample.Timestamp
		}
	}
	stats.OldestRecord = &oldest
	stats.NewestRecord = &newest
	stats.AverageRate = decimal.NewNullDecimal(decimal.Avg(values[0], values[1:]...))
	stats.MinRate = decimal.NewNullDecimal(decimal.Min(values[0], values[1:]...))
	stats.MaxRate = decimal.NewNullDecimal(decimal.Max(values[0], values[1:]...))
	return stats, nil
}

// ListSampleTables lists every table that has been written to.
func (s *Store) ListSampleTables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TryAdvisoryLock mimics a session advisory lock within the process.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}

// SetClock overrides the clock stamped on inserted rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
