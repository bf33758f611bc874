package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	sampleColumns = `id,
        composite_rate::float8 AS composite_rate,
        active_session,
        session_weight::float8 AS session_weight,
        reference_weight::float8 AS reference_weight,
        timestamp,
        created_at,
        raw_data`

	extremesSQL = `WITH day_data AS (
        SELECT %s
        FROM %s
        WHERE timestamp >= $1
          AND timestamp <= $2
    )
    (SELECT 'lowest' AS extreme, d.* FROM day_data d ORDER BY d.composite_rate ASC, d.id ASC LIMIT 1)
    UNION ALL
    (SELECT 'highest' AS extreme, d.* FROM day_data d ORDER BY d.composite_rate DESC, d.id ASC LIMIT 1);`

	insertSampleSQL = `INSERT INTO %s (
        composite_rate,
        active_session,
        session_weight,
        reference_weight,
        timestamp,
        sources_used,
        raw_data
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING %s;`

	deleteSamplesBeforeSQL = `DELETE FROM %s WHERE timestamp < $1;`

	updateCountsSQL = `SELECT
        COUNT(*) FILTER (WHERE timestamp >= $1),
        COUNT(*) FILTER (WHERE timestamp >= $2),
        COUNT(*) FILTER (WHERE timestamp >= $3),
        COUNT(*)
    FROM %s;`

	tableStatsSQL = `SELECT
        COUNT(*),
        MIN(timestamp),
        MAX(timestamp),
        AVG(composite_rate)::text,
        MIN(composite_rate)::text,
        MAX(composite_rate)::text
    FROM %s;`

	listSampleTablesSQL = `SELECT DISTINCT t.table_name
    FROM information_schema.tables t
    JOIN information_schema.columns c
      ON t.table_name = c.table_name
     AND t.table_schema = c.table_schema
    WHERE t.table_schema = 'public'
      AND t.table_type = 'BASE TABLE'
      AND c.column_name = 'composite_rate'
    ORDER BY t.table_name;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleReader is the read side the time-series core depends on.
type SampleReader interface {
	QuerySamples(ctx context.Context, table Table, q SampleQuery) ([]Sample, error)
	Extremes(ctx context.Context, table Table, w Window) (Extremes, error)
}

// SampleWriter persists and expires samples.
type SampleWriter interface {
	InsertSample(ctx context.Context, table Table, sample NewSample) (Sample, error)
	DeleteBefore(ctx context.Context, table Table, cutoff time.Time) (int64, error)
}

// StatsReader exposes table level aggregates.
type StatsReader interface {
	UpdateCounts(ctx context.Context, table Table, now time.Time) (UpdateCounts, error)
	TableStats(ctx context.Context, table Table) (TableStats, error)
}

// SampleStore aggregates every sample table operation.
type SampleStore interface {
	SampleReader
	SampleWriter
	StatsReader
}

// TableLister discovers sample tables present in the database.
type TableLister interface {
	ListSampleTables(ctx context.Context) ([]string, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of SampleStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// QuerySamples runs a single range or limit read against table.
func (s *Store) QuerySamples(ctx context.Context, table Table, q SampleQuery) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args, err := buildSampleQuery(table, q)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query samples: %w", queryErr)
	}
	defer rows.Close()

	capacity := 0
	if q.Limit > 0 {
		capacity = q.Limit
	}
	samples := make([]Sample, 0, capacity)
	for rows.Next() {
		var sample Sample
		if scanErr := rows.Scan(sampleDest(&sample)...); scanErr != nil {
			return nil, fmt.Errorf("scan sample: %w", scanErr)
		}
		samples = append(samples, normalise(sample))
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("query samples: %w", rows.Err())
	}
	return samples, nil
}

// Extremes returns the minimum and maximum value rows inside w. Ties are
// broken by ascending id so repeated queries pick the same rows.
func (s *Store) Extremes(ctx context.Context, table Table, w Window) (Extremes, error) {
	pool, err := s.getPool()
	if err != nil {
		return Extremes{}, err
	}
	if table.IsZero() {
		return Extremes{}, ErrUnknownTable
	}

	query := fmt.Sprintf(extremesSQL, sampleColumns, table.ident())
	rows, queryErr := pool.Query(ctx, query, w.Start, w.End)
	if queryErr != nil {
		return Extremes{}, fmt.Errorf("query extremes: %w", queryErr)
	}
	defer rows.Close()

	var out Extremes
	for rows.Next() {
		var (
			kind   string
			sample Sample
		)
		dest := append([]any{&kind}, sampleDest(&sample)...)
		if scanErr := rows.Scan(dest...); scanErr != nil {
			return Extremes{}, fmt.Errorf("scan extreme: %w", scanErr)
		}
		sample = normalise(sample)
		switch kind {
		case "lowest":
			out.Lowest = &sample
		case "highest":
			out.Highest = &sample
		}
	}
	if rows.Err() != nil {
		return Extremes{}, fmt.Errorf("query extremes: %w", rows.Err())
	}
	return out, nil
}

// InsertSample appends a new sample row.
func (s *Store) InsertSample(ctx context.Context, table Table, sample NewSample) (Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return Sample{}, err
	}
	if table.IsZero() {
		return Sample{}, ErrUnknownTable
	}

	sources := sample.SourcesUsed
	if sources == nil {
		sources = []string{}
	}
	var raw interface{}
	if len(sample.RawPayload) > 0 {
		raw = []byte(sample.RawPayload)
	}

	query := fmt.Sprintf(insertSampleSQL, table.ident(), sampleColumns)
	var out Sample
	if scanErr := pool.QueryRow(ctx, query,
		sample.Value,
		sample.Category,
		sample.WeightA,
		sample.WeightB,
		sample.Timestamp.UTC(),
		sources,
		raw,
	).Scan(sampleDest(&out)...); scanErr != nil {
		return Sample{}, fmt.Errorf("insert sample: %w", scanErr)
	}
	return normalise(out), nil
}

// DeleteBefore removes rows older than cutoff and reports how many went.
func (s *Store) DeleteBefore(ctx context.Context, table Table, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if table.IsZero() {
		return 0, ErrUnknownTable
	}
	tag, execErr := pool.Exec(ctx, fmt.Sprintf(deleteSamplesBeforeSQL, table.ident()), cutoff.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpdateCounts counts rows received over the last 2 minutes, hour and day.
func (s *Store) UpdateCounts(ctx context.Context, table Table, now time.Time) (UpdateCounts, error) {
	pool, err := s.getPool()
	if err != nil {
		return UpdateCounts{}, err
	}
	if table.IsZero() {
		return UpdateCounts{}, ErrUnknownTable
	}

	now = now.UTC()
	var counts UpdateCounts
	if scanErr := pool.QueryRow(ctx, fmt.Sprintf(updateCountsSQL, table.ident()),
		now.Add(-2*time.Minute),
		now.Add(-time.Hour),
		now.Add(-24*time.Hour),
	).Scan(&counts.Last2Min, &counts.LastHour, &counts.LastDay, &counts.Total); scanErr != nil {
		return UpdateCounts{}, fmt.Errorf("update counts: %w", scanErr)
	}
	return counts, nil
}

// TableStats aggregates the whole table.
func (s *Store) TableStats(ctx context.Context, table Table) (TableStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return TableStats{}, err
	}
	if table.IsZero() {
		return TableStats{}, ErrUnknownTable
	}

	var stats TableStats
	var avgStr, minStr, maxStr *string
	if scanErr := pool.QueryRow(ctx, fmt.Sprintf(tableStatsSQL, table.ident())).Scan(
		&stats.TotalRecords,
		&stats.OldestRecord,
		&stats.NewestRecord,
		&avgStr,
		&minStr,
		&maxStr,
	); scanErr != nil {
		return TableStats{}, fmt.Errorf("table stats: %w", scanErr)
	}

	var convErr error
	if stats.AverageRate, convErr = parseNullDecimal(avgStr); convErr != nil {
		return TableStats{}, fmt.Errorf("parse average rate: %w", convErr)
	}
	if stats.MinRate, convErr = parseNullDecimal(minStr); convErr != nil {
		return TableStats{}, fmt.Errorf("parse min rate: %w", convErr)
	}
	if stats.MaxRate, convErr = parseNullDecimal(maxStr); convErr != nil {
		return TableStats{}, fmt.Errorf("parse max rate: %w", convErr)
	}
	if stats.OldestRecord != nil {
		t := stats.OldestRecord.UTC()
		stats.OldestRecord = &t
	}
	if stats.NewestRecord != nil {
		t := stats.NewestRecord.UTC()
		stats.NewestRecord = &t
	}
	return stats, nil
}

// ListSampleTables lists public tables that carry a composite_rate column.
func (s *Store) ListSampleTables(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSampleTablesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list sample tables: %w", queryErr)
	}
	tables, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("list sample tables: %w", collectErr)
	}
	return tables, nil
}

func buildSampleQuery(table Table, q SampleQuery) (string, []any, error) {
	if table.IsZero() {
		return "", nil, ErrUnknownTable
	}
	if q.Window != nil && !q.Since.IsZero() {
		return "", nil, errors.New("storage: window and since are mutually exclusive")
	}

	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT ")
	b.WriteString(sampleColumns)
	b.WriteString("\n    FROM ")
	b.WriteString(table.ident())

	switch {
	case q.Window != nil:
		if q.Window.Start.After(q.Window.End) {
			return "", nil, ErrInvertedWindow
		}
		args = append(args, q.Window.Start.UTC(), q.Window.End.UTC())
		b.WriteString("\n    WHERE timestamp >= $1\n      AND timestamp <= $2")
	case !q.Since.IsZero():
		args = append(args, q.Since.UTC())
		b.WriteString("\n    WHERE timestamp >= $1")
	}

	if q.Order == Ascending {
		b.WriteString("\n    ORDER BY timestamp ASC, id ASC")
	} else {
		b.WriteString("\n    ORDER BY timestamp DESC, id DESC")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, "\n    LIMIT $%d", len(args))
	}
	b.WriteString(";")

	return b.String(), args, nil
}

func sampleDest(s *Sample) []any {
	return []any{
		&s.ID,
		&s.Value,
		&s.Category,
		&s.WeightA,
		&s.WeightB,
		&s.Timestamp,
		&s.RecordedAt,
		&s.RawPayload,
	}
}

func normalise(s Sample) Sample {
	s.Timestamp = s.Timestamp.UTC()
	s.RecordedAt = s.RecordedAt.UTC()
	return s
}

func parseNullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
