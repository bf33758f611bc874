package timeseries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/storage/memory"
)

type failingReader struct {
	calls int
	err   error
}

func (f *failingReader) QuerySamples(context.Context, storage.Table, storage.SampleQuery) ([]storage.Sample, error) {
	f.calls++
	return nil, f.err
}

func (f *failingReader) Extremes(context.Context, storage.Table, storage.Window) (storage.Extremes, error) {
	f.calls++
	return storage.Extremes{}, f.err
}

func defaultTable(t *testing.T) storage.Table {
	t.Helper()
	reg, err := storage.NewRegistry("composite_rates")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg.Default()
}

func seedValues(store *memory.Store, table storage.Table, start time.Time, step time.Duration, values ...float64) {
	samples := make([]storage.Sample, len(values))
	for i, v := range values {
		samples[i] = storage.Sample{Value: v, Timestamp: start.Add(time.Duration(i) * step)}
	}
	store.Seed(table, samples...)
}

func TestFindDailyOutliersTieBreakScenario(t *testing.T) {
	store := memory.New()
	table := defaultTable(t)
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	seedValues(store, table, base, time.Minute, 5, 3, 9, 3, 7)

	ex := NewExtractor(store, 0, zerolog.Nop())
	got, err := ex.FindDailyOutliers(context.Background(), table, "2024-01-15", "UTC")
	if err != nil {
		t.Fatalf("FindDailyOutliers: %v", err)
	}
	if got.Date != "2024-01-15" {
		t.Fatalf("unexpected date %q", got.Date)
	}
	if got.Lowest == nil || got.Lowest.Peak.Value != 3 || got.Lowest.Peak.ID != 2 {
		t.Fatalf("lowest should be the first 3, got %+v", got.Lowest)
	}
	if got.Highest == nil || got.Highest.Peak.Value != 9 {
		t.Fatalf("highest should be 9, got %+v", got.Highest)
	}

	if len(got.Lowest.Context) != 3 || len(got.Highest.Context) != 3 {
		t.Fatalf("expected 3 samples around each peak, got %d and %d", len(got.Lowest.Context), len(got.Highest.Context))
	}
	for i := 1; i < len(got.Lowest.Context); i++ {
		if got.Lowest.Context[i].Timestamp.Before(got.Lowest.Context[i-1].Timestamp) {
			t.Fatal("context must be ascending")
		}
	}
}

func TestFindDailyOutliersEmptyDay(t *testing.T) {
	store := memory.New()
	table := defaultTable(t)
	seedValues(store, table, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), time.Minute, 1, 2)

	ex := NewExtractor(store, 0, zerolog.Nop())
	got, err := ex.FindDailyOutliers(context.Background(), table, "2024-01-15", "UTC")
	if err != nil {
		t.Fatalf("FindDailyOutliers: %v", err)
	}
	if got.Lowest != nil || got.Highest != nil {
		t.Fatalf("expected no peaks, got %+v", got)
	}
}

func TestFindDailyOutliersSingleSample(t *testing.T) {
	store := memory.New()
	table := defaultTable(t)
	seedValues(store, table, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), time.Minute, 1.0842)

	ex := NewExtractor(store, 0, zerolog.Nop())
	got, err := ex.FindDailyOutliers(context.Background(), table, "2024-01-15", "UTC")
	if err != nil {
		t.Fatalf("FindDailyOutliers: %v", err)
	}
	if got.Lowest == nil || got.Highest == nil {
		t.Fatal("both peaks must be reported")
	}
	if got.Lowest.Peak.ID != got.Highest.Peak.ID {
		t.Fatal("single sample should be both lowest and highest")
	}
	if len(got.Lowest.Context) != 1 || len(got.Highest.Context) != 1 {
		t.Fatal("each peak context should contain the sample itself")
	}
}

func TestContextWindowIsClosed(t *testing.T) {
	store := memory.New()
	table := defaultTable(t)
	peak := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store.Seed(table,
		storage.Sample{Value: 10, Timestamp: peak.Add(-61 * time.Second)},
		storage.Sample{Value: 10, Timestamp: peak.Add(-60 * time.Second)},
		storage.Sample{Value: 1, Timestamp: peak},
		storage.Sample{Value: 10, Timestamp: peak.Add(60 * time.Second)},
		storage.Sample{Value: 10, Timestamp: peak.Add(61 * time.Second)},
	)

	ex := NewExtractor(store, time.Minute, zerolog.Nop())
	got, err := ex.FindDailyOutliers(context.Background(), table, "2024-01-15", "UTC")
	if err != nil {
		t.Fatalf("FindDailyOutliers: %v", err)
	}
	ctxSamples := got.Lowest.Context
	if len(ctxSamples) != 3 {
		t.Fatalf("expected 3 samples in [T-60s, T+60s], got %d", len(ctxSamples))
	}
	if !ctxSamples[0].Timestamp.Equal(peak.Add(-60*time.Second)) || !ctxSamples[2].Timestamp.Equal(peak.Add(60*time.Second)) {
		t.Fatalf("context should span exactly the closed window, got %s..%s", ctxSamples[0].Timestamp, ctxSamples[2].Timestamp)
	}
}

func TestFindDailyOutliersUsesLocalDay(t *testing.T) {
	store := memory.New()
	table := defaultTable(t)
	// 04:30Z on Jan 15 is still Jan 14 in New York
	store.Seed(table,
		storage.Sample{Value: 0.5, Timestamp: time.Date(2024, 1, 15, 4, 30, 0, 0, time.UTC)},
		storage.Sample{Value: 2, Timestamp: time.Date(2024, 1, 15, 5, 0, 0, 0, time.UTC)},
		storage.Sample{Value: 3, Timestamp: time.Date(2024, 1, 16, 4, 59, 0, 0, time.UTC)},
		storage.Sample{Value: 99, Timestamp: time.Date(2024, 1, 16, 5, 0, 0, 0, time.UTC)},
	)

	ex := NewExtractor(store, 0, zerolog.Nop())
	got, err := ex.FindDailyOutliers(context.Background(), table, "2024-01-15", "America/New_York")
	if err != nil {
		t.Fatalf("FindDailyOutliers: %v", err)
	}
	if got.Lowest.Peak.Value != 2 || got.Highest.Peak.Value != 3 {
		t.Fatalf("expected local-day peaks 2 and 3, got %v and %v", got.Lowest.Peak.Value, got.Highest.Peak.Value)
	}
}

func TestFindDailyOutliersStoreFailureIsRetryable(t *testing.T) {
	reader := &failingReader{err: errors.New("connection refused")}
	ex := NewExtractor(reader, 0, zerolog.Nop())

	_, err := ex.FindDailyOutliers(context.Background(), defaultTable(t), "2024-01-15", "UTC")
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable store error, got %v", err)
	}
}

func TestFindDailyOutliersRejectsBeforeStoreAccess(t *testing.T) {
	reader := &failingReader{err: errors.New("unreachable")}
	ex := NewExtractor(reader, 0, zerolog.Nop())

	if _, err := ex.FindDailyOutliers(context.Background(), defaultTable(t), "2024/01/15", "UTC"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := ex.FindDailyOutliers(context.Background(), defaultTable(t), "2024-01-15", "Nowhere/City"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := ex.FindDailyOutliers(context.Background(), storage.Table{}, "2024-01-15", "UTC"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing table, got %v", err)
	}
	if reader.calls != 0 {
		t.Fatalf("store should not be touched, got %d calls", reader.calls)
	}
}
