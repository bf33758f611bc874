package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/storage/memory"
)

type brokenWriter struct{}

func (brokenWriter) InsertSample(context.Context, storage.Table, storage.NewSample) (storage.Sample, error) {
	return storage.Sample{}, errors.New("connection reset")
}

func (brokenWriter) DeleteBefore(context.Context, storage.Table, time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

func testTable(t *testing.T) storage.Table {
	t.Helper()
	reg, err := storage.NewRegistry("composite_rates")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg.Default()
}

func TestRecordPayloadStoresSample(t *testing.T) {
	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	rec := NewRecorder(store, m, 0, zerolog.Nop())
	table := testTable(t)

	row, err := rec.RecordPayload(context.Background(), table, "http", []byte(`{"composite_rate":"1.1","timestamp":"2024-01-15T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("RecordPayload: %v", err)
	}
	if row.ID == 0 || row.Value != 1.1 {
		t.Fatalf("unexpected row %+v", row)
	}

	rows, _ := store.QuerySamples(context.Background(), table, storage.SampleQuery{})
	if len(rows) != 1 {
		t.Fatalf("expected one stored row, got %d", len(rows))
	}
	if got := testutil.ToFloat64(m.SamplesIngested.WithLabelValues("composite_rates", "http")); got != 1 {
		t.Fatalf("expected ingest counter 1, got %v", got)
	}
}

func TestRecordPayloadRejectsInvalid(t *testing.T) {
	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	rec := NewRecorder(store, m, 0, zerolog.Nop())

	_, err := rec.RecordPayload(context.Background(), testTable(t), "http", []byte(`{"timestamp":"2024-01-15T00:00:00Z"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := testutil.ToFloat64(m.IngestErrors.WithLabelValues("http")); got != 1 {
		t.Fatalf("expected error counter 1, got %v", got)
	}
}

func TestRecordWrapsStoreFailure(t *testing.T) {
	rec := NewRecorder(brokenWriter{}, nil, 0, zerolog.Nop())
	_, err := rec.Record(context.Background(), testTable(t), "feed", storage.NewSample{Value: 1, Timestamp: time.Now()})
	if err == nil || errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected store error, got %v", err)
	}
}
