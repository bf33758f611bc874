package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jasperdg/session-change-monitoring/internal/config"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// startPostgres runs a throwaway PostgreSQL and returns a migrated store.
func startPostgres(t *testing.T) *storage.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "scm",
			"POSTGRES_PASSWORD": "scm",
			"POSTGRES_DB":       "scm",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	pool, err := storage.NewPool(ctx, config.DatabaseConfig{
		DSN:          fmt.Sprintf("postgres://scm:scm@%s:%s/scm?sslmode=disable", host, port.Port()),
		MaxOpenConns: 4,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	applied, err := storage.Migrate(ctx, pool)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 migrations, got %v", applied)
	}
	again, err := storage.Migrate(ctx, pool)
	if err != nil || len(again) != 0 {
		t.Fatalf("second Migrate should be a no-op: %v %v", again, err)
	}

	store := storage.NewStore(pool)
	t.Cleanup(store.Close)
	return store
}

func TestStoreAgainstPostgres(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	reg, err := storage.NewRegistry("composite_rates")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	table := reg.Default()

	base := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	session := "london"
	weight := 0.6
	values := []float64{1.0842, 1.0801, 1.0955, 1.0870}
	for i, v := range values {
		_, err := store.InsertSample(ctx, table, storage.NewSample{
			Value:       v,
			Category:    &session,
			WeightA:     &weight,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			SourcesUsed: []string{"feed"},
			RawPayload:  []byte(`{"composite_rate":1}`),
		})
		if err != nil {
			t.Fatalf("InsertSample: %v", err)
		}
	}

	t.Run("query window ascending", func(t *testing.T) {
		w, _ := storage.NewWindow(base, base.Add(2*time.Hour))
		rows, err := store.QuerySamples(ctx, table, storage.SampleQuery{Window: &w, Order: storage.Ascending})
		if err != nil {
			t.Fatalf("QuerySamples: %v", err)
		}
		if len(rows) != 3 || rows[0].Value != 1.0842 || rows[2].Value != 1.0955 {
			t.Fatalf("unexpected rows: %+v", rows)
		}
		if rows[0].Category == nil || *rows[0].Category != "london" {
			t.Fatalf("session lost: %+v", rows[0])
		}
	})

	t.Run("limit newest first", func(t *testing.T) {
		rows, err := store.QuerySamples(ctx, table, storage.SampleQuery{Limit: 2})
		if err != nil {
			t.Fatalf("QuerySamples: %v", err)
		}
		if len(rows) != 2 || rows[0].Value != 1.0870 {
			t.Fatalf("unexpected rows: %+v", rows)
		}
	})

	t.Run("extremes", func(t *testing.T) {
		w, _ := storage.NewWindow(base, base.Add(24*time.Hour))
		ext, err := store.Extremes(ctx, table, w)
		if err != nil {
			t.Fatalf("Extremes: %v", err)
		}
		if ext.Lowest == nil || ext.Lowest.Value != 1.0801 {
			t.Fatalf("unexpected lowest: %+v", ext.Lowest)
		}
		if ext.Highest == nil || ext.Highest.Value != 1.0955 {
			t.Fatalf("unexpected highest: %+v", ext.Highest)
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.TableStats(ctx, table)
		if err != nil {
			t.Fatalf("TableStats: %v", err)
		}
		if stats.TotalRecords != 4 || !stats.MinRate.Valid || stats.MinRate.Decimal.String() != "1.0801" {
			t.Fatalf("unexpected stats: %+v", stats)
		}
		counts, err := store.UpdateCounts(ctx, table, base.Add(3*time.Hour+30*time.Second))
		if err != nil {
			t.Fatalf("UpdateCounts: %v", err)
		}
		if counts.Last2Min != 1 || counts.LastHour != 1 || counts.LastDay != 4 || counts.Total != 4 {
			t.Fatalf("unexpected counts: %+v", counts)
		}
	})

	t.Run("discovery", func(t *testing.T) {
		names, err := store.ListSampleTables(ctx)
		if err != nil {
			t.Fatalf("ListSampleTables: %v", err)
		}
		if len(names) != 1 || names[0] != "composite_rates" {
			t.Fatalf("unexpected tables: %v", names)
		}
	})

	t.Run("advisory lock is exclusive", func(t *testing.T) {
		unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
		if err != nil || !ok {
			t.Fatalf("first lock: ok=%v err=%v", ok, err)
		}
		if _, ok, err := store.TryAdvisoryLock(ctx, 4242); err != nil || ok {
			t.Fatalf("second lock should fail: ok=%v err=%v", ok, err)
		}
		unlock()
		unlock2, ok, err := store.TryAdvisoryLock(ctx, 4242)
		if err != nil || !ok {
			t.Fatalf("lock after release: ok=%v err=%v", ok, err)
		}
		unlock2()
	})

	t.Run("delete before", func(t *testing.T) {
		deleted, err := store.DeleteBefore(ctx, table, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("DeleteBefore: %v", err)
		}
		if deleted != 2 {
			t.Fatalf("expected 2 deleted, got %d", deleted)
		}
	})
}
