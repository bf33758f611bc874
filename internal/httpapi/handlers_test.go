package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jasperdg/session-change-monitoring/internal/auth"
	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/sessions"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/storage/memory"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

const sessionsJSON = `{
  "_default": {"asset_name": "EUR/USD", "sessions": [{"name": "tokyo", "start": "00:00", "end": "09:00"}]},
  "xau_rates": {"asset_name": "XAU/USD", "sessions": []}
}`

type downStore struct{}

func (downStore) QuerySamples(context.Context, storage.Table, storage.SampleQuery) ([]storage.Sample, error) {
	return nil, errors.New("connection refused")
}

func (downStore) Extremes(context.Context, storage.Table, storage.Window) (storage.Extremes, error) {
	return storage.Extremes{}, errors.New("connection refused")
}

func (downStore) UpdateCounts(context.Context, storage.Table, time.Time) (storage.UpdateCounts, error) {
	return storage.UpdateCounts{}, errors.New("connection refused")
}

func (downStore) TableStats(context.Context, storage.Table) (storage.TableStats, error) {
	return storage.TableStats{}, errors.New("connection refused")
}

type fixture struct {
	handler  http.Handler
	store    *memory.Store
	tables   *storage.Registry
	registry *prometheus.Registry
}

func newFixture(t *testing.T, store service.QueryStore, authOpts auth.Options, opts Options) fixture {
	t.Helper()
	logger := zerolog.Nop()

	tables, err := storage.NewRegistry("composite_rates", "xau_rates")
	require.NoError(t, err)

	catalog, err := sessions.Parse([]byte(sessionsJSON))
	require.NoError(t, err)

	authenticator, err := auth.New(authOpts)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	extractor := timeseries.NewExtractor(store, time.Minute, logger)
	query := service.NewQuery(store, tables, extractor, m, service.QueryOptions{DefaultTimezone: "UTC"}, logger)

	f := fixture{tables: tables, registry: reg}
	deps := Deps{
		Query:    query,
		Sessions: catalog,
		Auth:     authenticator,
		Tables:   tables,
		Metrics:  m,
		Gatherer: reg,
	}
	if mem, ok := store.(*memory.Store); ok {
		f.store = mem
		deps.Recorder = ingest.NewRecorder(mem, m, 0, logger)
	}
	f.handler = NewRouter(deps, opts, logger)
	return f
}

func (f fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHistory_RangeQuery(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})
	now := time.Now().UTC()
	f.store.Seed(f.tables.Default(),
		storage.Sample{Value: 1.08, Timestamp: now.Add(-30 * time.Minute)},
		storage.Sample{Value: 1.09, Timestamp: now.Add(-time.Minute)},
		storage.Sample{Value: 1.07, Timestamp: now.Add(-3 * time.Hour)},
	)

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/history?range=1hour", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "no-store, no-cache, must-revalidate, max-age=0", rr.Header().Get("Cache-Control"))

	var resp service.HistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Equal(t, "1hour", resp.Range)
	require.Equal(t, 1.09, resp.Data[0].Value)
	require.False(t, resp.Downsampled)
}

func TestHistory_ZoomQuery(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 1500; i++ {
		f.store.Seed(f.tables.Default(), storage.Sample{Value: 1.08, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	url := "/api/history?start=2024-01-15T10:00:00Z&end=2024-01-15T11:00:00Z"
	rr := f.do(t, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp service.HistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1500, resp.Count)
	require.Equal(t, service.RangeCustom, resp.Range)
	require.False(t, resp.Downsampled)
}

func TestHistory_BadRequests(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})

	tests := []struct {
		name    string
		url     string
		message string
	}{
		{name: "non numeric limit", url: "/api/history?limit=abc", message: "not an integer"},
		{name: "limit too large", url: "/api/history?limit=20000", message: "between 1 and 10000"},
		{name: "unknown range", url: "/api/history?range=1year", message: "unknown range"},
		{name: "bad start", url: "/api/history?start=yesterday&end=2024-01-15T11:00:00Z", message: "start"},
		{name: "malformed table", url: "/api/history?table=rates%3Bdrop", message: "invalid table"},
		{name: "unknown table", url: "/api/history?table=gbp_rates", message: "unknown table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			resp := decodeError(t, rr)
			require.Equal(t, "Bad Request", resp.Error)
			require.Contains(t, resp.Message, tt.message)
		})
	}
}

func TestHistory_StoreDownIsServiceUnavailable(t *testing.T) {
	f := newFixture(t, downStore{}, auth.Options{}, Options{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, decodeError(t, rr).Message, "store unavailable")

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestOutliers(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	f.store.Seed(f.tables.Default(),
		storage.Sample{Value: 1.08, Timestamp: base},
		storage.Sample{Value: 1.05, Timestamp: base.Add(time.Hour)},
		storage.Sample{Value: 1.11, Timestamp: base.Add(2 * time.Hour)},
	)

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/outliers?date=2024-01-15", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp timeseries.OutlierResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "2024-01-15", resp.Date)
	require.NotNil(t, resp.Lowest)
	require.NotNil(t, resp.Highest)
	require.Equal(t, 1.05, resp.Lowest.Peak.Value)
	require.Equal(t, 1.11, resp.Highest.Peak.Value)

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/outliers?date=2024-01-16&timezone=Asia/Tokyo", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"date":"2024-01-16","lowest":null,"highest":null}`, rr.Body.String())
}

func TestOutliers_Validation(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})

	for _, url := range []string{
		"/api/outliers",
		"/api/outliers?date=15-01-2024",
		"/api/outliers?date=2024-01-15&timezone=Not/AZone",
	} {
		rr := f.do(t, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusBadRequest, rr.Code, url)
	}
}

func TestStatsAndTables(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})
	f.store.Seed(f.tables.Default(), storage.Sample{Value: 1.08, Timestamp: time.Now().Add(-time.Minute)})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats service.StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Counts.Total)
	require.Equal(t, int64(1), stats.Counts.Last2Min)
	require.Equal(t, int64(1), stats.Stats.TotalRecords)

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true,"tables":["composite_rates","xau_rates"],"count":2}`, rr.Body.String())
}

func TestSessions(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions?table=eurusd_rates", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp sessions.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "eurusd_rates", resp.Table)
	require.Equal(t, "EUR/USD", resp.AssetName)
	require.Len(t, resp.Sessions, 1)

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions?table=xau_rates", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "XAU/USD", resp.AssetName)
	require.Empty(t, resp.Sessions)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{Enabled: true, Password: "hunter2", Secret: "test-secret"}, Options{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.JSONEq(t, `{"authenticated":false,"error":"password required"}`, rr.Body.String())

	rr = f.do(t, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"wrong"}`)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, rr.Result().Cookies())

	rr = f.do(t, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"hunter2"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, auth.CookieName, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/auth-check", nil)
	req.AddCookie(cookies[0])
	rr = f.do(t, req)
	require.JSONEq(t, `{"authenticated":true}`, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.AddCookie(cookies[0])
	rr = f.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)

	forged := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	forged.AddCookie(&http.Cookie{Name: auth.CookieName, Value: "authenticated"})
	rr = f.do(t, forged)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthCheckWithoutCookie(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{Enabled: true, Password: "hunter2"}, Options{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/auth-check", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"authenticated":false}`, rr.Body.String())
}

func TestIngest(t *testing.T) {
	payload := `{"composite_rate": 1.0845, "active_session": "london", "weights": {"session": 0.7, "reference": 0.3}, "timestamp": "2024-01-15T10:00:00Z"}`

	disabled := newFixture(t, memory.New(), auth.Options{}, Options{})
	rr := disabled.do(t, httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(payload)))
	require.Equal(t, http.StatusForbidden, rr.Code)

	f := newFixture(t, memory.New(), auth.Options{}, Options{IngestToken: "tok"})

	rr = f.do(t, httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(payload)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/samples?table=xau_rates", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer tok")
	rr = f.do(t, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var row storage.Sample
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &row))
	require.Equal(t, 1.0845, row.Value)
	require.NotNil(t, row.Category)
	require.Equal(t, "london", *row.Category)

	xau, err := f.tables.Resolve("xau_rates")
	require.NoError(t, err)
	rows, err := f.store.QuerySamples(context.Background(), xau, storage.SampleQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	req = httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(`{"composite_rate": 0}`))
	req.Header.Set(ingestTokenHeader, "tok")
	rr = f.do(t, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{AllowedOrigins: []string{"https://dash.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rr := f.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "https://dash.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = f.do(t, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := f.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "req-123", rr.Header().Get(RequestIDHeader))
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
	require.NotEmpty(t, rr.Header().Get(RequestIDHeader))

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `scm_http_requests_total{route="/api/tables",status="200"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, memory.New(), auth.Options{}, Options{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "Not Found", decodeError(t, rr).Error)
}
