package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jasperdg/session-change-monitoring/internal/auth"
	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

const (
	ingestTokenHeader = "X-Ingest-Token"
	maxIngestBody     = 1 << 20
	maxLoginBody      = 4 << 10
)

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "message": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.HistoryRequest{
		Table: q.Get("table"),
		Range: q.Get("range"),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: limit %q is not an integer", timeseries.ErrInvalidInput, raw))
			return
		}
		req.Limit = limit
	}

	var err error
	if req.Start, err = parseInstant("start", q.Get("start")); err != nil {
		respondError(w, r, err)
		return
	}
	if req.End, err = parseInstant("end", q.Get("end")); err != nil {
		respondError(w, r, err)
		return
	}

	resp, err := a.deps.Query.History(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseInstant accepts RFC 3339 or unix milliseconds. An empty value is nil.
func parseInstant(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q must be RFC 3339 or unix milliseconds", timeseries.ErrInvalidInput, name, raw)
	}
	t = t.UTC()
	return &t, nil
}

func (a *api) handleOutliers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := q.Get("date")
	if date == "" {
		respondError(w, r, fmt.Errorf("%w: missing required parameter date (format: YYYY-MM-DD)", timeseries.ErrInvalidInput))
		return
	}
	timezone := q.Get("timezone")
	if timezone == "" {
		timezone = q.Get("tz")
	}

	result, err := a.deps.Query.DailyOutliers(r.Context(), q.Get("table"), date, timezone)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, err := a.deps.Query.Stats(r.Context(), r.URL.Query().Get("table"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *api) handleTables(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.deps.Query.Tables())
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		respondErrorString(w, http.StatusBadRequest, "missing table parameter")
		return
	}
	if a.deps.Sessions == nil {
		respondErrorString(w, http.StatusNotFound, "no session configuration loaded")
		return
	}
	resp, err := a.deps.Sessions.Lookup(table)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	// An unreadable body is treated as a missing password.
	_ = json.NewDecoder(io.LimitReader(r.Body, maxLoginBody)).Decode(&body)

	cookie, err := a.deps.Auth.Login(body.Password)
	switch {
	case errors.Is(err, auth.ErrPasswordRequired):
		respondJSON(w, http.StatusBadRequest, authResponse{Error: "password required"})
		return
	case errors.Is(err, auth.ErrInvalidPassword):
		a.logger.Warn().Str("remote", r.RemoteAddr).Msg("invalid dashboard password")
		respondJSON(w, http.StatusUnauthorized, authResponse{Error: "invalid password"})
		return
	case err != nil:
		respondError(w, r, err)
		return
	}

	http.SetCookie(w, cookie)
	respondJSON(w, http.StatusOK, authResponse{Authenticated: true})
}

func (a *api) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, authResponse{Authenticated: a.deps.Auth.Authenticated(r)})
}

func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	if a.opts.IngestToken == "" || a.deps.Recorder == nil {
		respondErrorString(w, http.StatusForbidden, "ingest endpoint disabled")
		return
	}
	if !validToken(r, a.opts.IngestToken) {
		respondErrorString(w, http.StatusUnauthorized, "invalid ingest token")
		return
	}

	table, err := a.deps.Tables.Resolve(r.URL.Query().Get("table"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		respondErrorString(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	row, err := a.deps.Recorder.RecordPayload(r.Context(), table, "http", body)
	if err != nil {
		if !errors.Is(err, ingest.ErrInvalidPayload) {
			err = fmt.Errorf("%w: %w", timeseries.ErrStoreUnavailable, err)
		}
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, row)
}

func validToken(r *http.Request, want string) bool {
	got := r.Header.Get(ingestTokenHeader)
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
