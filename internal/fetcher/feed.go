package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

const maxFeedBody = 4 << 20

// FeedOptions parameterise the HTTP feed fetcher.
type FeedOptions struct {
	Name      string
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Feed polls an HTTP endpoint that answers with a composite-rate payload.
type Feed struct {
	opts   FeedOptions
	logger zerolog.Logger
	client *http.Client
}

// NewFeed constructs a feed fetcher.
func NewFeed(opts FeedOptions, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "feed"
	}

	return &Feed{
		opts:   opts,
		logger: logger.With().Str("component", "feed_fetcher").Str("feed", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the feed in logs and metrics.
func (f *Feed) Name() string { return f.opts.Name }

// Fetch requests the feed and decodes its body.
func (f *Feed) Fetch(ctx context.Context) (storage.NewSample, error) {
	if strings.TrimSpace(f.opts.URL) == "" {
		return storage.NewSample{}, errors.New("feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return storage.NewSample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "session-change-monitoring/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return storage.NewSample{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return storage.NewSample{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return storage.NewSample{}, parseHTTPError(f.opts.Name, resp.StatusCode, payload)
	}

	sample, err := ingest.Decode(payload)
	if err != nil {
		return storage.NewSample{}, fmt.Errorf("decode %s payload: %w", f.opts.Name, err)
	}

	f.logger.Debug().Float64("composite_rate", sample.Value).Time("timestamp", sample.Timestamp).Msg("feed sample fetched")
	return sample, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s feed error (%d): %s", name, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s feed error (%d): %s", name, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s feed error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s feed error (%d)", name, status)
}

var _ SampleFetcher = (*Feed)(nil)
