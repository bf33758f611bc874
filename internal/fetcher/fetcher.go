package fetcher

import (
	"context"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// SampleFetcher produces one composite-rate sample per call.
type SampleFetcher interface {
	Name() string
	Fetch(ctx context.Context) (storage.NewSample, error)
}
