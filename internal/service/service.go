package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jasperdg/session-change-monitoring/internal/fetcher"
	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/scheduler"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// Source binds a poll fetcher to its destination table.
type Source struct {
	Fetcher  fetcher.SampleFetcher
	Table    storage.Table
	Interval time.Duration
}

// Ingestor polls every configured source on its own interval and records the
// results.
type Ingestor struct {
	sources  []Source
	recorder *ingest.Recorder
	locker   storage.AdvisoryLocker
	lockKey  int64
	logger   zerolog.Logger
}

// NewIngestor constructs the poll loop. locker may be nil; when set with a
// non-zero lockKey, each source polls on a single replica per interval.
func NewIngestor(recorder *ingest.Recorder, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger, sources ...Source) *Ingestor {
	return &Ingestor{
		sources:  sources,
		recorder: recorder,
		locker:   locker,
		lockKey:  lockKey,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run starts one aligned scheduler per source and blocks until ctx is done.
func (s *Ingestor) Run(ctx context.Context) error {
	if len(s.sources) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		src := src
		sched, err := scheduler.New(scheduler.Options{
			Name:         src.Fetcher.Name(),
			Interval:     src.Interval,
			AlignToStart: true,
			RunOnStart:   true,
		}, s.logger)
		if err != nil {
			return err
		}
		key := s.sourceLockKey(i)
		g.Go(func() error {
			err := sched.Run(gctx, func(ctx context.Context, bucket time.Time) error {
				return s.ProcessBucket(ctx, src, key, bucket)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (s *Ingestor) sourceLockKey(index int) int64 {
	if s.lockKey == 0 {
		return 0
	}
	return s.lockKey + int64(index) + 1
}

// ProcessBucket fetches one sample from src and records it.
func (s *Ingestor) ProcessBucket(ctx context.Context, src Source, lockKey int64, bucket time.Time) error {
	unlock, proceed, err := tryLock(ctx, s.locker, lockKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Str("source", src.Fetcher.Name()).Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sample, err := src.Fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", src.Fetcher.Name(), err)
	}

	row, err := s.recorder.Record(ctx, src.Table, src.Fetcher.Name(), sample)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("source", src.Fetcher.Name()).
		Str("table", src.Table.Name()).
		Time("bucket", bucket).
		Int64("id", row.ID).
		Float64("composite_rate", row.Value).
		Msg("sample recorded")
	return nil
}

func tryLock(ctx context.Context, locker storage.AdvisoryLocker, key int64) (func(), bool, error) {
	if key == 0 || locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
