package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// KafkaOptions configure the topic consumer.
type KafkaOptions struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer stores composite-rate messages read from a topic. Messages are
// committed after they are handled, including ones rejected as invalid, so a
// poison message never blocks the partition.
type KafkaConsumer struct {
	reader   messageReader
	recorder *Recorder
	table    storage.Table
	topic    string
	poll     time.Duration
	retry    time.Duration
	logger   zerolog.Logger
}

const maxRetryDelay = 30 * time.Second

// NewKafkaConsumer builds a consumer group reader for opts.Topic.
func NewKafkaConsumer(opts KafkaOptions, recorder *Recorder, table storage.Table, logger zerolog.Logger) (*KafkaConsumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if strings.TrimSpace(opts.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		GroupID:  opts.GroupID,
		Topic:    opts.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaConsumer(reader, opts, recorder, table, logger), nil
}

func newKafkaConsumer(reader messageReader, opts KafkaOptions, recorder *Recorder, table storage.Table, logger zerolog.Logger) *KafkaConsumer {
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &KafkaConsumer{
		reader:   reader,
		recorder: recorder,
		table:    table,
		topic:    opts.Topic,
		poll:     poll,
		retry:    time.Second,
		logger:   logger.With().Str("component", "kafka_ingest").Str("topic", opts.Topic).Logger(),
	}
}

// Close shuts down the underlying reader.
func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info().Str("table", c.table.Name()).Msg("kafka consumer started")
	defer c.logger.Info().Msg("kafka consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.logger.Error().Err(err).Msg("kafka fetch failed")
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle stores msg, retrying store failures until ctx ends, then commits it.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		_, err := c.recorder.RecordPayload(ctx, c.table, "kafka", msg.Value)
		if err == nil {
			break
		}
		if errors.Is(err, ErrInvalidPayload) {
			c.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping invalid message")
			break
		}

		delay := time.Duration(attempt) * c.retry
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Int("attempt", attempt).Dur("retry_in", delay).Msg("store failed, retrying message")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("store message at offset %d: %w", msg.Offset, ctx.Err())
		case <-timer.C:
		}
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.poll)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
	}
	return nil
}
