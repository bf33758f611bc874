package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jasperdg/session-change-monitoring/internal/alerting"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// DigestOptions configure the end-of-day summary.
type DigestOptions struct {
	Location *time.Location
	// Delay after local midnight before the previous day is summarised, so
	// late samples still land in it.
	Delay time.Duration
}

// Digest sends each table's daily extremes once the civil day is over.
type Digest struct {
	extractor *timeseries.Extractor
	tables    []storage.Table
	notifier  alerting.Notifier
	opts      DigestOptions
	logger    zerolog.Logger
	now       func() time.Time

	lastSent string
	// tables already delivered for pending, so a retry skips them
	pending   string
	delivered map[string]struct{}
}

// NewDigest wires the extractor to a notifier. The first automatic digest is
// the one for the day in progress at construction time.
func NewDigest(extractor *timeseries.Extractor, tables []storage.Table, notifier alerting.Notifier, opts DigestOptions, logger zerolog.Logger) *Digest {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	d := &Digest{
		extractor: extractor,
		tables:    tables,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "digest").Logger(),
		now:       time.Now,
	}
	d.lastSent = d.dueDate(d.now())
	return d
}

// PreviousDay returns the civil date before now's date in loc.
func PreviousDay(now time.Time, loc *time.Location) string {
	local := now.In(loc)
	y, m, day := local.Date()
	return time.Date(y, m, day-1, 12, 0, 0, 0, loc).Format(timeseries.DateLayout)
}

func (d *Digest) dueDate(now time.Time) string {
	return PreviousDay(now.Add(-d.opts.Delay), d.opts.Location)
}

// Tick sends the previous day's digest once per day. It is safe to call more
// often than daily. After a partial failure only the tables that failed are
// retried on the next tick.
func (d *Digest) Tick(ctx context.Context, _ time.Time) error {
	date := d.dueDate(d.now())
	if date == d.lastSent {
		return nil
	}
	if date != d.pending {
		d.pending = date
		d.delivered = make(map[string]struct{}, len(d.tables))
	}
	if err := d.send(ctx, date, d.delivered); err != nil {
		return err
	}
	d.lastSent = date
	d.pending = ""
	d.delivered = nil
	return nil
}

// Send summarises date for every table. Tables that fail are logged and the
// remaining ones are still sent.
func (d *Digest) Send(ctx context.Context, date string) error {
	return d.send(ctx, date, nil)
}

// send skips tables present in delivered and records the ones it sends. A
// nil delivered set sends every table.
func (d *Digest) send(ctx context.Context, date string, delivered map[string]struct{}) error {
	bounds, err := timeseries.ResolveDayBounds(date, d.opts.Location.String())
	if err != nil {
		return err
	}

	var errs []error
	for _, table := range d.tables {
		if _, ok := delivered[table.Name()]; ok {
			continue
		}
		result, err := d.extractor.FindOutliers(ctx, table, bounds)
		if err != nil {
			d.logger.Error().Err(err).Str("table", table.Name()).Str("date", date).Msg("digest outliers failed")
			errs = append(errs, fmt.Errorf("outliers %s: %w", table.Name(), err))
			continue
		}

		note := BuildNotification(table, bounds, result)
		if err := d.notifier.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("table", table.Name()).Str("date", date).Msg("failed to dispatch digest")
			errs = append(errs, fmt.Errorf("notify %s: %w", table.Name(), err))
			continue
		}
		if delivered != nil {
			delivered[table.Name()] = struct{}{}
		}
		d.logger.Info().Str("table", table.Name()).Str("date", date).Msg("digest sent")
	}
	return errors.Join(errs...)
}

// BuildNotification converts extracted peaks into a digest message.
func BuildNotification(table storage.Table, bounds timeseries.DayBounds, result timeseries.OutlierResult) alerting.Notification {
	note := alerting.Notification{
		Table:    table.Name(),
		Date:     bounds.Date,
		Timezone: bounds.Location,
		Lowest:   extremeOf(result.Lowest),
		Highest:  extremeOf(result.Highest),
	}
	if bounds.Transition() {
		note.AdditionalMsg = fmt.Sprintf("Clock change: day length %s", bounds.Length().Round(time.Minute))
	}
	return note
}

func extremeOf(p *timeseries.Peak) *alerting.Extreme {
	if p == nil {
		return nil
	}
	e := &alerting.Extreme{
		Value:     decimal.NewFromFloat(p.Peak.Value),
		Timestamp: p.Peak.Timestamp,
	}
	if p.Peak.Category != nil {
		e.Session = *p.Peak.Category
	}
	return e
}
