package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jasperdg/session-change-monitoring/internal/alerting"
	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// SimulateOptions describe a synthetic day for testing the digest channel.
type SimulateOptions struct {
	Table   string
	Date    string
	Low     decimal.Decimal
	High    decimal.Decimal
	Session string
}

// SimulateDigest sends a made-up daily digest through the configured notifier.
func (a *App) SimulateDigest(ctx context.Context, opts SimulateOptions) error {
	if !opts.Low.IsPositive() || !opts.High.IsPositive() {
		return errors.New("--low and --high must be greater than 0")
	}
	if opts.High.LessThan(opts.Low) {
		return errors.New("--high must not be below --low")
	}

	loc, err := timeseries.LoadLocation(a.Config.Digest.Timezone)
	if err != nil {
		return err
	}
	if opts.Date == "" {
		opts.Date = service.PreviousDay(time.Now(), loc)
	}
	bounds, err := timeseries.ResolveDayBounds(opts.Date, loc.String())
	if err != nil {
		return err
	}
	if opts.Table == "" {
		opts.Table = a.Config.Tables.Default
	}

	note := alerting.Notification{
		Table:    opts.Table,
		Date:     bounds.Date,
		Timezone: loc,
		Lowest: &alerting.Extreme{
			Value:     opts.Low,
			Timestamp: bounds.Start.Add(bounds.Length() / 4),
			Session:   opts.Session,
		},
		Highest: &alerting.Extreme{
			Value:     opts.High,
			Timestamp: bounds.Start.Add(bounds.Length() * 3 / 4),
			Session:   opts.Session,
		},
		AdditionalMsg: "Simulated digest",
	}

	a.Logger.Info().Str("table", note.Table).Str("date", note.Date).Msg("sending simulated digest")
	return a.newNotifier().Notify(ctx, note)
}
