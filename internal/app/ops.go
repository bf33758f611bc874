package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// OutliersOptions select one civil day of one table.
type OutliersOptions struct {
	Table    string
	Date     string
	Timezone string
}

// DigestOptions select the day a manual digest covers.
type DigestOptions struct {
	Date string
}

// newQuery opens the database and builds the read service on top of it.
func (a *App) newQuery(ctx context.Context) (*service.Query, func(), error) {
	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	tables, err := a.buildRegistry(ctx, store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	query := service.NewQuery(store, tables, a.newExtractor(store), nil, service.QueryOptionsFromConfig(a.Config), a.Logger)
	return query, closeStore, nil
}

// Outliers prints the lowest and highest sample of a day with their context.
func (a *App) Outliers(ctx context.Context, opts OutliersOptions) error {
	query, closeStore, err := a.newQuery(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := query.DailyOutliers(ctx, opts.Table, opts.Date, opts.Timezone)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

// Stats prints update counts and aggregates for a table.
func (a *App) Stats(ctx context.Context, table string) error {
	query, closeStore, err := a.newQuery(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	resp, err := query.Stats(ctx, table)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, resp)
}

// Tables prints the queryable tables.
func (a *App) Tables(ctx context.Context) error {
	query, closeStore, err := a.newQuery(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, name := range query.Tables().Tables {
		fmt.Fprintln(os.Stdout, name)
	}
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
		return nil
	}
	a.Logger.Info().Strs("versions", applied).Msg("applied migrations")
	return nil
}

// Cleanup runs a single retention sweep over every known table.
func (a *App) Cleanup(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	tables, err := a.buildRegistry(ctx, store)
	if err != nil {
		return err
	}

	cfg := a.Config.Retention
	retention := service.NewRetention(store, tables.Tables(), cfg.KeepFor(), cfg.AdvisoryLockKey, nil, a.Logger)
	report, err := retention.Sweep(ctx)
	if err != nil && len(report.Deleted) == 0 {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(os.Stdout, "another instance holds the retention lock; nothing deleted")
		return err
	}
	if printErr := printSweep(os.Stdout, report); printErr != nil && err == nil {
		err = printErr
	}
	return err
}

func printSweep(out io.Writer, report service.SweepReport) error {
	names := make([]string, 0, len(report.Deleted))
	for name := range report.Deleted {
		names = append(names, name)
	}
	sort.Strings(names)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Cutoff (UTC)\t%s\n", report.Cutoff.Format(time.RFC3339))
	for _, name := range names {
		fmt.Fprintf(writer, "%s\t%d\n", name, report.Deleted[name])
	}
	fmt.Fprintf(writer, "Total\t%d\n", report.Total())
	return writer.Flush()
}

// Digest sends the daily digest for one date, the previous day by default.
func (a *App) Digest(ctx context.Context, opts DigestOptions) error {
	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	tables, err := a.buildRegistry(ctx, store)
	if err != nil {
		return err
	}
	digest, err := a.newDigest(store, tables)
	if err != nil {
		return err
	}

	date := opts.Date
	if date == "" {
		loc, err := timeseries.LoadLocation(a.Config.Digest.Timezone)
		if err != nil {
			return err
		}
		date = service.PreviousDay(time.Now(), loc)
	}
	return digest.Send(ctx, date)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
