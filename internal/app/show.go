package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// Show prints the most recent samples of a table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	tables, err := a.buildRegistry(ctx, store)
	if err != nil {
		return err
	}
	table, err := tables.Resolve(opts.Table)
	if err != nil {
		return err
	}

	samples, err := store.QuerySamples(ctx, table, storage.SampleQuery{Limit: opts.Limit, Order: storage.Descending})
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	return printSamples(os.Stdout, samples)
}

func printSamples(out io.Writer, samples []storage.Sample) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tRate\tSession\tSession weight\tReference weight")

	for _, sample := range samples {
		session := stringOrEmpty(sample.Category)
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\n",
			sample.ID,
			sample.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(sample.Value, 'f', 6, 64),
			session,
			dashIfEmpty(floatOrEmpty(sample.WeightA)),
			dashIfEmpty(floatOrEmpty(sample.WeightB)),
		)
	}

	return writer.Flush()
}

func dashIfEmpty(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
