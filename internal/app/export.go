package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// defaultExportWindow is used when --from is omitted.
const defaultExportWindow = 24 * time.Hour

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	window, err := storage.NewWindow(from, to)
	if err != nil {
		return fmt.Errorf("from must be before to: %w", err)
	}

	samples, err := store.QuerySamples(ctx, table, storage.SampleQuery{Window: &window, Order: storage.Descending})
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("table", table.Name()).Msg("no samples found for export window")
		return nil
	}

	result, err := timeseries.Downsample(samples, opts.MaxPoints)
	if err != nil {
		return err
	}
	// charts and CSV read oldest first
	points := slices.Clone(result.Points)
	slices.Reverse(points)

	a.Logger.Info().
		Str("table", table.Name()).
		Int("total", result.OriginalCount).
		Int("exported", len(points)).
		Int("sampling_rate", result.SamplingRate).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, table.Name(), points); err != nil {
			return err
		}
	}

	return nil
}

var csvHeader = []string{"id", "timestamp", "composite_rate", "active_session", "session_weight", "reference_weight", "created_at"}

func writeSamplesCSV(path string, samples []storage.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeSamplesCSV(file, samples)
}

func encodeSamplesCSV(w io.Writer, samples []storage.Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, sample := range samples {
		record := []string{
			strconv.FormatInt(sample.ID, 10),
			sample.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(sample.Value, 'f', -1, 64),
			stringOrEmpty(sample.Category),
			floatOrEmpty(sample.WeightA),
			floatOrEmpty(sample.WeightB),
			sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path, title string, samples []storage.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	rate := make([]float64, len(samples))
	weight := make([]float64, len(samples))
	hasWeight := false

	for i, sample := range samples {
		x[i] = sample.Timestamp
		rate[i] = sample.Value
		if sample.WeightA != nil {
			weight[i] = *sample.WeightA
			hasWeight = true
		}
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.5f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Composite rate",
			XValues: x,
			YValues: rate,
		},
	}
	if hasWeight {
		series = append(series, chart.TimeSeries{
			Name:    "Session weight",
			XValues: x,
			YValues: weight,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Composite rate",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Session weight",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func floatOrEmpty(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
