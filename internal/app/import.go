package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// maxImportLine bounds a single JSON line, raw API responses included.
const maxImportLine = 4 << 20

// ImportReport counts the outcome of a file import.
type ImportReport struct {
	Processed int
	Failed    int
}

// Import loads newline-delimited composite-rate payloads into a table.
// With DryRun set every line is decoded and nothing is written.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer file.Close()

	var (
		recorder *ingest.Recorder
		table    storage.Table
	)
	if opts.DryRun {
		a.Logger.Warn().Msg("import dry-run: nothing will be written")
		tables, err := a.buildRegistry(ctx, nil)
		if err != nil {
			return err
		}
		if table, err = tables.Resolve(opts.Table); err != nil {
			return err
		}
	} else {
		store, closeStore, err := a.openStore(ctx, false)
		if err != nil {
			return err
		}
		defer closeStore()

		tables, err := a.buildRegistry(ctx, store)
		if err != nil {
			return err
		}
		if table, err = tables.Resolve(opts.Table); err != nil {
			return err
		}
		recorder = ingest.NewRecorder(store, nil, a.Config.Ingest.SlowInsert, a.Logger)
	}

	report, err := a.importSamples(ctx, file, table, recorder)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("table", table.Name()).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Bool("dry_run", opts.DryRun).
		Msg("import finished")
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d lines failed to import", report.Failed, report.Processed+report.Failed)
	}
	return nil
}

// importSamples reads one payload per line. A nil recorder only validates.
func (a *App) importSamples(ctx context.Context, r io.Reader, table storage.Table, recorder *ingest.Recorder) (ImportReport, error) {
	var report ImportReport

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxImportLine)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return report, err
		}

		body := bytes.TrimSpace(scanner.Bytes())
		if len(body) == 0 || body[0] == '#' {
			continue
		}

		var err error
		if recorder == nil {
			_, err = ingest.Decode(body)
		} else {
			_, err = recorder.RecordPayload(ctx, table, "import", body)
		}
		if err != nil {
			report.Failed++
			a.Logger.Error().Err(err).Int("line", line).Msg("import line failed")
			if !errors.Is(err, ingest.ErrInvalidPayload) && recorder != nil {
				// the store is gone; the remaining lines would fail the same way
				return report, err
			}
			continue
		}
		report.Processed++
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read import file: %w", err)
	}
	return report, nil
}
