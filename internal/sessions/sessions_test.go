package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const catalogJSON = `{
  "_default": {"asset_name": "EUR/USD", "sessions": [{"name": "london", "start": "08:00", "end": "16:30"}]},
  "jpy_rates": {"asset_name": "USD/JPY", "sessions": [{"name": "tokyo", "start": "00:00", "end": "09:00"}]},
  "empty_rates": {"asset_name": "GBP/USD"}
}`

func TestLookupFallsBackToDefault(t *testing.T) {
	c, err := Parse([]byte(catalogJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got, err := c.Lookup("jpy_rates")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.AssetName != "USD/JPY" || len(got.Sessions) != 1 || got.Sessions[0].Name != "tokyo" {
		t.Fatalf("unexpected entry %+v", got)
	}

	got, err = c.Lookup("composite_rates")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Table != "composite_rates" || got.AssetName != "EUR/USD" {
		t.Fatalf("expected default entry for composite_rates, got %+v", got)
	}

	got, _ = c.Lookup("empty_rates")
	if got.Sessions == nil {
		t.Fatal("sessions should never be nil")
	}
}

func TestLookupWithoutDefault(t *testing.T) {
	c, err := Parse([]byte(`{"jpy_rates": {"asset_name": "USD/JPY", "sessions": []}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.Lookup("eur_rates"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	if err := os.WriteFile(path, []byte(catalogJSON), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tables := c.Tables(); len(tables) != 2 || tables[0] != "empty_rates" || tables[1] != "jpy_rates" {
		t.Fatalf("unexpected tables %v", tables)
	}

	missing, err := Load(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if _, err := missing.Lookup("x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty catalog should report ErrNotFound, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0o600)
	if _, err := Load(bad); err == nil {
		t.Fatal("malformed file should fail")
	}
}
