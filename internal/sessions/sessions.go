// Package sessions serves per-table trading session definitions used by the
// dashboard to shade chart regions.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DefaultKey holds the fallback entry for tables without their own.
const DefaultKey = "_default"

// ErrNotFound is returned when neither the table nor the fallback exist.
var ErrNotFound = errors.New("sessions: no configuration for table")

// Session is one named trading window. Start and End are kept as written in
// the file, typically HH:MM in UTC.
type Session struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
	Color string `json:"color,omitempty"`
}

// TableConfig is the catalog entry for one table.
type TableConfig struct {
	AssetName string    `json:"asset_name"`
	Sessions  []Session `json:"sessions"`
}

// Response is the payload returned to the dashboard.
type Response struct {
	Table     string    `json:"table"`
	AssetName string    `json:"asset_name"`
	Sessions  []Session `json:"sessions"`
}

// Catalog is an immutable table to sessions lookup.
type Catalog struct {
	entries map[string]TableConfig
}

// Load reads a catalog file. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{entries: map[string]TableConfig{}}, nil
		}
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	return Parse(body)
}

// Parse decodes catalog JSON.
func Parse(body []byte) (*Catalog, error) {
	entries := map[string]TableConfig{}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode sessions file: %w", err)
	}
	for table, cfg := range entries {
		if cfg.Sessions == nil {
			cfg.Sessions = []Session{}
			entries[table] = cfg
		}
	}
	return &Catalog{entries: entries}, nil
}

// Lookup returns the entry for table, falling back to DefaultKey.
func (c *Catalog) Lookup(table string) (Response, error) {
	cfg, ok := c.entries[table]
	if !ok {
		cfg, ok = c.entries[DefaultKey]
	}
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrNotFound, table)
	}
	return Response{Table: table, AssetName: cfg.AssetName, Sessions: cfg.Sessions}, nil
}

// Tables lists explicitly configured tables, excluding the fallback.
func (c *Catalog) Tables() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		if name != DefaultKey {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
