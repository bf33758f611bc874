package storage

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInvalidTable indicates a table name with characters outside [A-Za-z0-9_-].
	ErrInvalidTable = errors.New("storage: invalid table name")
	// ErrUnknownTable indicates a well-formed table name that is not registered.
	ErrUnknownTable = errors.New("storage: unknown table")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Table is a resolved handle to a sample table. Handles are only produced by
// a Registry, so SQL builders never see unchecked identifiers.
type Table struct {
	name string
}

// Name returns the bare table name.
func (t Table) Name() string { return t.name }

// IsZero reports whether the handle is unset.
func (t Table) IsZero() bool { return t.name == "" }

func (t Table) String() string { return t.name }

func (t Table) ident() string {
	return pgx.Identifier{t.name}.Sanitize()
}

// ValidateTableName rejects names outside [A-Za-z0-9_-].
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (only alphanumeric, underscore, and hyphen characters allowed)", ErrInvalidTable, name)
	}
	return nil
}

// Registry is the startup-time allow-list of sample tables.
type Registry struct {
	def    Table
	tables map[string]Table
}

// NewRegistry validates every name once and returns an immutable registry.
// The default table is always part of the allow-list.
func NewRegistry(defaultName string, names ...string) (*Registry, error) {
	if err := ValidateTableName(defaultName); err != nil {
		return nil, err
	}

	r := &Registry{
		def:    Table{name: defaultName},
		tables: map[string]Table{defaultName: {name: defaultName}},
	}
	for _, name := range names {
		if err := ValidateTableName(name); err != nil {
			return nil, err
		}
		r.tables[name] = Table{name: name}
	}
	return r, nil
}

// Resolve maps a caller-provided name to a handle. An empty name resolves to
// the default table.
func (r *Registry) Resolve(name string) (Table, error) {
	if name == "" {
		return r.def, nil
	}
	if err := ValidateTableName(name); err != nil {
		return Table{}, err
	}
	t, ok := r.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Default returns the default table handle.
func (r *Registry) Default() Table { return r.def }

// Tables returns every registered table sorted by name.
func (r *Registry) Tables() []Table {
	out := make([]Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Names returns every registered table name sorted.
func (r *Registry) Names() []string {
	tables := r.Tables()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}
