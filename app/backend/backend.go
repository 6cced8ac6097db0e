// Package backend implements the durable store of objects on top of sqlite (pure go driver).
// Each entity of the model maps to a table with "id" primary key and a column per attribute.
// The store remembers the model version it was created with and migrates itself on open.
package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/v4/disk"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/dualstack/app/schema"
)

// Ext is the file extension of store files
const Ext = ".sqlite"

var (
	// ErrMigrationRequired returned when the store was made with another model version and migration is disabled
	ErrMigrationRequired = errors.New("store migration required")
	// ErrNoMapping returned when migration is needed but mapping inference is disabled
	ErrNoMapping = errors.New("no mapping for store migration")
	// ErrLowDiskSpace returned when the store's filesystem has less free space than configured
	ErrLowDiskSpace = errors.New("not enough disk space")
	// ErrInvalidJournalMode returned for journal modes sqlite doesn't know
	ErrInvalidJournalMode = errors.New("invalid journal mode")
	// ErrUnknownEntity returned for changes and fetches of entities missing in the model
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrUnknownAttribute returned for sorting by attribute missing in the entity
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrDateRange returned for dates which can't be stored as unix nanoseconds
	ErrDateRange = errors.New("date out of range")
)

// Options control how the store is opened. Zero value migrates automatically with inferred mapping.
type Options struct {
	NoAutoMigrate  bool   // refuse to open store made with an older model version
	NoInferMapping bool   // don't infer mapping between model versions (add tables/columns, renames)
	JournalMode    string // sqlite journal mode, DELETE if empty
	MinFreeBytes   uint64 // refuse to open with less free space on the filesystem, 0 disables the check
}

// DefaultOptions returns options matching sqlite defaults with automatic migration enabled
func DefaultOptions() Options {
	return Options{JournalMode: "DELETE"}
}

var journalModes = map[string]bool{"DELETE": true, "TRUNCATE": true, "PERSIST": true, "MEMORY": true, "WAL": true, "OFF": true}

// Op is a kind of change
type Op string

// enum of change operations
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is a single mutation of a stored object
type Change struct {
	Op     Op             `json:"op"`
	Entity string         `json:"entity"`
	ID     string         `json:"id"`
	Values map[string]any `json:"values,omitempty"`
}

// Object is a stored instance of an entity
type Object struct {
	Entity string         `json:"entity"`
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
}

// SQLite is the store handle. Not thread safe, callers serialize access.
type SQLite struct {
	db    *sqlx.DB
	model *schema.Model
	path  string
	opts  Options
}

// Open opens or creates the store at path for the model and applies migrations allowed by opts
func Open(ctx context.Context, path string, model *schema.Model, opts Options) (*SQLite, error) {
	mode := strings.ToUpper(strings.TrimSpace(opts.JournalMode))
	if mode == "" {
		mode = "DELETE"
	}
	if !journalModes[mode] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJournalMode, opts.JournalMode)
	}
	opts.JournalMode = mode

	if opts.MinFreeBytes > 0 {
		if err := checkDiskSpace(filepath.Dir(path), opts.MinFreeBytes); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, model: model, path: path, opts: opts}
	if err := s.init(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	log.Printf("[DEBUG] store %s opened, model %s v%d, journal %s", path, model.Name, model.Version, mode)
	return s, nil
}

// Path returns location of the store file
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	var mode string
	if err := s.db.GetContext(ctx, &mode, "PRAGMA journal_mode = "+s.opts.JournalMode); err != nil {
		return fmt.Errorf("failed to set journal mode %s: %w", s.opts.JournalMode, err)
	}
	if !strings.EqualFold(mode, s.opts.JournalMode) {
		log.Printf("[WARN] journal mode %s requested, sqlite uses %s", s.opts.JournalMode, mode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("failed to prepare store: %w", err)
	}
	return nil
}

func checkDiskSpace(dir string, minFree uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("can't get disk usage for %s: %w", dir, err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("%w: %d bytes free on %s, %d required", ErrLowDiskSpace, usage.Free, dir, minFree)
	}
	return nil
}

func quote(name string) string {
	return `"` + name + `"`
}
