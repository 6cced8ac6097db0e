package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/dualstack/app/schema"
)

const metaTable = "dualstack_meta"

// migrate creates tables for a new store or brings an existing one to the model version.
// Everything runs in a single transaction, failed migration leaves the store untouched.
func (s *SQLite) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint

	if _, err = tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+metaTable+` (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	var stored string
	err = tx.GetContext(ctx, &stored, `SELECT value FROM `+metaTable+` WHERE key = 'version'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.Printf("[INFO] new store %s, model %s v%d", s.path, s.model.Name, s.model.Version)
		for _, e := range s.model.Entities {
			if err = createTable(ctx, tx, e); err != nil {
				return err
			}
		}
	case err != nil:
		return fmt.Errorf("failed to read store version: %w", err)
	default:
		storedVersion, e := strconv.Atoi(stored)
		if e != nil {
			return fmt.Errorf("bad store version %q: %w", stored, e)
		}
		if storedVersion == s.model.Version {
			return nil
		}
		if storedVersion > s.model.Version {
			return fmt.Errorf("%w: store v%d is newer than model v%d", ErrMigrationRequired, storedVersion, s.model.Version)
		}
		if s.opts.NoAutoMigrate {
			return fmt.Errorf("%w: store v%d, model v%d", ErrMigrationRequired, storedVersion, s.model.Version)
		}
		if s.opts.NoInferMapping {
			return fmt.Errorf("%w: store v%d, model v%d", ErrNoMapping, storedVersion, s.model.Version)
		}
		log.Printf("[INFO] migrating store %s from v%d to v%d", s.path, storedVersion, s.model.Version)
		if err = inferMapping(ctx, tx, s.model); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+metaTable+` (key, value) VALUES ('version', ?), ('model', ?)`,
		strconv.Itoa(s.model.Version), s.model.JSON()); err != nil {
		return fmt.Errorf("failed to save store version: %w", err)
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", s.model.Version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// inferMapping maps the existing tables to the model: missing tables are created, attributes with renamed_from
// rename old columns, other new attributes become new columns. Columns of removed attributes stay in place.
func inferMapping(ctx context.Context, tx *sqlx.Tx, model *schema.Model) error {
	for _, e := range model.Entities {
		cols, err := tableColumns(ctx, tx, e.Name)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			if err = createTable(ctx, tx, e); err != nil {
				return err
			}
			continue
		}

		for _, a := range e.Attributes {
			if cols[strings.ToLower(a.Name)] {
				continue
			}
			if a.RenamedFrom != "" && cols[strings.ToLower(a.RenamedFrom)] {
				log.Printf("[INFO] rename %s.%s to %s", e.Name, a.RenamedFrom, a.Name)
				q := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quote(e.Name), quote(a.RenamedFrom), quote(a.Name))
				if _, err = tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("failed to rename %s.%s: %w", e.Name, a.RenamedFrom, err)
				}
				continue
			}
			log.Printf("[INFO] add %s.%s (%s)", e.Name, a.Name, a.Type)
			q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(e.Name), quote(a.Name), columnType(a.Type))
			if _, err = tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("failed to add %s.%s: %w", e.Name, a.Name, err)
			}
		}
	}
	return nil
}

func createTable(ctx context.Context, tx *sqlx.Tx, e schema.Entity) error {
	cols := []string{"id TEXT PRIMARY KEY"}
	for _, a := range e.Attributes {
		cols = append(cols, quote(a.Name)+" "+columnType(a.Type))
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(e.Name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create table %s: %w", e.Name, err)
	}
	return nil
}

// tableColumns returns lower-cased column names, empty for missing table
func tableColumns(ctx context.Context, tx *sqlx.Tx, table string) (map[string]bool, error) {
	var names []string
	if err := tx.SelectContext(ctx, &names, "SELECT name FROM pragma_table_info(?)", table); err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	res := make(map[string]bool, len(names))
	for _, n := range names {
		res[strings.ToLower(n)] = true
	}
	return res, nil
}

func columnType(t schema.AttrType) string {
	switch t {
	case schema.TypeString:
		return "TEXT"
	case schema.TypeFloat:
		return "REAL"
	default: // int, bool and date (unix nanoseconds)
		return "INTEGER"
	}
}
