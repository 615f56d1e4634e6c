// Package photodb owns the SQLite catalog shared by collections, photos,
// and refresh jobs. It opens connections with the pragmas every reader and
// writer relies on, bootstraps the schema, and provides the identifier and
// date conventions used across the catalog.
//
// Date-times are stored as ISO-8601 strings, paths as POSIX strings.
// Schema changes are additive only: new columns are added to existing
// tables via ensureColumn, never renamed or dropped.
package photodb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// TimeFormat is the ISO-8601 layout used for all stored date-times.
const TimeFormat = time.RFC3339

// Domain error kinds. The HTTP layer translates these to status codes.
var (
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrDuplicateIdentifier = errors.New("identifier already in use")
	ErrNotFound            = errors.New("not found")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier reports whether s is a well-formed entity identifier.
func ValidateIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Open opens the catalog database at path, creating parent directories as
// needed. Every connection carries foreign_keys=ON and a 60-second busy
// timeout; pragmas are set through the DSN so they apply to each pooled
// connection, not just the first.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	dsn := "file:" + filepath.ToSlash(path) + "?" + url.Values{
		"_pragma": []string{
			"foreign_keys(1)",
			"busy_timeout(60000)",
			"journal_mode(WAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// Setup creates the catalog schema if it does not exist and applies
// additive migrations. Strategy tables (fs_collections_data and friends)
// are owned by their scan strategies and created on first scan.
func Setup(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS refresh_jobs(
			id INTEGER PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			hostname TEXT NOT NULL,
			schedule TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			filter TEXT NOT NULL,
			"order" TEXT NOT NULL DEFAULT 'SHUFFLE',
			affiche_options_json TEXT NOT NULL DEFAULT '{}',
			post_command_id TEXT)`,
		`CREATE TABLE IF NOT EXISTS collections(
			id INTEGER PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			schedule TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			class_name TEXT NOT NULL,
			settings_json TEXT)`,
		`CREATE TABLE IF NOT EXISTS photos(
			id INTEGER PRIMARY KEY,
			collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
			display_date TEXT,
			format TEXT,
			width INTEGER,
			height INTEGER,
			favorite INTEGER,
			capture_date TEXT,
			cycle_count INTEGER NOT NULL DEFAULT 0)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// Additive evolution for catalogs created by older versions.
	migrations := []struct {
		table, column, decl string
	}{
		{"photos", "cycle_count", "INTEGER NOT NULL DEFAULT 0"},
		{"refresh_jobs", "order", "TEXT NOT NULL DEFAULT 'SHUFFLE'"},
		{"refresh_jobs", "affiche_options_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"refresh_jobs", "post_command_id", "TEXT"},
	}
	for _, m := range migrations {
		if err := ensureColumn(db, m.table, m.column, m.decl); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if the table does not have it yet.
func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if exists {
		return nil
	}

	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// FormatTime renders a date-time in the stored layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// ParseTime parses a stored date-time.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// NullTime converts an optional date-time to its stored representation.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ScanNullTime converts a stored nullable date-time back to *time.Time.
func ScanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse date-time %q: %w", ns.String, err)
	}
	return &t, nil
}
