package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
)

func ApplyMigrationFile(db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Exec(string(b)); err != nil && !isDuplicateColumnErr(err) {
		return fmt.Errorf("apply migration: %w", err)
	}

	// Backward-compatible patching for early development schema revisions.
	for _, stmt := range []string{
		`ALTER TABLE users ADD COLUMN full_name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE users ADD COLUMN course TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE users ADD COLUMN year_level INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE elections ADD COLUMN results_visible INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnErr(err) && !isMissingTableErr(err) {
			return fmt.Errorf("apply compatibility migration %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func isMissingTableErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}
