package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed sql
var embedded embed.FS

// Apply runs the embedded migrations for dialect ("mysql", "postgres", "sqlite").
func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	dir := path.Join("sql", dialect)
	if _, err := fs.Stat(embedded, dir); err != nil {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	return ApplyFS(ctx, db, embedded, dir, dialect == "postgres")
}

// ApplyFS applies every .sql file in dir, in name order, once.
func ApplyFS(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, numbered bool) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)

	if err := ensureSchemaMigrations(ctx, db); err != nil {
		return err
	}

	for _, name := range files {
		applied, err := isApplied(ctx, db, name, numbered)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		sqlBytes, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return err
		}

		for _, stmt := range splitStatements(string(sqlBytes)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s failed: %w", name, err)
			}
		}

		if err := markApplied(ctx, db, name, numbered); err != nil {
			return err
		}
	}

	return nil
}

// splitStatements breaks a file on ';' line endings; drivers differ on multi-statement Exec.
func splitStatements(src string) []string {
	var out []string
	for _, part := range strings.Split(src, ";\n") {
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ";"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func ensureSchemaMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name VARCHAR(255) NOT NULL,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (name)
)`)
	return err
}

func placeholder(numbered bool) string {
	if numbered {
		return "$1"
	}
	return "?"
}

func isApplied(ctx context.Context, db *sql.DB, name string, numbered bool) (bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT name FROM schema_migrations WHERE name = `+placeholder(numbered), name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func markApplied(ctx context.Context, db *sql.DB, name string, numbered bool) error {
	_, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (`+placeholder(numbered)+`)`, name)
	return err
}
