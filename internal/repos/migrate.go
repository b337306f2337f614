package repos

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema files for the repo's dialect in lexical order,
// skipping files already recorded in schema_migrations.
func (r *RecordRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	dir := path.Join("migrations", r.dialect)
	entries, err := fs.ReadDir(migrationFS, dir)
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
	for _, f := range files {
		var applied int
		if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`), f).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationFS, path.Join(dir, f))
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO schema_migrations (name) VALUES (?)`), f); err != nil {
			return fmt.Errorf("record migration %s: %w", f, err)
		}
	}
	return nil
}
