package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Runner applies the embedded *_up.sql migrations in version order.
// Versions already recorded in schema_migrations are skipped, so Up is
// safe to run on every boot.
type Runner struct {
	FS fs.FS
}

type migration struct {
	version int64
	path    string
}

// Up applies every pending migration, each in its own transaction.
func (r Runner) Up(ctx context.Context, db *pgxpool.Pool) error {
	if r.FS == nil {
		return errors.New("migrate: no source filesystem")
	}
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return fmt.Errorf("migrate: ensure table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := r.discover()
	if err != nil {
		return err
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		sql, err := fs.ReadFile(r.FS, m.path)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", m.path, err)
		}
		if err := applyOne(ctx, db, m.version, string(sql)); err != nil {
			return fmt.Errorf("migrate: apply version %d: %w", m.version, err)
		}
	}
	return nil
}

func (r Runner) discover() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(r.FS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), "_up.sql") {
			return nil
		}
		prefix, _, _ := strings.Cut(d.Name(), "_")
		ver, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return fmt.Errorf("migrate: bad migration name %s", path.Base(p))
		}
		out = append(out, migration{version: ver, path: p})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func appliedVersions(ctx context.Context, db *pgxpool.Pool) (map[int64]bool, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: load versions: %w", err)
	}
	defer rows.Close()
	seen := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		seen[v] = true
	}
	return seen, rows.Err()
}

func applyOne(ctx context.Context, db *pgxpool.Pool, version int64, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1,$2)`, version, time.Now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
