package postgres

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrSchemaVersion = errors.New("schema store not at expected version")

// Migration is one embedded script. Version is the numeric file prefix.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

// Migrations returns the embedded migrations ordered by version.
func Migrations() ([]Migration, error) {
	return loadMigrations(migrationsFS, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: read migrations dir")
	}

	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, errors.Newf("postgres: migration %s has no version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, errors.Newf("postgres: migration %s has invalid version %q", e.Name(), prefix)
		}
		if other, dup := seen[v]; dup {
			return nil, errors.Newf("postgres: migrations %s and %s share version %d", other, e.Name(), v)
		}
		seen[v] = e.Name()

		data, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "postgres: read migration %s", e.Name())
		}
		out = append(out, Migration{Version: v, Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	for i, m := range out {
		if m.Version != i+1 {
			return nil, errors.Newf("postgres: migration versions must be contiguous from 1, found %d at position %d", m.Version, i+1)
		}
	}
	return out, nil
}

// ExpectedVersion is the schema version this build requires.
func ExpectedVersion() int {
	ms, err := Migrations()
	if err != nil || len(ms) == 0 {
		return 0
	}
	return ms[len(ms)-1].Version
}

const createTracker = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

// RunMigrations applies every pending migration in version order, each in
// its own transaction, and records it in schema_migrations.
func (c *Client) RunMigrations(ctx context.Context) ([]string, error) {
	ms, err := Migrations()
	if err != nil {
		return nil, err
	}
	if _, err := c.pool.Exec(ctx, createTracker); err != nil {
		return nil, errors.Wrap(err, "postgres: create schema_migrations table")
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range ms {
		if _, ok := applied[m.Name]; ok {
			continue
		}
		err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return errors.Wrapf(err, "postgres: exec migration %s", m.Name)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", m.Name); err != nil {
				return errors.Wrapf(err, "postgres: record migration %s", m.Name)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran = append(ran, m.Name)
	}
	return ran, nil
}

func (c *Client) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	rows, err := c.pool.Query(ctx, "SELECT filename, applied_at FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list applied migrations")
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var name string
		var at time.Time
		if err := rows.Scan(&name, &at); err != nil {
			return nil, errors.Wrap(err, "postgres: scan applied migration")
		}
		out[name] = at
	}
	return out, errors.Wrap(rows.Err(), "postgres: list applied migrations")
}

// Status lists every embedded migration and whether it has run.
func (c *Client) Status(ctx context.Context) ([]MigrationStatus, error) {
	ms, err := Migrations()
	if err != nil {
		return nil, err
	}
	if _, err := c.pool.Exec(ctx, createTracker); err != nil {
		return nil, errors.Wrap(err, "postgres: create schema_migrations table")
	}
	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return migrationStatus(ms, applied), nil
}

func migrationStatus(ms []Migration, applied map[string]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, len(ms))
	for i, m := range ms {
		at, ok := applied[m.Name]
		out[i] = MigrationStatus{Migration: m, Applied: ok, AppliedAt: at}
	}
	return out
}

// SchemaVersion is the highest version in the contiguous applied prefix.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return versionOf(st), nil
}

func versionOf(st []MigrationStatus) int {
	v := 0
	for _, s := range st {
		if !s.Applied {
			break
		}
		v = s.Version
	}
	return v
}

// RequireVersion fails with ErrSchemaVersion unless the schema is exactly at
// want. Callers treat the failure as a fatal startup precondition.
func (c *Client) RequireVersion(ctx context.Context, want int) error {
	got, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if got != want {
		return errors.Wrapf(ErrSchemaVersion, "found version %d, want %d", got, want)
	}
	return nil
}
