package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent ledger mutations. The value is arbitrary but must be consistent
// across all processes mutating the same ledger.
const advisoryLockKey = int64(7_421_053_189)

// PostgresLedger persists the patch ledger to a PostgreSQL database.
// It implements the Ledger interface.
//
// Every mutation runs in a single transaction that holds a transaction-scoped
// advisory lock, so at most one Install or Uninstall is in flight at a time.
// Readers outside a mutation see either the pre- or post-state, never a
// partial one.
type PostgresLedger struct {
	pool      *pgxpool.Pool
	principal string
	logger    *zap.Logger
}

// NewPostgres creates a PostgresLedger backed by the given connection pool.
// Installed patches are attributed to the given principal.
func NewPostgres(pool *pgxpool.Pool, principal string, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, principal: principal, logger: logger}
}

// EnsureSchema creates the ledger's own tables when they do not exist yet.
// The foreign key from patch_requires back to patches blocks removal of a
// still-required patch even if the explicit pre-check in Uninstall is raced.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS patches (
			id           text PRIMARY KEY,
			installed_at timestamptz NOT NULL DEFAULT now(),
			installed_by text NOT NULL
		);
		CREATE TABLE IF NOT EXISTS patch_requires (
			patch_id    text NOT NULL REFERENCES patches (id) ON DELETE CASCADE,
			required_id text NOT NULL REFERENCES patches (id) ON DELETE RESTRICT,
			PRIMARY KEY (patch_id, required_id)
		);`
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

// txExecutor exposes a pgx transaction through the Executor interface so
// patch payloads run inside the ledger transaction.
type txExecutor struct {
	tx pgx.Tx
}

func (e txExecutor) Execute(ctx context.Context, sql string, args ...any) error {
	_, err := e.tx.Exec(ctx, sql, args...)
	return err
}

// Install implements Ledger.
func (l *PostgresLedger) Install(ctx context.Context, id string, requires []string, apply ApplyFunc) (bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := acquireLock(ctx, tx); err != nil {
		return false, err
	}

	var installed bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM patches WHERE id = $1)", id,
	).Scan(&installed); err != nil {
		return false, fmt.Errorf("check patch %q: %w", id, err)
	}
	if installed {
		return false, nil
	}

	for _, req := range requires {
		var ok bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM patches WHERE id = $1)", req,
		).Scan(&ok); err != nil {
			return false, fmt.Errorf("check requirement %q: %w", req, err)
		}
		if !ok {
			return false, unknownDependency(id, req)
		}
	}

	if apply != nil {
		if err := apply(ctx, txExecutor{tx: tx}); err != nil {
			return false, fmt.Errorf("apply patch %q: %w", id, err)
		}
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO patches (id, installed_at, installed_by) VALUES ($1, $2, $3)",
		id, time.Now().UTC(), l.principal,
	); err != nil {
		return false, fmt.Errorf("record patch %q: %w", id, err)
	}
	for _, req := range requires {
		if _, err := tx.Exec(ctx,
			"INSERT INTO patch_requires (patch_id, required_id) VALUES ($1, $2)",
			id, req,
		); err != nil {
			return false, fmt.Errorf("record edge %q -> %q: %w", id, req, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit install %q: %w", id, err)
	}

	l.logger.Debug("patch installed",
		zap.String("id", id),
		zap.Strings("requires", requires),
		zap.String("by", l.principal),
	)
	return true, nil
}

// Uninstall implements Ledger.
func (l *PostgresLedger) Uninstall(ctx context.Context, id string, revert ApplyFunc) (bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := acquireLock(ctx, tx); err != nil {
		return false, err
	}

	var installed bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM patches WHERE id = $1)", id,
	).Scan(&installed); err != nil {
		return false, fmt.Errorf("check patch %q: %w", id, err)
	}
	if !installed {
		return false, nil
	}

	var required bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM patch_requires WHERE required_id = $1)", id,
	).Scan(&required); err != nil {
		return false, fmt.Errorf("check dependents of %q: %w", id, err)
	}
	if required {
		return false, dependentExists(id)
	}

	if revert != nil {
		if err := revert(ctx, txExecutor{tx: tx}); err != nil {
			return false, fmt.Errorf("revert patch %q: %w", id, err)
		}
	}

	// Outgoing edges go with the row via ON DELETE CASCADE.
	if _, err := tx.Exec(ctx, "DELETE FROM patches WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("delete patch %q: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit uninstall %q: %w", id, err)
	}

	l.logger.Debug("patch uninstalled", zap.String("id", id))
	return true, nil
}

// IsInstalled implements Ledger.
func (l *PostgresLedger) IsInstalled(ctx context.Context, id string) (bool, error) {
	var installed bool
	if err := l.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM patches WHERE id = $1)", id,
	).Scan(&installed); err != nil {
		return false, fmt.Errorf("check patch %q: %w", id, err)
	}
	return installed, nil
}

// Installed implements Ledger.
func (l *PostgresLedger) Installed(ctx context.Context) ([]*Patch, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT p.id, p.installed_at, p.installed_by,
		        COALESCE(array_agg(r.required_id) FILTER (WHERE r.required_id IS NOT NULL), '{}')
		 FROM patches p
		 LEFT JOIN patch_requires r ON r.patch_id = p.id
		 GROUP BY p.id, p.installed_at, p.installed_by
		 ORDER BY p.installed_at ASC, p.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var out []*Patch
	for rows.Next() {
		p := &Patch{}
		if err := rows.Scan(&p.ID, &p.InstalledAt, &p.InstalledBy, &p.Requires); err != nil {
			return nil, fmt.Errorf("scan patch row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Requires implements Ledger.
func (l *PostgresLedger) Requires(ctx context.Context, id string) ([]string, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT required_id FROM patch_requires WHERE patch_id = $1 ORDER BY required_id", id,
	)
	if err != nil {
		return nil, fmt.Errorf("list requirements of %q: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var req string
		if err := rows.Scan(&req); err != nil {
			return nil, fmt.Errorf("scan requirement row: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func acquireLock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}
