// Package ledger tracks which schema patches are installed and enforces
// dependency ordering between them.
//
// A patch is a uniquely identified, idempotently-applied unit of schema
// change. The ledger records installed patches and their dependency edges
// ("B requires A"), and refuses to uninstall a patch while another installed
// patch still requires it. The patch payload itself is opaque SQL supplied
// by the caller; it runs inside the same transaction as the ledger write so
// the bookkeeping and the schema change commit or roll back together.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and validation runs.
//   - PostgresLedger: durable, for production use.
package ledger

import (
	"context"
	"errors"
)

// Executor is the minimal statement-execution surface a patch payload needs.
// pgx.Tx satisfies it; MemoryLedger supplies a recording stub.
type Executor interface {
	Execute(ctx context.Context, sql string, args ...any) error
}

// ApplyFunc is a patch payload. It runs inside the same transaction as the
// ledger mutation that triggered it, so both commit or roll back atomically.
type ApplyFunc func(ctx context.Context, exec Executor) error

// ErrDependentExists is returned by Uninstall when another installed patch
// still lists the target as a requirement. The caller must not proceed with
// any paired schema rollback.
var ErrDependentExists = errors.New("patch is required by an installed patch")

// ErrUnknownDependency is returned by Install when a requires entry
// references a patch that is not installed. Requirements are validated
// eagerly rather than deferred to the foreign-key constraint.
var ErrUnknownDependency = errors.New("required patch is not installed")

// Ledger is the persistent record of installed patches and their
// dependency edges.
type Ledger interface {
	// Install records the patch and runs apply within the same transactional
	// scope. It returns false without running apply when id is already
	// installed — a normal skip signal, not an error. Every entry in
	// requires must already be installed.
	Install(ctx context.Context, id string, requires []string, apply ApplyFunc) (bool, error)

	// Uninstall removes the patch record and its outgoing dependency edges,
	// running revert within the same transactional scope. It returns false
	// without running revert when id is not installed, and
	// ErrDependentExists when another installed patch requires id.
	Uninstall(ctx context.Context, id string, revert ApplyFunc) (bool, error)

	// IsInstalled reports whether id is recorded as installed.
	IsInstalled(ctx context.Context, id string) (bool, error)

	// Installed returns all installed patches ordered by installation time.
	Installed(ctx context.Context) ([]*Patch, error)

	// Requires returns the ids the given installed patch depends on.
	Requires(ctx context.Context, id string) ([]string, error)
}
