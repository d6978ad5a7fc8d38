package ledger

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

func dependentExists(id string) error {
	return fmt.Errorf("uninstall %q: %w", id, ErrDependentExists)
}

func unknownDependency(id, required string) error {
	return fmt.Errorf("install %q requires %q: %w", id, required, ErrUnknownDependency)
}

// Postgres SQLSTATEs that indicate contention rather than a logic error.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
)

// Retryable reports whether err indicates lock contention or a transaction
// conflict. Such failures are safe to retry with backoff: the losing caller
// re-observes the ledger and typically short-circuits as a no-op.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
		return true
	}
	return false
}
