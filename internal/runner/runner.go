// Package runner applies declared patch sets through the ledger. It
// enumerates patches in declaration order, installs each one with its up SQL
// as the transactional payload, and reports which patches were applied and
// which were skipped because they were already installed.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/source"
	"go.uber.org/zap"
)

// Report summarises one Apply pass over a patch set.
type Report struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
}

// Runner applies and reverts patch sets.
type Runner struct {
	ledger      ledger.Ledger
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetry sets the attempt limit and initial backoff used when the ledger
// reports lock contention. The backoff doubles per attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Runner) {
		r.maxAttempts = attempts
		r.backoff = backoff
	}
}

// New creates a Runner.
func New(l ledger.Ledger, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		ledger:      l,
		logger:      logger,
		maxAttempts: 3,
		backoff:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply installs every pending patch in declaration order. Requirements are
// validated up front: each must already be installed or appear earlier in
// the batch, so a bad manifest fails before any ledger mutation.
func (r *Runner) Apply(ctx context.Context, patches []source.Patch) (*Report, error) {
	if err := r.checkRequirements(ctx, patches); err != nil {
		return nil, err
	}

	report := &Report{}
	for _, p := range patches {
		created, err := r.installWithRetry(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("patch %q: %w", p.ID, err)
		}
		if created {
			r.logger.Info("patch applied", zap.String("id", p.ID), zap.Strings("requires", p.Requires))
			report.Applied = append(report.Applied, p.ID)
		} else {
			r.logger.Info("patch skipped, already installed", zap.String("id", p.ID))
			report.Skipped = append(report.Skipped, p.ID)
		}
	}
	return report, nil
}

// Revert uninstalls the patch with the given id, running its down SQL inside
// the same transaction as the ledger delete. Reverting a patch another
// installed patch depends on fails with ledger.ErrDependentExists. A patch
// without down SQL cannot be reverted.
func (r *Runner) Revert(ctx context.Context, patches []source.Patch, id string) (bool, error) {
	p := source.Find(patches, id)
	if p == nil {
		return false, fmt.Errorf("patch %q is not declared in the patch set", id)
	}
	if p.Down == "" {
		return false, fmt.Errorf("patch %q declares no down SQL", id)
	}

	removed, err := r.ledger.Uninstall(ctx, id, func(ctx context.Context, exec ledger.Executor) error {
		return exec.Execute(ctx, p.Down)
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Info("patch reverted", zap.String("id", id))
	} else {
		r.logger.Info("patch not installed, nothing to revert", zap.String("id", id))
	}
	return removed, nil
}

// Validate lints a patch set without touching the ledger: declaration-order
// requirements, non-empty up SQL. Loader-level checks (duplicate ids, self
// requirements) are assumed done by source.Load.
func Validate(patches []source.Patch) error {
	earlier := make(map[string]bool, len(patches))
	declared := make(map[string]bool, len(patches))
	for _, p := range patches {
		declared[p.ID] = true
	}
	for _, p := range patches {
		if p.Up == "" {
			return fmt.Errorf("patch %q has empty up SQL", p.ID)
		}
		for _, req := range p.Requires {
			if declared[req] && !earlier[req] {
				return fmt.Errorf("patch %q requires %q before it is declared", p.ID, req)
			}
		}
		earlier[p.ID] = true
	}
	return nil
}

// checkRequirements fails fast when a requirement is neither installed nor
// satisfied earlier in the batch.
func (r *Runner) checkRequirements(ctx context.Context, patches []source.Patch) error {
	inBatch := make(map[string]bool, len(patches))
	for _, p := range patches {
		for _, req := range p.Requires {
			if inBatch[req] {
				continue
			}
			installed, err := r.ledger.IsInstalled(ctx, req)
			if err != nil {
				return fmt.Errorf("check requirement %q of %q: %w", req, p.ID, err)
			}
			if !installed {
				return fmt.Errorf("patch %q requires %q, which is neither installed nor earlier in the batch: %w",
					p.ID, req, ledger.ErrUnknownDependency)
			}
		}
		inBatch[p.ID] = true
	}
	return nil
}

func (r *Runner) installWithRetry(ctx context.Context, p source.Patch) (bool, error) {
	apply := func(ctx context.Context, exec ledger.Executor) error {
		return exec.Execute(ctx, p.Up)
	}

	backoff := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		created, err := r.ledger.Install(ctx, p.ID, p.Requires, apply)
		if err == nil {
			return created, nil
		}
		if !ledger.Retryable(err) {
			return false, err
		}
		lastErr = err
		r.logger.Warn("ledger contention, retrying",
			zap.String("id", p.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false, fmt.Errorf("install gave up after %d attempts: %w", r.maxAttempts, lastErr)
}
