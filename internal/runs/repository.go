package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunNotFound is returned when a run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Repository provides persistence for runs, predictions, and notifications.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Open inserts a new run row and returns it.
func (r *Repository) Open(ctx context.Context, microservice, model string, asOf time.Time) (*Run, error) {
	run := &Run{
		ID:           uuid.New(),
		Microservice: microservice,
		Model:        model,
		AsOf:         asOf,
		OpenedAt:     time.Now().UTC(),
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO runs (id, microservice, model, as_of, opened_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Microservice, run.Model, run.AsOf, run.OpenedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// InsertPredictions writes a batch of predictions for the run in a single
// round trip.
func (r *Repository) InsertPredictions(ctx context.Context, runID uuid.UUID, preds []Prediction) error {
	if len(preds) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range preds {
		batch.Queue(
			`INSERT INTO predictions (run_id, subject_id, score) VALUES ($1, $2, $3)`,
			runID, p.SubjectID, p.Score,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close() //nolint:errcheck
	for range preds {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert prediction batch: %w", err)
		}
	}
	return nil
}

// Close marks the run closed, records a notification row, and publishes a
// run-closed event on the runs channel — all in one transaction.
func (r *Repository) Close(ctx context.Context, runID uuid.UUID) (*Run, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	run := &Run{}
	err = tx.QueryRow(ctx,
		`UPDATE runs SET closed_at = now()
		 WHERE id = $1 AND closed_at IS NULL
		 RETURNING id, microservice, model, as_of, opened_at, closed_at`,
		runID,
	).Scan(&run.ID, &run.Microservice, &run.Model, &run.AsOf, &run.OpenedAt, &run.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("close run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO notifications (id, run_id, channel) VALUES ($1, $2, $3)`,
		uuid.New(), runID, Channel,
	); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, runID.String()); err != nil {
		return nil, fmt.Errorf("notify run close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit run close: %w", err)
	}
	return run, nil
}

// GetByID returns a single run.
func (r *Repository) GetByID(ctx context.Context, runID uuid.UUID) (*Run, error) {
	run := &Run{}
	err := r.db.QueryRow(ctx,
		`SELECT id, microservice, model, as_of, opened_at, closed_at
		 FROM runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.Microservice, &run.Model, &run.AsOf, &run.OpenedAt, &run.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRecent returns the most recently opened runs, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, microservice, model, as_of, opened_at, closed_at
		 FROM runs ORDER BY opened_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.Microservice, &run.Model, &run.AsOf, &run.OpenedAt, &run.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Scores returns the scores recorded for a run, ordered by subject.
func (r *Repository) Scores(ctx context.Context, runID uuid.UUID) ([]float64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT score FROM predictions WHERE run_id = $1 ORDER BY subject_id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
