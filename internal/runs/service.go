package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runRepo is the persistence interface for the run service.
// *Repository satisfies this interface.
type runRepo interface {
	Open(ctx context.Context, microservice, model string, asOf time.Time) (*Run, error)
	InsertPredictions(ctx context.Context, runID uuid.UUID, preds []Prediction) error
	Close(ctx context.Context, runID uuid.UUID) (*Run, error)
	GetByID(ctx context.Context, runID uuid.UUID) (*Run, error)
	ListRecent(ctx context.Context, limit int) ([]*Run, error)
	Scores(ctx context.Context, runID uuid.UUID) ([]float64, error)
}

// Service contains the run lifecycle logic: open, store predictions, close.
type Service struct {
	repo   runRepo
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(repo runRepo, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Open starts a new run. asOf zero means now.
func (s *Service) Open(ctx context.Context, microservice, model string, asOf time.Time) (*Run, error) {
	if microservice == "" || model == "" {
		return nil, fmt.Errorf("microservice and model are required")
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	run, err := s.repo.Open(ctx, microservice, model, asOf)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run opened",
		zap.String("run_id", run.ID.String()),
		zap.String("microservice", microservice),
		zap.String("model", model),
	)
	return run, nil
}

// StorePredictions attaches scored subjects to an open run.
func (s *Service) StorePredictions(ctx context.Context, runID uuid.UUID, preds []Prediction) error {
	if len(preds) == 0 {
		return nil
	}

	run, err := s.repo.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Closed() {
		return fmt.Errorf("run %s is closed", runID)
	}

	for i := range preds {
		if preds[i].SubjectID == "" {
			return fmt.Errorf("prediction %d: empty subject id", i)
		}
		preds[i].RunID = runID
	}

	if err := s.repo.InsertPredictions(ctx, runID, preds); err != nil {
		return err
	}
	s.logger.Info("predictions stored",
		zap.String("run_id", runID.String()),
		zap.Int("count", len(preds)),
	)
	return nil
}

// Close finishes the run and emits its notification.
func (s *Service) Close(ctx context.Context, runID uuid.UUID) (*Run, error) {
	run, err := s.repo.Close(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run closed", zap.String("run_id", runID.String()))
	return run, nil
}

// Get returns a single run.
func (s *Service) Get(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return s.repo.GetByID(ctx, runID)
}

// ListRecent returns the most recently opened runs. limit <= 0 means 50.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListRecent(ctx, limit)
}

// Scores returns the scores recorded for a run.
func (s *Service) Scores(ctx context.Context, runID uuid.UUID) ([]float64, error) {
	return s.repo.Scores(ctx, runID)
}
