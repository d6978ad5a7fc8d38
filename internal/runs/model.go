// Package runs tracks prediction pipeline executions: one row per run, the
// predictions it produced, and a notification emitted when the run closes.
package runs

import (
	"time"

	"github.com/google/uuid"
)

// Run is one execution of a prediction pipeline.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Microservice string     `json:"microservice"`
	Model        string     `json:"model"`
	AsOf         time.Time  `json:"as_of"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Closed reports whether the run has been closed.
func (r *Run) Closed() bool {
	return r.ClosedAt != nil
}

// Prediction is one scored subject produced by a run.
type Prediction struct {
	RunID     uuid.UUID `json:"run_id"`
	SubjectID string    `json:"subject_id"`
	Score     float64   `json:"score"`
}

// Notification records that a run closed; downstream consumers poll the
// notifications table or subscribe to the runs channel via LISTEN.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is the Postgres notification channel run-closed events are
// published on.
const Channel = "run_events"
