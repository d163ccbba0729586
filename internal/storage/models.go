package storage

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunRecord is one ingestion run of a single instrument.
type RunRecord struct {
	RunID         uuid.UUID
	Exchange      string
	Market        string
	Symbol        string
	StartTime     int64
	EndTime       int64
	Status        string
	ChunksWritten int
	ChunksRemoved int
	Gaps          int
	Pages         int
	Error         *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Duration returns how long the run took, or zero while it is running.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ChunkEvent captures one chunk file mutation made during a run.
type ChunkEvent struct {
	ID        int64
	RunID     uuid.UUID
	Kind      string
	Name      string
	Previous  string
	Ticks     int
	CreatedAt time.Time
}
