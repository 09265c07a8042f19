package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStubNotFound is returned when a job stub does not exist.
var ErrStubNotFound = errors.New("job stub not found")

// JobStub is the minimal job record persisted outside the owning process,
// so a sibling process (or a restarted one) can discover in-flight and
// recently finished jobs. The event buffer itself stays in memory with the
// owner; a stub only carries identity and status.
type JobStub struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	BlueprintID string    `json:"blueprint_id"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobStubStore persists job stubs. Implementations must tolerate concurrent
// writers for distinct job IDs.
type JobStubStore interface {
	// SaveStub creates or replaces the stub for a job.
	SaveStub(ctx context.Context, stub *JobStub) error

	// GetStub retrieves one stub. Returns ErrStubNotFound when absent.
	GetStub(ctx context.Context, jobID string) (*JobStub, error)

	// ListStubs returns all known stubs.
	ListStubs(ctx context.Context) ([]*JobStub, error)

	// DeleteStub removes the stub for a job. Deleting an absent stub is
	// not an error.
	DeleteStub(ctx context.Context, jobID string) error
}

// WatchableStubStore is implemented by stub stores that can surface stubs
// written by other processes as they appear.
type WatchableStubStore interface {
	JobStubStore

	// Watch invokes fn for every stub created or updated by any process,
	// until ctx is done. Watch does not block.
	Watch(ctx context.Context, fn func(*JobStub)) error
}
