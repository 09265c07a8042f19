// Package queue manages asynchronous generation jobs: an explicit registry
// service that owns job lifecycle, ordered event buffering with replay to
// late subscribers, TTL eviction of finished jobs, and job stubs persisted
// for discovery by sibling processes.
package queue

import (
	"time"
)

// JobStatus is the lifecycle status of a generation job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Job is one asynchronous generation run.
type Job struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	BlueprintID string    `json:"blueprint_id"`
	Request     string    `json:"request"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
