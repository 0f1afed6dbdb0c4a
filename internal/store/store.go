// Package store persists the run log and the source file ETag cache, with
// SQLite and Postgres backends.
package store

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Counts holds per-phase counters recorded with a completed run.
type Counts map[string]int

// Run is one recorded pipeline execution.
type Run struct {
	ID         string
	Kind       string
	Status     RunStatus
	Counts     Counts
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store defines the persistence interface for run bookkeeping.
type Store interface {
	StartRun(ctx context.Context, kind string) (*Run, error)
	CompleteRun(ctx context.Context, runID string, counts Counts) error
	FailRun(ctx context.Context, runID string, runErr error) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Source cache: last seen ETag per source URL, used to skip unchanged
	// downloads.
	GetSourceETag(ctx context.Context, url string) (string, error)
	SetSourceETag(ctx context.Context, url string, etag string) error

	Migrate(ctx context.Context) error
	Close() error
}
