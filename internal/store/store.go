// Package store persists bulk jobs and their prompts and exposes the
// conditional updates the scheduler and service coordinate through.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/makeasinger/bulkgen/internal/model"
)

var (
	// ErrNotFound is returned when a job or prompt does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimed is returned when no pending prompt could be claimed.
	ErrNotClaimed = errors.New("no claimable prompt")
	// ErrStatusConflict is returned when a conditional update found the
	// document in a status other than the expected ones.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// JobQuery filters ListJobs
type JobQuery struct {
	Status model.JobStatus
	Limit  int
}

// PromptQuery filters ListPrompts
type PromptQuery struct {
	JobID    string
	Statuses []model.PromptStatus
	IDs      []string
	Limit    int
}

// JobUpdate describes a conditional job status change.
type JobUpdate struct {
	Status model.JobStatus
	// SetStartedAt stamps started_at when it is not already set.
	SetStartedAt bool
	// SetCompletedAt stamps completed_at; ClearCompletedAt removes it.
	SetCompletedAt   bool
	ClearCompletedAt bool
}

// PromptUpdate describes a bulk prompt status change.
type PromptUpdate struct {
	Status model.PromptStatus
	Error  string
	// Reset clears remote job, output, error, timestamps and scores.
	Reset          bool
	SetCompletedAt bool
}

// Store is the job/prompt persistence used by the service and the scheduler.
// Every write is a single-document or single-collection conditional update;
// nothing spans jobs and prompts atomically.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job, prompts []model.TestPrompt) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]model.Job, error)

	// UpdateJobStatus applies upd only if the job is currently in one of from.
	UpdateJobStatus(ctx context.Context, id string, from []model.JobStatus, upd JobUpdate) (*model.Job, error)
	SetJobInstance(ctx context.Context, id, instanceID string) (*model.Job, error)
	// SaveCounters writes a counters snapshot and progress.
	SaveCounters(ctx context.Context, id string, c model.Counters) (*model.Job, error)
	SetLastPrompt(ctx context.Context, jobID, promptID string) error

	GetPrompt(ctx context.Context, id string) (*model.TestPrompt, error)
	ListPrompts(ctx context.Context, q PromptQuery) ([]model.TestPrompt, error)
	CountPrompts(ctx context.Context, jobID string) (model.Counters, error)
	// UpdatePrompts moves every prompt of the job in one of from to upd.Status.
	UpdatePrompts(ctx context.Context, jobID string, from []model.PromptStatus, upd PromptUpdate) (int64, error)
	// ReassignPrompts rewrites the instance of the job's prompts in the given statuses.
	ReassignPrompts(ctx context.Context, jobID string, statuses []model.PromptStatus, instanceID string) (int64, error)

	// ActiveInstances lists the instance keys with work: the pinned instance of
	// every Processing job and the instance of every Pending or Processing
	// prompt that belongs to one.
	ActiveInstances(ctx context.Context) ([]string, error)
	// ClaimNextPrompt flips the oldest Pending prompt of a Processing job on
	// any of the given instances to Processing. No instances means the
	// unpinned bucket. Returns ErrNotClaimed when none is left.
	ClaimNextPrompt(ctx context.Context, instanceIDs ...string) (*model.TestPrompt, error)
	// RevertPrompt moves a Processing prompt back to Pending. It reports false
	// when the prompt was no longer Processing.
	RevertPrompt(ctx context.Context, id string) (bool, error)
	SetRemoteJob(ctx context.Context, id, remoteJobID string) error
	CompletePrompt(ctx context.Context, id string, out model.PromptOutcome) error
	FailPrompt(ctx context.Context, id, message string) error
	// ReleaseStale reverts prompts stuck in Processing since before the cutoff.
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)

	// AddScore adds delta to a completed prompt's pairwise score.
	AddScore(ctx context.Context, jobID, promptID string, delta float64) error
	// ApplyRating adds weight to the batch rating of every listed completed prompt.
	ApplyRating(ctx context.Context, jobID string, ids []string, weight float64) (int64, error)

	Close(ctx context.Context) error
}

// CanceledByUser is the error recorded on prompts canceled by an operator.
const CanceledByUser = "Canceled by user"
