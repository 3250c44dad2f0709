package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/store"
)

// Notifier receives job snapshots after every counters refresh
type Notifier interface {
	JobProgress(job *model.Job)
	JobCompleted(job *model.Job)
}

type noopNotifier struct{}

func (noopNotifier) JobProgress(*model.Job)  {}
func (noopNotifier) JobCompleted(*model.Job) {}

// Aggregator recomputes job counters from prompt rows
type Aggregator struct {
	store  store.Store
	notify Notifier
}

func NewAggregator(st store.Store, n Notifier) *Aggregator {
	if n == nil {
		n = noopNotifier{}
	}
	return &Aggregator{store: st, notify: n}
}

// ShouldAutoComplete reports whether a job with these counters is finished.
func ShouldAutoComplete(status model.JobStatus, c model.Counters) bool {
	if c.Total == 0 || c.Unfinished() != 0 {
		return false
	}
	return model.CanTransitionJob(status, model.JobStatusCompleted)
}

// Refresh reads the current prompt statuses of a job, stores the snapshot and
// completes the job when nothing is left to do. Concurrent calls converge on
// the same snapshot.
func (a *Aggregator) Refresh(ctx context.Context, jobID string) (*model.Job, error) {
	c, err := a.store.CountPrompts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count prompts: %w", err)
	}
	job, err := a.store.SaveCounters(ctx, jobID, c)
	if err != nil {
		return nil, fmt.Errorf("failed to save counters: %w", err)
	}

	if ShouldAutoComplete(job.Status, c) {
		done, err := a.store.UpdateJobStatus(ctx, jobID,
			[]model.JobStatus{model.JobStatusProcessing, model.JobStatusPaused},
			store.JobUpdate{Status: model.JobStatusCompleted, SetCompletedAt: true})
		switch {
		case err == nil:
			job = done
			logger.App().WithFields(logrus.Fields{
				"job_id":    jobID,
				"completed": c.Completed,
				"canceled":  c.Canceled,
			}).Info("Bulk job completed")
			a.notify.JobCompleted(job)
		case errors.Is(err, store.ErrStatusConflict):
			// canceled or completed by someone else in between
		default:
			return nil, fmt.Errorf("failed to complete job: %w", err)
		}
	}

	a.notify.JobProgress(job)
	return job, nil
}
