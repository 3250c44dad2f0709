package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/service"
)

const (
	// TaskTypeWake asks any scheduler process to run discovery
	TaskTypeWake = "bulk:wake"
	// QueueScheduler is the asynq queue wake tasks are published on
	QueueScheduler = "scheduler"
)

// Enqueuer is the part of asynq.Client used to publish wake tasks
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueWaker publishes wake requests through asynq so a scheduler in another
// process re-scans. Requests inside one uniqueness window collapse into one
// task.
type QueueWaker struct {
	client Enqueuer
	window time.Duration
	log    *logrus.Logger
}

// NewQueueWaker creates a waker publishing on the scheduler queue
func NewQueueWaker(client Enqueuer, debounce time.Duration) *QueueWaker {
	// asynq rejects uniqueness windows under one second
	window := max(debounce, time.Second)
	return &QueueWaker{client: client, window: window, log: logger.Scheduler()}
}

// Wake enqueues a wake task unless one is already waiting
func (w *QueueWaker) Wake() {
	task := asynq.NewTask(TaskTypeWake, nil)
	_, err := w.client.Enqueue(task,
		asynq.Queue(QueueScheduler),
		asynq.Unique(w.window),
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Second),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		w.log.WithError(err).Warn("Failed to publish scheduler wake")
	}
}

// NewWakeHandler returns the asynq handler that wakes the local scheduler
func NewWakeHandler(s *Scheduler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		s.Wake()
		return nil
	}
}

// MultiWaker fans one wake out to several wakers
type MultiWaker []service.Waker

func (m MultiWaker) Wake() {
	for _, w := range m {
		w.Wake()
	}
}
