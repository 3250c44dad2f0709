package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/store"
	"github.com/makeasinger/bulkgen/internal/variant"
)

// Waker asks the scheduler to rescan for work
type Waker interface {
	Wake()
}

type noopWaker struct{}

func (noopWaker) Wake() {}

// Options tunes BulkService
type Options struct {
	// MaxPrompts caps the size of one expansion; zero means no cap.
	MaxPrompts int
}

// BulkService handles bulk job creation, operator actions and reads
type BulkService struct {
	store      store.Store
	counters   *Aggregator
	waker      Waker
	maxPrompts int
	now        func() time.Time
}

func NewBulkService(st store.Store, counters *Aggregator, waker Waker, opts Options) *BulkService {
	if waker == nil {
		waker = noopWaker{}
	}
	return &BulkService{
		store:      st,
		counters:   counters,
		waker:      waker,
		maxPrompts: opts.MaxPrompts,
		now:        time.Now,
	}
}

func specFromRequest(req *model.CreateJobRequest) variant.Spec {
	return variant.Spec{
		Templates:      req.Templates,
		Placeholders:   req.PlaceholderValues,
		Inputs:         req.ImageInputs,
		NegativePrompt: req.NegativePrompt != nil && strings.TrimSpace(*req.NegativePrompt) != "",
	}
}

// Expand validates a create request and returns the prompts it would seed
// without persisting anything.
func (s *BulkService) Expand(req *model.CreateJobRequest) (*model.Job, []model.TestPrompt, error) {
	spec := specFromRequest(req)
	if err := variant.Validate(spec); err != nil {
		return nil, nil, invalid("templates", "%s", strings.TrimPrefix(err.Error(), variant.ErrInvalidSpec.Error()+": "))
	}
	if n := variant.Count(spec); s.maxPrompts > 0 && n > s.maxPrompts {
		return nil, nil, invalid("placeholderValues", "expansion yields %d prompts, limit is %d", n, s.maxPrompts)
	}

	items, err := variant.Expand(spec)
	if err != nil {
		return nil, nil, invalid("templates", "%s", err.Error())
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:                 newID(),
		Name:               strings.TrimSpace(req.Name),
		Workflow:           req.Workflow,
		Templates:          req.Templates,
		PlaceholderKeys:    variant.Keys(req.Templates[0].Template),
		PlaceholderValues:  req.PlaceholderValues,
		InputSlots:         req.ImageInputs,
		BaseInputs:         req.BaseInputs,
		InstanceID:         strings.TrimSpace(req.InstanceID),
		Status:             model.JobStatusCreated,
		VariablesAvailable: variant.Variables(spec),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if spec.NegativePrompt {
		neg := strings.TrimSpace(*req.NegativePrompt)
		job.NegativePrompt = &neg
	}
	if job.BaseInputs == nil {
		job.BaseInputs = map[string]any{}
	}

	prompts := make([]model.TestPrompt, len(items))
	for i, it := range items {
		tmpl := req.Templates[it.TemplateIndex]
		label := variant.TemplateLabel(it.TemplateIndex, tmpl)
		prompts[i] = model.TestPrompt{
			ID:                newID(),
			JobID:             job.ID,
			TemplateIndex:     it.TemplateIndex,
			TemplateLabel:     label,
			PromptText:        variant.Render(tmpl.Template, it.Placeholders),
			PlaceholderValues: it.Placeholders,
			InputValues:       it.Inputs,
			NegativeUsed:      it.NegativeUsed,
			Status:            model.PromptStatusPending,
			InstanceID:        job.InstanceID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	job.Counters = model.Counters{Total: len(prompts), Pending: len(prompts)}
	return job, prompts, nil
}

// CreateJob expands the request and seeds the job with all of its prompts as Pending
func (s *BulkService) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	job, prompts, err := s.Expand(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job, prompts); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	logger.App().WithFields(logrus.Fields{
		"job_id":   job.ID,
		"prompts":  len(prompts),
		"instance": job.InstanceID,
	}).Info("Bulk job created")

	return &model.CreateJobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		PromptCount: len(prompts),
		CreatedAt:   job.CreatedAt,
	}, nil
}

// GetJob returns one job with its last counters snapshot
func (s *BulkService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns the most recently updated jobs
func (s *BulkService) ListJobs(ctx context.Context, status string, limit int) ([]model.Job, error) {
	q := store.JobQuery{Limit: clampLimit(limit, 50, 200)}
	if status != "" {
		st, ok := model.ParseJobStatus(status)
		if !ok {
			return nil, invalid("status", "unknown job status %q", status)
		}
		q.Status = st
	}
	return s.store.ListJobs(ctx, q)
}

// ListPrompts returns a job's prompts oldest first, optionally filtered by status
func (s *BulkService) ListPrompts(ctx context.Context, jobID, status string, limit int) ([]model.TestPrompt, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	q := store.PromptQuery{JobID: jobID, Limit: clampLimit(limit, 500, 5000)}
	if status != "" {
		st, ok := model.ParsePromptStatus(status)
		if !ok {
			return nil, invalid("status", "unknown prompt status %q", status)
		}
		q.Statuses = []model.PromptStatus{st}
	}
	return s.store.ListPrompts(ctx, q)
}

// ApplyAction runs an operator action against a job and returns the refreshed job
func (s *BulkService) ApplyAction(ctx context.Context, jobID string, req *model.JobActionRequest) (*model.JobActionResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	log := logger.App().WithFields(logrus.Fields{"job_id": jobID, "action": req.Action})

	var changed int64
	switch req.Action {
	case model.JobActionStart:
		changed, err = s.start(ctx, job)
	case model.JobActionPause:
		changed, err = s.pause(ctx, job)
	case model.JobActionResume:
		changed, err = s.resume(ctx, job)
	case model.JobActionCancel:
		if job.Status == model.JobStatusCanceled {
			log.Debug("Job already canceled")
			return actionResponse(job, req.Action, 0), nil
		}
		changed, err = s.cancel(ctx, job)
	case model.JobActionRedoCanceled:
		changed, err = s.redoCanceled(ctx, job)
	case model.JobActionSetInstance:
		if req.InstanceID == nil {
			return nil, invalid("instance_id", "required for set_instance")
		}
		changed, err = s.setInstance(ctx, job, strings.TrimSpace(*req.InstanceID))
	default:
		return nil, invalid("action", "unknown action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}

	refreshed, err := s.counters.Refresh(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case model.JobActionStart, model.JobActionResume, model.JobActionRedoCanceled, model.JobActionSetInstance:
		s.waker.Wake()
	}

	log.WithFields(logrus.Fields{"status": refreshed.Status, "changed": changed}).Info("Job action applied")
	return actionResponse(refreshed, req.Action, changed), nil
}

func actionResponse(job *model.Job, action model.JobAction, changed int64) *model.JobActionResponse {
	return &model.JobActionResponse{
		JobID:    job.ID,
		Action:   action,
		Status:   job.Status,
		Counters: job.Counters,
		Progress: job.Progress,
		Changed:  changed,
	}
}

// transition moves the job to the action's target status if it is in one of
// the action's source statuses.
func (s *BulkService) transition(ctx context.Context, job *model.Job, action model.JobAction, upd store.JobUpdate) error {
	to, _ := action.TargetStatus()
	upd.Status = to
	from := model.ActionSources(action)
	if !slices.Contains(from, job.Status) {
		return fmt.Errorf("%w: cannot %s a %s job", model.ErrInvalidTransition, action, job.Status)
	}
	if err := model.CheckJobTransition(job.Status, to); err != nil {
		return err
	}

	updated, err := s.store.UpdateJobStatus(ctx, job.ID, from, upd)
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: job %s changed concurrently", model.ErrInvalidTransition, job.ID)
	}
	if err != nil {
		return err
	}
	*job = *updated
	return nil
}

func (s *BulkService) start(ctx context.Context, job *model.Job) (int64, error) {
	switch job.Status {
	case model.JobStatusProcessing:
		return 0, nil
	case model.JobStatusPaused:
		return s.resume(ctx, job)
	}
	return 0, s.transition(ctx, job, model.JobActionStart, store.JobUpdate{SetStartedAt: true})
}

func (s *BulkService) pause(ctx context.Context, job *model.Job) (int64, error) {
	if job.Status == model.JobStatusPaused {
		return 0, nil
	}
	if err := s.transition(ctx, job, model.JobActionPause, store.JobUpdate{}); err != nil {
		return 0, err
	}
	return s.store.UpdatePrompts(ctx, job.ID,
		[]model.PromptStatus{model.PromptStatusPending},
		store.PromptUpdate{Status: model.PromptStatusPaused})
}

func (s *BulkService) resume(ctx context.Context, job *model.Job) (int64, error) {
	if job.Status == model.JobStatusProcessing {
		return 0, nil
	}
	if err := s.transition(ctx, job, model.JobActionResume, store.JobUpdate{SetStartedAt: true}); err != nil {
		return 0, err
	}
	return s.store.UpdatePrompts(ctx, job.ID,
		[]model.PromptStatus{model.PromptStatusPaused},
		store.PromptUpdate{Status: model.PromptStatusPending})
}

func (s *BulkService) cancel(ctx context.Context, job *model.Job) (int64, error) {
	if err := s.transition(ctx, job, model.JobActionCancel, store.JobUpdate{SetCompletedAt: true}); err != nil {
		return 0, err
	}
	return s.store.UpdatePrompts(ctx, job.ID,
		model.PromptSourcesFor(model.PromptStatusCanceled),
		store.PromptUpdate{Status: model.PromptStatusCanceled, Error: store.CanceledByUser, SetCompletedAt: true})
}

func (s *BulkService) redoCanceled(ctx context.Context, job *model.Job) (int64, error) {
	// a running job may retry its failed prompts without a status change
	if job.Status != model.JobStatusProcessing && !slices.Contains(model.ActionSources(model.JobActionRedoCanceled), job.Status) {
		return 0, fmt.Errorf("%w: cannot redo_canceled a %s job", model.ErrInvalidTransition, job.Status)
	}

	n, err := s.store.UpdatePrompts(ctx, job.ID,
		[]model.PromptStatus{model.PromptStatusCanceled},
		store.PromptUpdate{Status: model.PromptStatusPending, Reset: true})
	if err != nil || n == 0 || job.Status == model.JobStatusProcessing {
		return n, err
	}
	return n, s.transition(ctx, job, model.JobActionRedoCanceled, store.JobUpdate{ClearCompletedAt: true, SetStartedAt: true})
}

func (s *BulkService) setInstance(ctx context.Context, job *model.Job, instanceID string) (int64, error) {
	if _, err := s.store.SetJobInstance(ctx, job.ID, instanceID); err != nil {
		return 0, err
	}
	// in-flight prompts keep the instance they were claimed on
	return s.store.ReassignPrompts(ctx, job.ID,
		[]model.PromptStatus{model.PromptStatusPending, model.PromptStatusPaused}, instanceID)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
