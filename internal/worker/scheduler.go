package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"mime"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/config"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
	"github.com/makeasinger/bulkgen/internal/store"
)

// errPromptReleased means the prompt left Processing while it was generating.
var errPromptReleased = errors.New("prompt no longer processing")

// Options tunes the scheduler loops
type Options struct {
	DiscoveryInterval time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	WakeDebounce      time.Duration
	MismatchBackoff   time.Duration
	StaleAfter        time.Duration
	// DefaultInstance is the hint sent to the backend for unpinned work.
	DefaultInstance string
}

// OptionsFromConfig maps scheduler configuration onto Options
func OptionsFromConfig(cfg *config.SchedulerConfig) Options {
	return Options{
		DiscoveryInterval: cfg.DiscoveryInterval,
		PollInterval:      cfg.PollInterval,
		PollMaxAttempts:   cfg.PollMaxAttempts,
		WakeDebounce:      cfg.WakeDebounce,
		MismatchBackoff:   cfg.MismatchBackoff,
		StaleAfter:        cfg.StaleAfter,
		DefaultInstance:   cfg.DefaultInstance,
	}
}

func (o *Options) applyDefaults() {
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = 600
	}
	if o.WakeDebounce < 0 {
		o.WakeDebounce = 0
	}
	if o.MismatchBackoff < 0 {
		o.MismatchBackoff = 0
	}
}

// Scheduler runs one claim-process loop per backend instance with pending
// work. Loops are keyed by the instance the backend sees, so the unpinned
// bucket and prompts pinned to DefaultInstance share one loop.
type Scheduler struct {
	store    store.Store
	counters *service.Aggregator
	gen      client.Generator
	storage  client.OutputStorage
	opts     Options
	log      *logrus.Logger

	// wake holds at most one pending re-scan request.
	wake    chan struct{}
	wakeSeq atomic.Uint64
	// workers maps backend instance to its running loop.
	workers sync.Map
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler; call Run to start it
func NewScheduler(st store.Store, counters *service.Aggregator, gen client.Generator, storage client.OutputStorage, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		store:    st,
		counters: counters,
		gen:      gen,
		storage:  storage,
		opts:     opts,
		log:      logger.Scheduler(),
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks for a discovery pass. Calls made while one is pending coalesce.
func (s *Scheduler) Wake() {
	s.wakeSeq.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a loop is active for the backend instance
func (s *Scheduler) Running(instance string) bool {
	_, ok := s.workers.Load(instance)
	return ok
}

// loopKey is the backend instance a prompt instance id runs on.
func (s *Scheduler) loopKey(instance string) string {
	return instanceHint(instance, s.opts.DefaultInstance)
}

// claimKeys lists the prompt instance ids served by the loop for key.
func (s *Scheduler) claimKeys(key string) []string {
	if key == s.opts.DefaultInstance && key != "" {
		return []string{key, ""}
	}
	return []string{key}
}

// Run drives discovery until ctx is canceled, then waits for every instance
// loop to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"discovery_interval": s.opts.DiscoveryInterval.String(),
		"poll_interval":      s.opts.PollInterval.String(),
		"poll_max_attempts":  s.opts.PollMaxAttempts,
	}).Info("Scheduler started")

	ticker := time.NewTicker(s.opts.DiscoveryInterval)
	defer ticker.Stop()

	var staleC <-chan time.Time
	if s.opts.StaleAfter > 0 {
		staleTicker := time.NewTicker(s.opts.StaleAfter / 2)
		defer staleTicker.Stop()
		staleC = staleTicker.C
		s.releaseStale(ctx)
	}

	s.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.discover(ctx)
		case <-s.wake:
			if !sleepCtx(ctx, s.opts.WakeDebounce) {
				continue
			}
			// wakes that arrived during the debounce ride on this scan
			select {
			case <-s.wake:
			default:
			}
			s.discover(ctx)
		case <-staleC:
			s.releaseStale(ctx)
		}
	}
}

// discover starts a loop for every instance with work and none running.
func (s *Scheduler) discover(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Panic during discovery, retrying next tick")
		}
	}()

	instances, err := s.store.ActiveInstances(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("Failed to discover active instances")
		}
		return
	}
	for _, instance := range instances {
		key := s.loopKey(instance)
		if _, running := s.workers.LoadOrStore(key, struct{}{}); running {
			continue
		}
		s.wg.Add(1)
		go s.runInstance(ctx, key)
	}
}

// runInstance claims and processes prompts for one instance until none is
// claimable.
func (s *Scheduler) runInstance(ctx context.Context, instance string) {
	defer s.wg.Done()
	log := s.log.WithField("instance", instance)
	log.Debug("Instance loop started")

	var seq uint64
	for ctx.Err() == nil {
		seq = s.wakeSeq.Load()
		more, err := s.step(ctx, instance)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Instance loop stopped on error")
			}
			break
		}
		if !more {
			break
		}
	}

	s.workers.Delete(instance)
	// work announced between the last claim and Delete found this loop still
	// registered; scan again so it is not left for the next tick
	if ctx.Err() == nil && s.wakeSeq.Load() != seq {
		s.Wake()
	}
	log.Debug("Instance loop finished")
}

// step handles at most one prompt. It reports whether the loop should continue.
func (s *Scheduler) step(ctx context.Context, instance string) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	p, err := s.store.ClaimNextPrompt(ctx, s.claimKeys(instance)...)
	if errors.Is(err, store.ErrNotClaimed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	defer s.refresh(ctx, p.JobID)

	log := s.log.WithFields(logrus.Fields{"instance": instance, "job_id": p.JobID, "prompt_id": p.ID})

	job, err := s.store.GetJob(ctx, p.JobID)
	if err != nil {
		s.revert(ctx, p.ID)
		return false, fmt.Errorf("load job: %w", err)
	}

	if job.InstanceID != p.InstanceID {
		log.WithField("job_instance", job.InstanceID).Warn("Claimed prompt under a stale instance, releasing it")
		s.revert(ctx, p.ID)
		if _, err := s.store.ReassignPrompts(ctx, job.ID, []model.PromptStatus{model.PromptStatusPending}, job.InstanceID); err != nil {
			log.WithError(err).Warn("Failed to reassign pending prompts")
		}
		s.Wake()
		return sleepCtx(ctx, s.opts.MismatchBackoff), nil
	}

	if job.Status != model.JobStatusProcessing {
		log.WithField("job_status", job.Status).Info("Job no longer processing, releasing prompt")
		if s.revert(ctx, p.ID) && job.Status == model.JobStatusPaused {
			if _, err := s.store.UpdatePrompts(ctx, job.ID,
				[]model.PromptStatus{model.PromptStatusPending},
				store.PromptUpdate{Status: model.PromptStatusPaused}); err != nil {
				log.WithError(err).Warn("Failed to pause released prompt")
			}
		}
		return true, nil
	}

	if err := s.process(ctx, job, p, log); err != nil {
		return false, err
	}
	s.Wake()
	return true, nil
}

// process runs one claimed prompt to a terminal status. Generation problems
// are recorded on the prompt; only store failures are returned.
func (s *Scheduler) process(ctx context.Context, job *model.Job, p *model.TestPrompt, log *logrus.Entry) error {
	hint := instanceHint(p.InstanceID, s.opts.DefaultInstance)
	started := time.Now()

	out, err := s.generate(ctx, job, p, hint, log)
	switch {
	case ctx.Err() != nil:
		// shutting down: hand the prompt back for the next process
		s.revert(ctx, p.ID)
		return nil
	case errors.Is(err, errPromptReleased):
		log.Info("Prompt was canceled while generating")
		return nil
	case err != nil:
		log.WithError(err).Warn("Prompt generation failed")
		if ferr := s.store.FailPrompt(ctx, p.ID, err.Error()); ferr != nil && !errors.Is(ferr, store.ErrStatusConflict) {
			return fmt.Errorf("record failure: %w", ferr)
		}
		return nil
	}

	if err := s.store.CompletePrompt(ctx, p.ID, out.PromptOutcome); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Info("Prompt was canceled before completion, discarding outputs")
			s.discard(ctx, out.OutputKeys)
			return nil
		}
		return fmt.Errorf("complete prompt: %w", err)
	}
	if err := s.store.SetLastPrompt(ctx, job.ID, p.ID); err != nil {
		log.WithError(err).Warn("Failed to record last prompt")
	}

	log.WithFields(logrus.Fields{
		"files":    len(out.OutputFiles),
		"duration": time.Since(started).Round(time.Millisecond).String(),
	}).Info("Prompt completed")
	return nil
}

type generated struct {
	model.PromptOutcome
	OutputKeys []string
}

// generate submits the prompt, waits for the remote job and stores every
// output file.
func (s *Scheduler) generate(ctx context.Context, job *model.Job, p *model.TestPrompt, hint string, log *logrus.Entry) (*generated, error) {
	remoteID, err := s.gen.Submit(ctx, job.Workflow, promptInputs(job, p), hint)
	if err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}
	log = log.WithField("remote_job_id", remoteID)
	log.Info("Prompt submitted")

	if err := s.store.SetRemoteJob(ctx, p.ID, remoteID); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, errPromptReleased
		}
		return nil, fmt.Errorf("record remote job: %w", err)
	}

	status, err := client.WaitForCompletion(ctx, s.gen, remoteID, hint, s.opts.PollInterval, s.opts.PollMaxAttempts)
	if err != nil {
		return nil, err
	}
	if len(status.Files) == 0 {
		return nil, errors.New("generation finished without output files")
	}

	// cancellation does not interrupt the remote call; check before downloading
	if cur, err := s.store.GetPrompt(ctx, p.ID); err == nil && cur.Status != model.PromptStatusProcessing {
		return nil, errPromptReleased
	}

	return s.saveOutputs(ctx, job.ID, p.ID, remoteID, hint, status.Files)
}

func (s *Scheduler) saveOutputs(ctx context.Context, jobID, promptID, remoteID, hint string, files []client.RemoteFile) (*generated, error) {
	out := &generated{}
	for i, f := range files {
		art, err := s.gen.Download(ctx, remoteID, i, hint)
		if err != nil {
			s.discard(ctx, out.OutputKeys)
			return nil, fmt.Errorf("download file %d: %w", i, err)
		}
		key := OutputKey(jobID, promptID, i, fileExt(f.Filename, art.ContentType))
		url, err := s.storage.Upload(ctx, key, bytes.NewReader(art.Data), art.ContentType)
		if err != nil {
			s.discard(ctx, out.OutputKeys)
			return nil, fmt.Errorf("store file %d: %w", i, err)
		}
		out.OutputKeys = append(out.OutputKeys, key)
		out.OutputFiles = append(out.OutputFiles, url)
	}
	out.Filename = path.Base(out.OutputKeys[0])
	out.FileURL = out.OutputFiles[0]
	return out, nil
}

func (s *Scheduler) discard(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Failed to delete orphaned output")
		}
	}
}

// revert hands a claimed prompt back to Pending. It survives shutdown.
func (s *Scheduler) revert(ctx context.Context, promptID string) bool {
	ok, err := s.store.RevertPrompt(context.WithoutCancel(ctx), promptID)
	if err != nil {
		s.log.WithError(err).WithField("prompt_id", promptID).Error("Failed to revert prompt")
	}
	return ok
}

func (s *Scheduler) refresh(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.counters.Refresh(ctx, jobID); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("Failed to refresh job counters")
	}
}

func (s *Scheduler) releaseStale(ctx context.Context) {
	n, err := s.store.ReleaseStale(ctx, time.Now().Add(-s.opts.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("Failed to release stale prompts")
		}
		return
	}
	if n > 0 {
		s.log.WithField("released", n).Warn("Released prompts stuck in processing")
		s.Wake()
	}
}

// OutputKey is the storage key of one downloaded output file
func OutputKey(jobID, promptID string, index int, ext string) string {
	return fmt.Sprintf("bulk/%s/%s_%d%s", jobID, promptID, index, ext)
}

func fileExt(filename, contentType string) string {
	if ext := path.Ext(filename); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func instanceHint(instance, fallback string) string {
	if instance == "" {
		return fallback
	}
	return instance
}

// promptInputs layers the prompt's own values over the job's base inputs.
func promptInputs(job *model.Job, p *model.TestPrompt) map[string]any {
	inputs := maps.Clone(job.BaseInputs)
	if inputs == nil {
		inputs = make(map[string]any, len(p.InputValues)+2)
	}
	for k, v := range p.InputValues {
		inputs[k] = v
	}
	inputs["prompt"] = p.PromptText
	if p.NegativeUsed && job.NegativePrompt != nil {
		inputs["negative_prompt"] = *job.NegativePrompt
	}
	return inputs
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
