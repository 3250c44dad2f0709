package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/makeasinger/bulkgen/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps jobs and prompts in process memory. Each method holds the
// lock for one logical document update, matching the per-document atomicity
// the Mongo store provides. Used for tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	prompts map[string]*model.TestPrompt
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		prompts: make(map[string]*model.TestPrompt),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.Job, prompts []model.TestPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = cloneJob(job)
	for i := range prompts {
		s.prompts[prompts[i].ID] = clonePrompt(&prompts[i])
	}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, q JobQuery) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		jobs = append(jobs, *cloneJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].UpdatedAt.Equal(jobs[b].UpdatedAt) {
			return jobs[a].UpdatedAt.After(jobs[b].UpdatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
	if q.Limit > 0 && len(jobs) > q.Limit {
		jobs = jobs[:q.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id string, from []model.JobStatus, upd JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return nil, ErrStatusConflict
	}

	now := s.now()
	job.Status = upd.Status
	job.UpdatedAt = now
	if upd.SetStartedAt && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if upd.SetCompletedAt {
		job.CompletedAt = &now
	}
	if upd.ClearCompletedAt {
		job.CompletedAt = nil
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) SetJobInstance(ctx context.Context, id, instanceID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job.InstanceID = instanceID
	job.UpdatedAt = s.now()
	return cloneJob(job), nil
}

func (s *MemoryStore) SaveCounters(ctx context.Context, id string, c model.Counters) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job.Counters = c
	job.Progress = c.Progress()
	job.UpdatedAt = s.now()
	return cloneJob(job), nil
}

func (s *MemoryStore) SetLastPrompt(ctx context.Context, jobID, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.LastPromptID = promptID
	return nil
}

func (s *MemoryStore) GetPrompt(ctx context.Context, id string) (*model.TestPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrompt(p), nil
}

func (s *MemoryStore) ListPrompts(ctx context.Context, q PromptQuery) ([]model.TestPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TestPrompt
	for _, p := range s.prompts {
		if q.JobID != "" && p.JobID != q.JobID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, p.Status) {
			continue
		}
		if len(q.IDs) > 0 && !slices.Contains(q.IDs, p.ID) {
			continue
		}
		out = append(out, *clonePrompt(p))
	}
	sortOldestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountPrompts(ctx context.Context, jobID string) (model.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c model.Counters
	for _, p := range s.prompts {
		if p.JobID == jobID {
			c.Add(p.Status, 1)
		}
	}
	return c, nil
}

func (s *MemoryStore) UpdatePrompts(ctx context.Context, jobID string, from []model.PromptStatus, upd PromptUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, p := range s.prompts {
		if p.JobID != jobID || !slices.Contains(from, p.Status) {
			continue
		}
		applyPromptUpdate(p, upd, now)
		n++
	}
	return n, nil
}

func (s *MemoryStore) ReassignPrompts(ctx context.Context, jobID string, statuses []model.PromptStatus, instanceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.prompts {
		if p.JobID != jobID || !slices.Contains(statuses, p.Status) {
			continue
		}
		p.InstanceID = instanceID
		p.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

func (s *MemoryStore) ActiveInstances(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	for _, j := range s.jobs {
		if j.Status == model.JobStatusProcessing {
			set[j.InstanceID] = struct{}{}
		}
	}
	for _, p := range s.prompts {
		if p.Status != model.PromptStatusPending && p.Status != model.PromptStatusProcessing {
			continue
		}
		if j, ok := s.jobs[p.JobID]; ok && j.Status == model.JobStatusProcessing {
			set[p.InstanceID] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ClaimNextPrompt(ctx context.Context, instanceIDs ...string) (*model.TestPrompt, error) {
	if len(instanceIDs) == 0 {
		instanceIDs = []string{""}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.TestPrompt
	for _, p := range s.prompts {
		if p.Status != model.PromptStatusPending || !slices.Contains(instanceIDs, p.InstanceID) {
			continue
		}
		if j, ok := s.jobs[p.JobID]; !ok || j.Status != model.JobStatusProcessing {
			continue
		}
		if oldest == nil || olderThan(p, oldest) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, ErrNotClaimed
	}

	now := s.now()
	oldest.Status = model.PromptStatusProcessing
	oldest.StartedAt = &now
	oldest.UpdatedAt = now
	return clonePrompt(oldest), nil
}

func (s *MemoryStore) RevertPrompt(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != model.PromptStatusProcessing {
		return false, nil
	}
	p.Status = model.PromptStatusPending
	p.StartedAt = nil
	p.RemoteJobID = ""
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) SetRemoteJob(ctx context.Context, id, remoteJobID string) error {
	return s.updateProcessing(id, func(p *model.TestPrompt, _ time.Time) {
		p.RemoteJobID = remoteJobID
	})
}

func (s *MemoryStore) CompletePrompt(ctx context.Context, id string, out model.PromptOutcome) error {
	return s.updateProcessing(id, func(p *model.TestPrompt, now time.Time) {
		p.Status = model.PromptStatusCompleted
		p.Filename = out.Filename
		p.FileURL = out.FileURL
		p.OutputFiles = slices.Clone(out.OutputFiles)
		p.Error = ""
		p.CompletedAt = &now
	})
}

func (s *MemoryStore) FailPrompt(ctx context.Context, id, message string) error {
	return s.updateProcessing(id, func(p *model.TestPrompt, now time.Time) {
		p.Status = model.PromptStatusCanceled
		p.Error = message
		p.CompletedAt = &now
	})
}

func (s *MemoryStore) updateProcessing(id string, fn func(p *model.TestPrompt, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != model.PromptStatusProcessing {
		return ErrStatusConflict
	}
	now := s.now()
	fn(p, now)
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.prompts {
		if p.Status != model.PromptStatusProcessing || p.StartedAt == nil || !p.StartedAt.Before(before) {
			continue
		}
		p.Status = model.PromptStatusPending
		p.StartedAt = nil
		p.RemoteJobID = ""
		p.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

func (s *MemoryStore) AddScore(ctx context.Context, jobID, promptID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[promptID]
	if !ok || p.JobID != jobID || p.Status != model.PromptStatusCompleted {
		return ErrNotFound
	}
	p.ScoreTotal += delta
	p.ScoreCount++
	return nil
}

func (s *MemoryStore) ApplyRating(ctx context.Context, jobID string, ids []string, weight float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		p, ok := s.prompts[id]
		if !ok || p.JobID != jobID || p.Status != model.PromptStatusCompleted {
			continue
		}
		p.RatingTotal += weight
		p.RatingCount++
		n++
	}
	return n, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func applyPromptUpdate(p *model.TestPrompt, upd PromptUpdate, now time.Time) {
	p.Status = upd.Status
	p.UpdatedAt = now
	if upd.Error != "" {
		p.Error = upd.Error
	}
	if upd.SetCompletedAt {
		p.CompletedAt = &now
	}
	if upd.Reset {
		p.RemoteJobID = ""
		p.Error = ""
		p.Filename = ""
		p.FileURL = ""
		p.OutputFiles = nil
		p.StartedAt = nil
		p.CompletedAt = nil
		p.ScoreTotal, p.ScoreCount = 0, 0
		p.RatingTotal, p.RatingCount = 0, 0
	}
}

func olderThan(a, b *model.TestPrompt) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortOldestFirst(prompts []model.TestPrompt) {
	sort.Slice(prompts, func(i, j int) bool {
		return olderThan(&prompts[i], &prompts[j])
	})
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Templates = slices.Clone(j.Templates)
	c.PlaceholderKeys = slices.Clone(j.PlaceholderKeys)
	c.PlaceholderValues = cloneLists(j.PlaceholderValues)
	c.InputSlots = cloneLists(j.InputSlots)
	c.VariablesAvailable = slices.Clone(j.VariablesAvailable)
	c.BaseInputs = maps.Clone(j.BaseInputs)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func clonePrompt(p *model.TestPrompt) *model.TestPrompt {
	c := *p
	c.PlaceholderValues = maps.Clone(p.PlaceholderValues)
	c.InputValues = maps.Clone(p.InputValues)
	c.OutputFiles = slices.Clone(p.OutputFiles)
	c.StartedAt = cloneTime(p.StartedAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

func cloneLists(in []model.ValueList) []model.ValueList {
	if in == nil {
		return nil
	}
	out := make([]model.ValueList, len(in))
	for i, l := range in {
		out[i] = model.ValueList{Key: l.Key, Values: slices.Clone(l.Values)}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
