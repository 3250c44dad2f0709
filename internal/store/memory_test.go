package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/bulkgen/internal/model"
)

func seed(t *testing.T, s *MemoryStore, jobID, instance string, status model.JobStatus, n int) []model.TestPrompt {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &model.Job{ID: jobID, Name: jobID, Status: status, InstanceID: instance, CreatedAt: base, UpdatedAt: base}
	prompts := make([]model.TestPrompt, n)
	for i := range prompts {
		prompts[i] = model.TestPrompt{
			ID:         fmt.Sprintf("%s-p%02d", jobID, i),
			JobID:      jobID,
			PromptText: fmt.Sprintf("prompt %d", i),
			Status:     model.PromptStatusPending,
			InstanceID: instance,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, s.CreateJob(context.Background(), job, prompts))
	return prompts
}

func TestClaimNextPrompt_OldestFirst(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "gpu-a", model.JobStatusProcessing, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := s.ClaimNextPrompt(ctx, "gpu-a")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-p%02d", i), p.ID)
		assert.Equal(t, model.PromptStatusProcessing, p.Status)
		assert.NotNil(t, p.StartedAt)
	}

	_, err := s.ClaimNextPrompt(ctx, "gpu-a")
	assert.True(t, errors.Is(err, ErrNotClaimed))
}

func TestClaimNextPrompt_RespectsInstanceAndJobStatus(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "paused", "gpu-a", model.JobStatusPaused, 1)
	seed(t, s, "other", "gpu-b", model.JobStatusProcessing, 1)
	seed(t, s, "unpinned", "", model.JobStatusProcessing, 1)
	ctx := context.Background()

	_, err := s.ClaimNextPrompt(ctx, "gpu-a")
	assert.ErrorIs(t, err, ErrNotClaimed)

	p, err := s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "unpinned", p.JobID)
}

func TestClaimNextPrompt_SeveralInstancesOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "b-pinned", "gpu-a", model.JobStatusProcessing, 2)
	seed(t, s, "a-unpinned", "", model.JobStatusProcessing, 2)
	seed(t, s, "c-other", "gpu-b", model.JobStatusProcessing, 1)
	ctx := context.Background()

	var got []string
	for {
		p, err := s.ClaimNextPrompt(ctx, "gpu-a", "")
		if errors.Is(err, ErrNotClaimed) {
			break
		}
		require.NoError(t, err)
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"a-unpinned-p00", "b-pinned-p00", "a-unpinned-p01", "b-pinned-p01"}, got)

	p, err := s.ClaimNextPrompt(ctx, "gpu-b")
	require.NoError(t, err)
	assert.Equal(t, "c-other-p00", p.ID)
}

func TestClaimNextPrompt_Exclusive(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "gpu-a", model.JobStatusProcessing, 1)

	var wins atomic.Int32
	var misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimNextPrompt(context.Background(), "gpu-a")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNotClaimed):
				misses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 31, misses.Load())
}

func TestClaimNextPrompt_ManyPromptsClaimedOnce(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "gpu-a", model.JobStatusProcessing, 50)

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, err := s.ClaimNextPrompt(context.Background(), "gpu-a")
				if err != nil {
					return
				}
				mu.Lock()
				claimed[p.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "prompt %s claimed %d times", id, n)
	}
}

func TestRevertPrompt(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "gpu-a", model.JobStatusProcessing, 1)
	ctx := context.Background()

	p, err := s.ClaimNextPrompt(ctx, "gpu-a")
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteJob(ctx, p.ID, "remote-1"))

	ok, err := s.RevertPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PromptStatusPending, got.Status)
	assert.Empty(t, got.RemoteJobID)
	assert.Nil(t, got.StartedAt)

	// a second revert finds it no longer Processing
	ok, err = s.RevertPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteAndFailRequireProcessing(t *testing.T) {
	s := NewMemoryStore()
	prompts := seed(t, s, "job", "gpu-a", model.JobStatusProcessing, 2)
	ctx := context.Background()

	err := s.CompletePrompt(ctx, prompts[0].ID, model.PromptOutcome{Filename: "a.png"})
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.ErrorIs(t, s.FailPrompt(ctx, "missing", "boom"), ErrNotFound)

	p, err := s.ClaimNextPrompt(ctx, "gpu-a")
	require.NoError(t, err)
	require.NoError(t, s.CompletePrompt(ctx, p.ID, model.PromptOutcome{
		Filename:    "a.png",
		FileURL:     "/files/a.png",
		OutputFiles: []string{"a.png", "b.png"},
	}))

	q, err := s.ClaimNextPrompt(ctx, "gpu-a")
	require.NoError(t, err)
	require.NoError(t, s.FailPrompt(ctx, q.ID, "backend exploded"))

	done, err := s.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PromptStatusCompleted, done.Status)
	assert.Equal(t, []string{"a.png", "b.png"}, done.OutputFiles)

	failed, err := s.GetPrompt(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PromptStatusCanceled, failed.Status)
	assert.Equal(t, "backend exploded", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestUpdatePrompts_OnlyMatchingStatuses(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "", model.JobStatusProcessing, 3)
	ctx := context.Background()

	_, err := s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)

	n, err := s.UpdatePrompts(ctx, "job", []model.PromptStatus{model.PromptStatusPending}, PromptUpdate{Status: model.PromptStatusPaused})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	c, err := s.CountPrompts(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Total: 3, Processing: 1, Paused: 2}, c)
}

func TestUpdatePrompts_ResetClearsOutputAndScores(t *testing.T) {
	s := NewMemoryStore()
	prompts := seed(t, s, "job", "", model.JobStatusProcessing, 1)
	ctx := context.Background()

	p, err := s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteJob(ctx, p.ID, "remote"))
	require.NoError(t, s.FailPrompt(ctx, p.ID, "timeout"))
	s.prompts[prompts[0].ID].ScoreTotal = 3
	s.prompts[prompts[0].ID].ScoreCount = 4

	n, err := s.UpdatePrompts(ctx, "job", []model.PromptStatus{model.PromptStatusCanceled},
		PromptUpdate{Status: model.PromptStatusPending, Reset: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PromptStatusPending, got.Status)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.RemoteJobID)
	assert.Zero(t, got.ScoreCount)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateJobStatus_Conditional(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "", model.JobStatusCreated, 0)
	ctx := context.Background()

	job, err := s.UpdateJobStatus(ctx, "job", []model.JobStatus{model.JobStatusCreated},
		JobUpdate{Status: model.JobStatusProcessing, SetStartedAt: true})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	_, err = s.UpdateJobStatus(ctx, "job", []model.JobStatus{model.JobStatusCreated},
		JobUpdate{Status: model.JobStatusProcessing})
	assert.ErrorIs(t, err, ErrStatusConflict)

	_, err = s.UpdateJobStatus(ctx, "nope", []model.JobStatus{model.JobStatusCreated}, JobUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)

	job, err = s.UpdateJobStatus(ctx, "job", []model.JobStatus{model.JobStatusProcessing},
		JobUpdate{Status: model.JobStatusPaused, SetStartedAt: true})
	require.NoError(t, err)
	assert.Equal(t, started, *job.StartedAt)
}

func TestActiveInstances(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "a", "gpu-a", model.JobStatusProcessing, 1)
	seed(t, s, "b", "gpu-b", model.JobStatusPaused, 1)
	seed(t, s, "c", "", model.JobStatusProcessing, 1)
	ctx := context.Background()

	// a prompt of job a was moved to gpu-c before the job itself
	_, err := s.ReassignPrompts(ctx, "a", []model.PromptStatus{model.PromptStatusPending}, "gpu-c")
	require.NoError(t, err)

	got, err := s.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "gpu-a", "gpu-c"}, got)
}

func TestReleaseStale(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "", model.JobStatusProcessing, 2)
	ctx := context.Background()

	s.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err := s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)
	s.now = time.Now
	_, err = s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)

	n, err := s.ReleaseStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestScoresOnlyOnCompletedPrompts(t *testing.T) {
	s := NewMemoryStore()
	prompts := seed(t, s, "job", "", model.JobStatusProcessing, 2)
	ctx := context.Background()

	p, err := s.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.CompletePrompt(ctx, p.ID, model.PromptOutcome{Filename: "x.png"}))

	require.NoError(t, s.AddScore(ctx, "job", p.ID, 0.5))
	assert.ErrorIs(t, s.AddScore(ctx, "job", prompts[1].ID, 1), ErrNotFound)
	assert.ErrorIs(t, s.AddScore(ctx, "other", p.ID, 1), ErrNotFound)

	n, err := s.ApplyRating(ctx, "job", []string{p.ID, prompts[1].ID, "missing"}, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.ScoreTotal)
	assert.Equal(t, 1, got.ScoreCount)
	assert.Equal(t, 1.0, got.RatingTotal)
	assert.InDelta(t, 0.75, got.MeanScore(), 1e-9)
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job", "", model.JobStatusCreated, 1)
	ctx := context.Background()

	job, err := s.GetJob(ctx, "job")
	require.NoError(t, err)
	job.Status = model.JobStatusCanceled

	again, err := s.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCreated, again.Status)
}
