package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
	"github.com/makeasinger/bulkgen/internal/store"
)

type submitCall struct {
	workflow string
	inputs   map[string]any
	instance string
}

// fakeGen completes every remote job with two files unless told otherwise.
type fakeGen struct {
	mu          sync.Mutex
	seq         int
	submits     []submitCall
	prompts     map[string]string
	instances   map[string]string
	inflight    map[string]int
	maxInflight map[string]int

	failOn  map[string]bool
	running bool
	block   chan struct{}
	delay   time.Duration
}

func newFakeGen() *fakeGen {
	return &fakeGen{
		prompts:     make(map[string]string),
		instances:   make(map[string]string),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		failOn:      make(map[string]bool),
	}
}

func (g *fakeGen) Submit(ctx context.Context, workflow string, inputs map[string]any, instance string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("r-%d", g.seq)
	g.submits = append(g.submits, submitCall{workflow: workflow, inputs: inputs, instance: instance})
	g.prompts[id], _ = inputs["prompt"].(string)
	g.instances[id] = instance
	g.inflight[instance]++
	g.maxInflight[instance] = max(g.maxInflight[instance], g.inflight[instance])
	return id, nil
}

func (g *fakeGen) Status(ctx context.Context, remoteJobID, instance string) (*client.JobStatus, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return &client.JobStatus{Status: client.RemoteRunning}, nil
	}
	if g.failOn[g.prompts[remoteJobID]] {
		g.inflight[g.instances[remoteJobID]]--
		return &client.JobStatus{Status: client.RemoteFailed, Error: "sampler exploded"}, nil
	}
	return &client.JobStatus{
		Status: client.RemoteCompleted,
		Files:  []client.RemoteFile{{Filename: "out_0.png"}, {Filename: "out_1.png"}},
	}, nil
}

func (g *fakeGen) Download(ctx context.Context, remoteJobID string, index int, instance string) (*client.Artifact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if index == 1 {
		g.inflight[g.instances[remoteJobID]]--
	}
	return &client.Artifact{Data: []byte(remoteJobID), ContentType: "image/png"}, nil
}

func (g *fakeGen) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = data
	return "mem://" + key, nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// hookStore lets tests observe discovery and interfere right after a claim.
type hookStore struct {
	*store.MemoryStore
	discoveries atomic.Int32
	afterClaim  func(p *model.TestPrompt)
}

func (h *hookStore) ActiveInstances(ctx context.Context) ([]string, error) {
	h.discoveries.Add(1)
	return h.MemoryStore.ActiveInstances(ctx)
}

func (h *hookStore) ClaimNextPrompt(ctx context.Context, instances ...string) (*model.TestPrompt, error) {
	p, err := h.MemoryStore.ClaimNextPrompt(ctx, instances...)
	if err == nil && h.afterClaim != nil {
		h.afterClaim(p)
	}
	return p, err
}

type harness struct {
	store   *hookStore
	gen     *fakeGen
	storage *memStorage
	sched   *Scheduler
	svc     *service.BulkService
}

func newHarness(gen *fakeGen, opts Options) *harness {
	st := &hookStore{MemoryStore: store.NewMemoryStore()}
	storage := &memStorage{files: make(map[string][]byte)}
	agg := service.NewAggregator(st, nil)
	sched := NewScheduler(st, agg, gen, storage, opts)
	return &harness{
		store:   st,
		gen:     gen,
		storage: storage,
		sched:   sched,
		svc:     service.NewBulkService(st, agg, sched, service.Options{}),
	}
}

func fastOptions() Options {
	return Options{
		DiscoveryInterval: 20 * time.Millisecond,
		PollInterval:      time.Millisecond,
		PollMaxAttempts:   5,
		WakeDebounce:      5 * time.Millisecond,
	}
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("scheduler did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func jobRequest(instance string, values ...string) *model.CreateJobRequest {
	return &model.CreateJobRequest{
		Name:              "cats",
		Workflow:          "sdxl-basic",
		Templates:         []model.PromptTemplate{{Label: "t", Template: "a {{n}} cat"}},
		PlaceholderValues: []model.ValueList{{Key: "n", Values: values}},
		InstanceID:        instance,
	}
}

func (h *harness) createAndStart(t *testing.T, req *model.CreateJobRequest) string {
	t.Helper()
	ctx := context.Background()
	resp, err := h.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	_, err = h.svc.ApplyAction(ctx, resp.JobID, &model.JobActionRequest{Action: model.JobActionStart})
	require.NoError(t, err)
	return resp.JobID
}

func (h *harness) prompts(t *testing.T, jobID string) []model.TestPrompt {
	t.Helper()
	prompts, err := h.store.ListPrompts(context.Background(), store.PromptQuery{JobID: jobID})
	require.NoError(t, err)
	return prompts
}

func (h *harness) waitForStatus(t *testing.T, jobID string, want model.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_FailedPromptDoesNotBlockJob(t *testing.T) {
	gen := newFakeGen()
	gen.failOn["a two cat"] = true
	h := newHarness(gen, fastOptions())
	h.run(t)

	jobID := h.createAndStart(t, jobRequest("gpu-a", "one", "two", "three"))
	h.waitForStatus(t, jobID, model.JobStatusCompleted)

	byText := make(map[string]model.TestPrompt)
	for _, p := range h.prompts(t, jobID) {
		byText[p.PromptText] = p
	}
	failed := byText["a two cat"]
	assert.Equal(t, model.PromptStatusCanceled, failed.Status)
	assert.Contains(t, failed.Error, "sampler exploded")

	for _, text := range []string{"a one cat", "a three cat"} {
		p := byText[text]
		assert.Equal(t, model.PromptStatusCompleted, p.Status, text)
		assert.Equal(t, "gpu-a", p.InstanceID)
		require.Len(t, p.OutputFiles, 2)
		assert.Equal(t, "mem://"+OutputKey(jobID, p.ID, 0, ".png"), p.FileURL)
		assert.Equal(t, p.ID+"_0.png", p.Filename)
		assert.NotEmpty(t, p.RemoteJobID)
	}

	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Total: 3, Completed: 2, Canceled: 1}, job.Counters)
	assert.Equal(t, 1.0, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.NotEmpty(t, job.LastPromptID)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.submits, 3)
	for _, call := range gen.submits {
		assert.Equal(t, "gpu-a", call.instance)
		assert.Equal(t, "sdxl-basic", call.workflow)
	}
	assert.Equal(t, 4, h.storage.count())
}

func TestScheduler_OneInFlightPerInstance(t *testing.T) {
	gen := newFakeGen()
	gen.delay = 2 * time.Millisecond
	h := newHarness(gen, fastOptions())
	h.run(t)

	jobs := []string{
		h.createAndStart(t, jobRequest("gpu-a", "one", "two", "three")),
		h.createAndStart(t, jobRequest("gpu-a", "four", "five")),
		h.createAndStart(t, jobRequest("gpu-b", "six", "seven", "eight")),
	}
	for _, id := range jobs {
		h.waitForStatus(t, id, model.JobStatusCompleted)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Len(t, gen.submits, 8, "every prompt processed exactly once")
	assert.Equal(t, 1, gen.maxInflight["gpu-a"])
	assert.Equal(t, 1, gen.maxInflight["gpu-b"])
}

func TestScheduler_DefaultInstanceHint(t *testing.T) {
	gen := newFakeGen()
	opts := fastOptions()
	opts.DefaultInstance = "local-gpu"
	h := newHarness(gen, opts)
	h.run(t)

	jobID := h.createAndStart(t, jobRequest("", "one"))
	h.waitForStatus(t, jobID, model.JobStatusCompleted)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.submits, 1)
	assert.Equal(t, "local-gpu", gen.submits[0].instance)
}

func TestScheduler_DefaultInstanceSharesPinnedLoop(t *testing.T) {
	gen := newFakeGen()
	gen.delay = 2 * time.Millisecond
	opts := fastOptions()
	opts.DefaultInstance = "gpu-a"
	h := newHarness(gen, opts)
	h.run(t)

	jobs := []string{
		h.createAndStart(t, jobRequest("", "one", "two", "three")),
		h.createAndStart(t, jobRequest("gpu-a", "four", "five", "six")),
	}
	for _, id := range jobs {
		h.waitForStatus(t, id, model.JobStatusCompleted)
	}
	assert.False(t, h.sched.Running(""), "no separate loop for the unpinned bucket")

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Len(t, gen.submits, 6)
	for _, call := range gen.submits {
		assert.Equal(t, "gpu-a", call.instance)
	}
	assert.Equal(t, 1, gen.maxInflight["gpu-a"])
}

func TestScheduler_ClaimKeys(t *testing.T) {
	h := newHarness(newFakeGen(), Options{DefaultInstance: "gpu-a"})
	assert.Equal(t, "gpu-a", h.sched.loopKey(""))
	assert.Equal(t, "gpu-b", h.sched.loopKey("gpu-b"))
	assert.Equal(t, []string{"gpu-a", ""}, h.sched.claimKeys("gpu-a"))
	assert.Equal(t, []string{"gpu-b"}, h.sched.claimKeys("gpu-b"))

	h = newHarness(newFakeGen(), Options{})
	assert.Equal(t, "", h.sched.loopKey(""))
	assert.Equal(t, []string{""}, h.sched.claimKeys(""))
}

func TestScheduler_InstanceMismatchRevertsAndReassigns(t *testing.T) {
	gen := newFakeGen()
	h := newHarness(gen, fastOptions())
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("gpu-a", "one", "two"))
	// pinned instance changes without the pending prompts following yet
	_, err := h.store.SetJobInstance(ctx, jobID, "gpu-b")
	require.NoError(t, err)

	more, err := h.sched.step(ctx, "gpu-a")
	require.NoError(t, err)
	assert.True(t, more)

	for _, p := range h.prompts(t, jobID) {
		assert.Equal(t, model.PromptStatusPending, p.Status)
		assert.Equal(t, "gpu-b", p.InstanceID)
	}
	assert.Zero(t, gen.submitCount())

	more, err = h.sched.step(ctx, "gpu-a")
	require.NoError(t, err)
	assert.False(t, more, "nothing left for the stale instance")
}

func TestScheduler_JobPausedAfterClaim(t *testing.T) {
	gen := newFakeGen()
	h := newHarness(gen, fastOptions())
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("", "one", "two", "three"))
	h.store.afterClaim = func(p *model.TestPrompt) {
		_, err := h.svc.ApplyAction(ctx, p.JobID, &model.JobActionRequest{Action: model.JobActionPause})
		require.NoError(t, err)
	}

	more, err := h.sched.step(ctx, "")
	require.NoError(t, err)
	assert.True(t, more)
	assert.Zero(t, gen.submitCount())

	for _, p := range h.prompts(t, jobID) {
		assert.Equal(t, model.PromptStatusPaused, p.Status)
	}
	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaused, job.Status)
	assert.Equal(t, 3, job.Counters.Paused)
}

func TestScheduler_JobCanceledAfterClaim(t *testing.T) {
	gen := newFakeGen()
	h := newHarness(gen, fastOptions())
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("", "one", "two"))
	h.store.afterClaim = func(p *model.TestPrompt) {
		_, err := h.svc.ApplyAction(ctx, p.JobID, &model.JobActionRequest{Action: model.JobActionCancel})
		require.NoError(t, err)
	}

	more, err := h.sched.step(ctx, "")
	require.NoError(t, err)
	assert.True(t, more)
	assert.Zero(t, gen.submitCount())

	for _, p := range h.prompts(t, jobID) {
		assert.Equal(t, model.PromptStatusCanceled, p.Status)
		assert.Equal(t, store.CanceledByUser, p.Error)
	}
}

func TestScheduler_PollTimeoutCancelsPrompt(t *testing.T) {
	gen := newFakeGen()
	gen.running = true
	opts := fastOptions()
	opts.PollMaxAttempts = 3
	h := newHarness(gen, opts)
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("", "one"))
	more, err := h.sched.step(ctx, "")
	require.NoError(t, err)
	assert.True(t, more)

	prompts := h.prompts(t, jobID)
	require.Len(t, prompts, 1)
	assert.Equal(t, model.PromptStatusCanceled, prompts[0].Status)
	assert.Equal(t, "generation timed out after 3 polls", prompts[0].Error)

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestScheduler_CancelWhileGeneratingKeepsCanceled(t *testing.T) {
	gen := newFakeGen()
	gen.block = make(chan struct{})
	h := newHarness(gen, fastOptions())
	h.run(t)
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("", "one"))
	require.Eventually(t, func() bool { return gen.submitCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := h.svc.ApplyAction(ctx, jobID, &model.JobActionRequest{Action: model.JobActionCancel})
	require.NoError(t, err)
	close(gen.block)

	require.Eventually(t, func() bool { return !h.sched.Running("") }, 5*time.Second, 5*time.Millisecond)

	prompts := h.prompts(t, jobID)
	require.Len(t, prompts, 1)
	assert.Equal(t, model.PromptStatusCanceled, prompts[0].Status)
	assert.Equal(t, store.CanceledByUser, prompts[0].Error)
	assert.Zero(t, h.storage.count(), "no outputs stored for a canceled prompt")
}

func TestScheduler_ShutdownHandsPromptBack(t *testing.T) {
	gen := newFakeGen()
	gen.block = make(chan struct{})
	h := newHarness(gen, fastOptions())
	stop := h.run(t)

	jobID := h.createAndStart(t, jobRequest("", "one"))
	require.Eventually(t, func() bool { return gen.submitCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	stop()

	prompts := h.prompts(t, jobID)
	require.Len(t, prompts, 1)
	assert.Equal(t, model.PromptStatusPending, prompts[0].Status)
	assert.Empty(t, prompts[0].RemoteJobID)
}

func TestScheduler_WakesCoalesce(t *testing.T) {
	gen := newFakeGen()
	opts := fastOptions()
	opts.DiscoveryInterval = time.Hour
	opts.WakeDebounce = 30 * time.Millisecond
	h := newHarness(gen, opts)
	h.run(t)

	require.Eventually(t, func() bool { return h.store.discoveries.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 50; i++ {
		h.sched.Wake()
	}
	require.Eventually(t, func() bool { return h.store.discoveries.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, h.store.discoveries.Load(), "a burst of wakes triggers one scan")
}

func TestScheduler_ReleaseStale(t *testing.T) {
	gen := newFakeGen()
	opts := fastOptions()
	opts.StaleAfter = time.Minute
	h := newHarness(gen, opts)
	ctx := context.Background()

	jobID := h.createAndStart(t, jobRequest("", "one"))
	_, err := h.store.ClaimNextPrompt(ctx, "")
	require.NoError(t, err)

	// a fresh claim is left alone
	h.sched.releaseStale(ctx)
	assert.Equal(t, model.PromptStatusProcessing, h.prompts(t, jobID)[0].Status)

	h.sched.opts.StaleAfter = -time.Minute
	h.sched.releaseStale(ctx)
	assert.Equal(t, model.PromptStatusPending, h.prompts(t, jobID)[0].Status)
}

func TestPromptInputs(t *testing.T) {
	neg := "blurry"
	job := &model.Job{
		BaseInputs:     map[string]any{"steps": 30, "prompt": "ignored"},
		NegativePrompt: &neg,
	}
	p := &model.TestPrompt{
		PromptText:   "a calm cat",
		InputValues:  map[string]string{"image": "cat.png"},
		NegativeUsed: true,
	}

	inputs := promptInputs(job, p)
	assert.Equal(t, map[string]any{
		"steps":           30,
		"prompt":          "a calm cat",
		"image":           "cat.png",
		"negative_prompt": "blurry",
	}, inputs)
	assert.Equal(t, "ignored", job.BaseInputs["prompt"], "base inputs are not mutated")

	p.NegativeUsed = false
	assert.NotContains(t, promptInputs(job, p), "negative_prompt")
}

func TestFileExt(t *testing.T) {
	assert.Equal(t, ".webp", fileExt("out.webp", "image/png"))
	assert.Equal(t, ".png", fileExt("", "image/png"))
	assert.Equal(t, ".bin", fileExt("", ""))
	assert.True(t, strings.HasPrefix(OutputKey("j", "p", 2, ".png"), "bulk/j/p_2"))
}
