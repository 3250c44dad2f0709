package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/bulkgen/internal/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *ComfyClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewComfyClient(&config.ComfyConfig{BaseURL: ts.URL + "/", APIKey: "test-key", Timeout: 5 * time.Second})
}

func TestComfyClient_Submit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sdxl", body.Workflow)
		assert.Equal(t, "a calm portrait", body.Inputs["prompt"])
		assert.Equal(t, "gpu-a", body.InstanceID)

		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "r-1"})
	})

	id, err := c.Submit(context.Background(), "sdxl", map[string]any{"prompt": "a calm portrait"}, "gpu-a")
	require.NoError(t, err)
	assert.Equal(t, "r-1", id)
}

func TestComfyClient_SubmitRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown workflow"}`))
	})

	_, err := c.Submit(context.Background(), "nope", nil, "")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	assert.Equal(t, "unknown workflow", upstream.Message)
}

func TestComfyClient_StatusPassesInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/r-1", r.URL.Path)
		assert.Equal(t, "gpu-a", r.URL.Query().Get("instance_id"))
		_, _ = w.Write([]byte(`{"status":"success","files":[{"filename":"out_0.png"}]}`))
	})

	st, err := c.Status(context.Background(), "r-1", "gpu-a")
	require.NoError(t, err)
	assert.Equal(t, RemoteCompleted, st.Status)
	require.Len(t, st.Files, 1)
	assert.Equal(t, "out_0.png", st.Files[0].Filename)
}

func TestComfyClient_StatusOmitsEmptyInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"status":"running"}`))
	})

	st, err := c.Status(context.Background(), "r-1", "")
	require.NoError(t, err)
	assert.Equal(t, RemoteRunning, st.Status)
}

func TestComfyClient_Download(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/r-1/files/2", r.URL.Path)
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("RIFF"))
	})

	a, err := c.Download(context.Background(), "r-1", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), a.Data)
	assert.Equal(t, "image/webp", a.ContentType)
}

func TestComfyClient_ListInstances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances", r.URL.Path)
		_, _ = w.Write([]byte(`{"instances":[{"id":"gpu-a","name":"A","status":"idle"}]}`))
	})

	list, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "gpu-a", list[0].ID)
}

func TestWaitForCompletion_PollsUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"status":"queued"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"completed","files":[{"filename":"a.png"},{"filename":"b.png"}]}`))
	})

	st, err := WaitForCompletion(context.Background(), c, "r-1", "", time.Millisecond, 10)
	require.NoError(t, err)
	assert.Len(t, st.Files, 2)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitForCompletion_Failed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"CUDA out of memory"}`))
	})

	_, err := WaitForCompletion(context.Background(), c, "r-1", "", time.Millisecond, 10)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestWaitForCompletion_Timeout(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"status":"running"}`))
	})

	_, err := WaitForCompletion(context.Background(), c, "r-1", "", time.Millisecond, 4)
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, "generation timed out after 4 polls", err.Error())
	assert.EqualValues(t, 4, polls.Load())
}

func TestWaitForCompletion_ContextCanceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WaitForCompletion(ctx, c, "r-1", "", time.Hour, 10)
	assert.Error(t, err)
}
