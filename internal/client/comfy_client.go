package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/bulkgen/internal/config"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/model"
)

var (
	// ErrPollTimeout is returned when a remote job never reaches a terminal status
	ErrPollTimeout = errors.New("generation timed out")
	// ErrGenerationFailed is returned when the backend reports failed or canceled
	ErrGenerationFailed = errors.New("generation failed")
)

// RemoteStatus is the lifecycle status reported by the generation backend
type RemoteStatus string

const (
	RemoteQueued    RemoteStatus = "queued"
	RemoteRunning   RemoteStatus = "running"
	RemoteCompleted RemoteStatus = "completed"
	RemoteFailed    RemoteStatus = "failed"
	RemoteCanceled  RemoteStatus = "canceled"
)

// Terminal reports whether polling can stop
func (s RemoteStatus) Terminal() bool {
	return s == RemoteCompleted || s == RemoteFailed || s == RemoteCanceled
}

// normalize folds the aliases some gateway versions still emit.
func (s RemoteStatus) normalize() RemoteStatus {
	switch strings.ToLower(string(s)) {
	case "success", "succeeded", "done":
		return RemoteCompleted
	case "error":
		return RemoteFailed
	case "cancelled":
		return RemoteCanceled
	case "pending":
		return RemoteQueued
	case "processing", "in_progress":
		return RemoteRunning
	}
	return RemoteStatus(strings.ToLower(string(s)))
}

// Generator is the remote generation backend used by the scheduler
type Generator interface {
	Submit(ctx context.Context, workflow string, inputs map[string]any, instance string) (string, error)
	Status(ctx context.Context, remoteJobID, instance string) (*JobStatus, error)
	Download(ctx context.Context, remoteJobID string, index int, instance string) (*Artifact, error)
}

// InstanceLister lists the backend's addressable worker instances
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]model.Instance, error)
}

type generateRequest struct {
	Workflow   string         `json:"workflow"`
	Inputs     map[string]any `json:"inputs"`
	InstanceID string         `json:"instance_id,omitempty"`
}

type generateResponse struct {
	JobID string `json:"job_id"`
}

// RemoteFile describes one output produced by a remote job
type RemoteFile struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// JobStatus is the backend's view of one remote job
type JobStatus struct {
	Status RemoteStatus `json:"status"`
	Files  []RemoteFile `json:"files,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Artifact is a downloaded output file
type Artifact struct {
	Data        []byte
	ContentType string
}

type instancesResponse struct {
	Instances []model.Instance `json:"instances"`
}

// UpstreamError carries a non-2xx response from the backend
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("comfy API error (status %d): %s", e.StatusCode, e.Message)
}

// ComfyClient implements Generator and InstanceLister for the generation gateway
type ComfyClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logrus.Logger
}

// NewComfyClient creates a new generation gateway client
func NewComfyClient(cfg *config.ComfyConfig) *ComfyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ComfyClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		log:        logger.GetLogger("comfy"),
	}
}

// Submit queues a workflow run and returns the remote job id
func (c *ComfyClient) Submit(ctx context.Context, workflow string, inputs map[string]any, instance string) (string, error) {
	body := generateRequest{Workflow: workflow, Inputs: inputs, InstanceID: instance}
	var result generateResponse
	if err := c.post(ctx, "/generate", body, &result); err != nil {
		return "", err
	}
	if result.JobID == "" {
		return "", fmt.Errorf("comfy API returned no job_id")
	}
	return result.JobID, nil
}

// Status fetches the current status of a remote job
func (c *ComfyClient) Status(ctx context.Context, remoteJobID, instance string) (*JobStatus, error) {
	endpoint := withInstance("/jobs/"+url.PathEscape(remoteJobID), instance)
	var result JobStatus
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	result.Status = result.Status.normalize()
	return &result, nil
}

// Download fetches one output file of a completed remote job
func (c *ComfyClient) Download(ctx context.Context, remoteJobID string, index int, instance string) (*Artifact, error) {
	endpoint := withInstance(fmt.Sprintf("/jobs/%s/files/%d", url.PathEscape(remoteJobID), index), instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	data, header, err := c.send(req)
	if err != nil {
		return nil, err
	}
	c.log.Infof("[Comfy API] ← file %d of %s (%d bytes)", index, remoteJobID, len(data))

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Artifact{Data: data, ContentType: contentType}, nil
}

// ListInstances returns the backend's worker instances
func (c *ComfyClient) ListInstances(ctx context.Context) ([]model.Instance, error) {
	var result instancesResponse
	if err := c.get(ctx, "/instances", &result); err != nil {
		return nil, err
	}
	if result.Instances == nil {
		result.Instances = []model.Instance{}
	}
	return result.Instances, nil
}

// IsConfigured returns true if the client has a gateway to talk to
func (c *ComfyClient) IsConfigured() bool {
	return c.baseURL != ""
}

func withInstance(endpoint, instance string) string {
	if instance == "" {
		return endpoint
	}
	return endpoint + "?instance_id=" + url.QueryEscape(instance)
}

// post sends a POST request with JSON body
func (c *ComfyClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req, result)
}

// get sends a GET request and parses JSON response
func (c *ComfyClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doJSON(req, result)
}

func (c *ComfyClient) doJSON(req *http.Request, result interface{}) error {
	respBody, _, err := c.send(req)
	if err != nil {
		return err
	}

	c.log.Debugf("[Comfy API] ← %s %s: %s", req.Method, req.URL.Path, string(respBody))

	if err := json.Unmarshal(respBody, result); err != nil {
		c.log.Errorf("[Comfy API] ✗ unmarshal error for %s %s: %v (body: %s)", req.Method, req.URL.String(), err, string(respBody))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// send executes a request and returns the raw body of a 2xx response
func (c *ComfyClient) send(req *http.Request) ([]byte, http.Header, error) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	c.log.Infof("[Comfy API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Errorf("[Comfy API] ✗ %s %s: request failed: %v", req.Method, req.URL.String(), err)
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Errorf("[Comfy API] ✗ %s %s: failed to read response: %v", req.Method, req.URL.String(), err)
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warnf("[Comfy API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())
		return nil, nil, &UpstreamError{StatusCode: resp.StatusCode, Message: upstreamMessage(resp.StatusCode, respBody)}
	}
	return respBody, resp.Header, nil
}

// upstreamMessage prefers the gateway's {"error": "..."} body over raw text.
func upstreamMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return "upstream " + strconv.Itoa(status)
}

// WaitForCompletion polls a remote job every interval until it reaches a
// terminal status, giving up after maxAttempts polls.
func WaitForCompletion(ctx context.Context, g Generator, remoteJobID, instance string, interval time.Duration, maxAttempts int) (*JobStatus, error) {
	log := logger.GetLogger("comfy").WithFields(logrus.Fields{"remote_job_id": remoteJobID, "instance": instance})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := g.Status(ctx, remoteJobID, instance)
		if err != nil {
			log.WithError(err).Warnf("[Comfy API] Poll #%d failed", attempt)
			return nil, err
		}

		log.Debugf("[Comfy API] Poll #%d: status %s", attempt, result.Status)

		switch result.Status {
		case RemoteCompleted:
			return result, nil
		case RemoteFailed, RemoteCanceled:
			msg := result.Error
			if msg == "" {
				msg = string(result.Status)
			}
			return result, fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			log.Info("[Comfy API] Poll cancelled")
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, fmt.Errorf("%w after %d polls", ErrPollTimeout, maxAttempts)
}
