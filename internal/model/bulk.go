package model

import "time"

// CreateJobRequest represents the request to create a bulk job
type CreateJobRequest struct {
	Name              string           `json:"name" validate:"required,max=200"`
	Workflow          string           `json:"workflow" validate:"required"`
	Templates         []PromptTemplate `json:"templates" validate:"required,min=1,dive"`
	PlaceholderValues []ValueList      `json:"placeholderValues" validate:"omitempty,dive"`
	ImageInputs       []ValueList      `json:"imageInputs" validate:"omitempty,dive"`
	NegativePrompt    *string          `json:"negativePrompt"`
	BaseInputs        map[string]any   `json:"baseInputs"`
	InstanceID        string           `json:"instance_id" validate:"omitempty,max=200"`
}

// CreateJobResponse represents the response when a job is seeded
type CreateJobResponse struct {
	JobID       string    `json:"jobId"`
	Status      JobStatus `json:"status"`
	PromptCount int       `json:"promptCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobActionRequest represents an operator action on a job
type JobActionRequest struct {
	Action     JobAction `json:"action" validate:"required,oneof=start pause resume cancel redo_canceled set_instance"`
	InstanceID *string   `json:"instance_id" validate:"omitempty,max=200"`
}

// JobActionResponse reports the job after an action was applied
type JobActionResponse struct {
	JobID    string    `json:"jobId"`
	Action   JobAction `json:"action"`
	Status   JobStatus `json:"status"`
	Counters Counters  `json:"counters"`
	Progress float64   `json:"progress"`
	Changed  int64     `json:"changed"`
}

// JobListResponse represents a page of jobs
type JobListResponse struct {
	Jobs  []Job `json:"jobs"`
	Count int   `json:"count"`
}

// PromptListResponse represents a page of prompts
type PromptListResponse struct {
	Prompts []TestPrompt `json:"prompts"`
	Count   int          `json:"count"`
}

// MatrixCell groups the completed prompts sharing one value on each axis
type MatrixCell struct {
	ValueA    string       `json:"valueA"`
	ValueB    string       `json:"valueB"`
	Prompts   []TestPrompt `json:"prompts"`
	MeanScore float64      `json:"meanScore"`
}

// MatrixResponse is the comparison grid of two variable axes
type MatrixResponse struct {
	VarA    string       `json:"varA"`
	VarB    string       `json:"varB"`
	ValuesA []string     `json:"valuesA"`
	ValuesB []string     `json:"valuesB"`
	Cells   []MatrixCell `json:"cells"`
}

// GalleryFilter narrows the prompts a gallery page is drawn from
type GalleryFilter struct {
	Limit         int
	TemplateIndex *int
	NegativeUsed  *bool
	Placeholders  map[string]string
	Inputs        map[string]string
}

// GalleryResponse is a ranked page of completed prompts
type GalleryResponse struct {
	Prompts []TestPrompt `json:"prompts"`
	Total   int          `json:"total"`
}

// ScorePairResponse holds two prompts to compare
type ScorePairResponse struct {
	Left  TestPrompt `json:"left"`
	Right TestPrompt `json:"right"`
}

// ScoreRequest records a forced-choice comparison
type ScoreRequest struct {
	LeftID  string `json:"left_id" validate:"required"`
	RightID string `json:"right_id" validate:"required,nefield=LeftID"`
	Winner  Winner `json:"winner" validate:"required,oneof=left right tie"`
}

// BatchRateRequest applies one rating to many prompts
type BatchRateRequest struct {
	PromptIDs []string `json:"prompt_ids" validate:"required,min=1,max=500,dive,required"`
	Rating    Rating   `json:"rating" validate:"required,oneof=good neutral bad"`
}

// BatchRateResponse reports how many prompts received the rating
type BatchRateResponse struct {
	Rating  Rating `json:"rating"`
	Updated int64  `json:"updated"`
}

// ValueStat is the mean score of all completed prompts sharing one value
type ValueStat struct {
	Value     string  `json:"value"`
	Count     int     `json:"count"`
	MeanScore float64 `json:"meanScore"`
}

// AnalyticsResponse summarises scores along every comparison axis
type AnalyticsResponse struct {
	JobID     string                 `json:"jobId"`
	Completed int                    `json:"completed"`
	Axes      map[string][]ValueStat `json:"axes"`
	Top       []TestPrompt           `json:"top"`
}

// Instance describes one remote generation worker
type Instance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// InstanceListResponse represents the remote instance listing
type InstanceListResponse struct {
	Instances []Instance `json:"instances"`
}
