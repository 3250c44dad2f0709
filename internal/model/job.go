package model

import "time"

// PromptTemplate is one labelled prompt text containing {{placeholder}} keys
type PromptTemplate struct {
	Label    string `json:"label" bson:"label"`
	Template string `json:"template" bson:"template"`
}

// ValueList holds the candidate values for one placeholder or input slot
type ValueList struct {
	Key    string   `json:"key" bson:"key"`
	Values []string `json:"values" bson:"values"`
}

// Counters holds the per-status prompt counts of a job
type Counters struct {
	Total      int `json:"total" bson:"total"`
	Pending    int `json:"pending" bson:"pending"`
	Processing int `json:"processing" bson:"processing"`
	Paused     int `json:"paused" bson:"paused"`
	Completed  int `json:"completed" bson:"completed"`
	Canceled   int `json:"canceled" bson:"canceled"`
}

// Unfinished returns the number of prompts that still need work.
func (c Counters) Unfinished() int {
	return c.Pending + c.Processing + c.Paused
}

// Progress returns the finished fraction in the 0-1 range.
func (c Counters) Progress() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed+c.Canceled) / float64(c.Total)
}

// Add increments the counter matching status by n.
func (c *Counters) Add(status PromptStatus, n int) {
	switch status {
	case PromptStatusPending:
		c.Pending += n
	case PromptStatusProcessing:
		c.Processing += n
	case PromptStatusPaused:
		c.Paused += n
	case PromptStatusCompleted:
		c.Completed += n
	case PromptStatusCanceled:
		c.Canceled += n
	default:
		return
	}
	c.Total += n
}

// Job is a bulk generation request spanning a combinatorial set of prompts
type Job struct {
	ID                 string           `json:"id" bson:"_id"`
	Name               string           `json:"name" bson:"name"`
	Workflow           string           `json:"workflow" bson:"workflow"`
	Templates          []PromptTemplate `json:"templates" bson:"prompt_templates"`
	PlaceholderKeys    []string         `json:"placeholderKeys" bson:"placeholder_keys"`
	PlaceholderValues  []ValueList      `json:"placeholderValues" bson:"placeholder_values"`
	InputSlots         []ValueList      `json:"imageInputs" bson:"image_inputs"`
	NegativePrompt     *string          `json:"negativePrompt,omitempty" bson:"negative_prompt,omitempty"`
	BaseInputs         map[string]any   `json:"baseInputs" bson:"base_inputs"`
	InstanceID         string           `json:"instanceId,omitempty" bson:"instance_id"`
	Status             JobStatus        `json:"status" bson:"status"`
	Counters           Counters         `json:"counters" bson:"counters"`
	Progress           float64          `json:"progress" bson:"progress"`
	VariablesAvailable []string         `json:"variablesAvailable" bson:"variables_available"`
	LastPromptID       string           `json:"lastPromptId,omitempty" bson:"last_prompt_id,omitempty"`
	CreatedAt          time.Time        `json:"createdAt" bson:"created_at"`
	StartedAt          *time.Time       `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updatedAt" bson:"updated_at"`
}

// HasNegativePrompt reports whether prompts are expanded with and without the negative prompt.
func (j *Job) HasNegativePrompt() bool {
	return j.NegativePrompt != nil && *j.NegativePrompt != ""
}

// TestPrompt is one concrete, fully substituted unit of work derived from a Job
type TestPrompt struct {
	ID                string            `json:"id" bson:"_id"`
	JobID             string            `json:"jobId" bson:"job_id"`
	TemplateIndex     int               `json:"templateIndex" bson:"template_index"`
	TemplateLabel     string            `json:"templateLabel" bson:"template_label"`
	PromptText        string            `json:"promptText" bson:"prompt_text"`
	PlaceholderValues map[string]string `json:"placeholderValues" bson:"placeholder_values"`
	InputValues       map[string]string `json:"inputValues" bson:"input_values"`
	NegativeUsed      bool              `json:"negativeUsed" bson:"negative_used"`
	Status            PromptStatus      `json:"status" bson:"status"`
	InstanceID        string            `json:"instanceId,omitempty" bson:"instance_id"`
	RemoteJobID       string            `json:"remoteJobId,omitempty" bson:"remote_job_id,omitempty"`
	Error             string            `json:"error,omitempty" bson:"error,omitempty"`
	Filename          string            `json:"filename,omitempty" bson:"filename,omitempty"`
	FileURL           string            `json:"fileUrl,omitempty" bson:"file_url,omitempty"`
	OutputFiles       []string          `json:"outputFiles,omitempty" bson:"output_files,omitempty"`
	ScoreTotal        float64           `json:"scoreTotal" bson:"score_total"`
	ScoreCount        int               `json:"scoreCount" bson:"score_count"`
	RatingTotal       float64           `json:"ratingTotal" bson:"rating_total"`
	RatingCount       int               `json:"ratingCount" bson:"rating_count"`
	CreatedAt         time.Time         `json:"createdAt" bson:"created_at"`
	StartedAt         *time.Time        `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt" bson:"updated_at"`
}

// MeanScore combines pairwise scores and batch ratings into one mean.
// Prompts that were never scored report 0.
func (p *TestPrompt) MeanScore() float64 {
	n := p.ScoreCount + p.RatingCount
	if n == 0 {
		return 0
	}
	return (p.ScoreTotal + p.RatingTotal) / float64(n)
}

// Outcome of a processed prompt, written by the scheduler
type PromptOutcome struct {
	Filename    string
	FileURL     string
	OutputFiles []string
}
