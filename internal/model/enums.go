package model

import "strings"

// Job status
type JobStatus string

const (
	JobStatusCreated    JobStatus = "Created"
	JobStatusProcessing JobStatus = "Processing"
	JobStatusPaused     JobStatus = "Paused"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusCanceled   JobStatus = "Canceled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusCreated, JobStatusProcessing, JobStatusPaused,
	JobStatusCompleted, JobStatusCanceled,
}

// Prompt status
type PromptStatus string

const (
	PromptStatusPending    PromptStatus = "Pending"
	PromptStatusProcessing PromptStatus = "Processing"
	PromptStatusPaused     PromptStatus = "Paused"
	PromptStatusCompleted  PromptStatus = "Completed"
	PromptStatusCanceled   PromptStatus = "Canceled"
)

var ValidPromptStatuses = []PromptStatus{
	PromptStatusPending, PromptStatusProcessing, PromptStatusPaused,
	PromptStatusCompleted, PromptStatusCanceled,
}

// IsTerminal reports whether the prompt will not be processed again
// without an explicit redo.
func (s PromptStatus) IsTerminal() bool {
	return s == PromptStatusCompleted || s == PromptStatusCanceled
}

// ParsePromptStatus maps a loosely cased status name onto a PromptStatus.
func ParsePromptStatus(s string) (PromptStatus, bool) {
	for _, st := range ValidPromptStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// ParseJobStatus maps a loosely cased status name onto a JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range ValidJobStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Job actions issued by operators
type JobAction string

const (
	JobActionStart        JobAction = "start"
	JobActionPause        JobAction = "pause"
	JobActionResume       JobAction = "resume"
	JobActionCancel       JobAction = "cancel"
	JobActionRedoCanceled JobAction = "redo_canceled"
	JobActionSetInstance  JobAction = "set_instance"
)

var ValidJobActions = []JobAction{
	JobActionStart, JobActionPause, JobActionResume,
	JobActionCancel, JobActionRedoCanceled, JobActionSetInstance,
}

// Pairwise vote outcome
type Winner string

const (
	WinnerLeft  Winner = "left"
	WinnerRight Winner = "right"
	WinnerTie   Winner = "tie"
)

// Batch rating
type Rating string

const (
	RatingGood    Rating = "good"
	RatingNeutral Rating = "neutral"
	RatingBad     Rating = "bad"
)

// Weight returns the score increment for a batch rating.
func (r Rating) Weight() (float64, bool) {
	switch r {
	case RatingGood:
		return 1, true
	case RatingNeutral:
		return 0.5, true
	case RatingBad:
		return 0, true
	}
	return 0, false
}

// Comparison axes that are not tied to a placeholder or input key
const (
	VariableTemplate = "template"
	VariableNegative = "negative"

	PlaceholderVariablePrefix = "placeholder:"
	InputVariablePrefix       = "input:"
)
