package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the job or prompt transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// jobTransitions lists the statuses each job status may move to.
// Canceled -> Canceled is handled by callers as an idempotent no-op.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated:    {JobStatusProcessing, JobStatusCanceled},
	JobStatusProcessing: {JobStatusPaused, JobStatusCompleted, JobStatusCanceled},
	JobStatusPaused:     {JobStatusProcessing, JobStatusCompleted, JobStatusCanceled},
	JobStatusCompleted:  {JobStatusProcessing, JobStatusCanceled},
	JobStatusCanceled:   {JobStatusProcessing},
}

// promptTransitions lists the statuses each prompt status may move to.
var promptTransitions = map[PromptStatus][]PromptStatus{
	PromptStatusPending:    {PromptStatusProcessing, PromptStatusPaused, PromptStatusCanceled},
	PromptStatusPaused:     {PromptStatusPending, PromptStatusCanceled},
	PromptStatusProcessing: {PromptStatusCompleted, PromptStatusCanceled, PromptStatusPending},
	PromptStatusCanceled:   {PromptStatusPending},
	PromptStatusCompleted:  {},
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPrompt reports whether a prompt may move from one status to another.
func CanTransitionPrompt(from, to PromptStatus) bool {
	for _, s := range promptTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckJobTransition returns a wrapped ErrInvalidTransition when the move is not allowed.
func CheckJobTransition(from, to JobStatus) error {
	if !CanTransitionJob(from, to) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PromptSourcesFor returns every prompt status that may move to the target status.
// Bulk updates use it as the status filter so that only legal rows change.
func PromptSourcesFor(to PromptStatus) []PromptStatus {
	var from []PromptStatus
	for _, s := range ValidPromptStatuses {
		if CanTransitionPrompt(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// TargetStatus returns the job status an operator action leads to.
// set_instance does not change the status and reports ok=false.
func (a JobAction) TargetStatus() (JobStatus, bool) {
	switch a {
	case JobActionStart, JobActionResume, JobActionRedoCanceled:
		return JobStatusProcessing, true
	case JobActionPause:
		return JobStatusPaused, true
	case JobActionCancel:
		return JobStatusCanceled, true
	}
	return "", false
}

// ParseJobAction validates an action name.
func ParseJobAction(s string) (JobAction, error) {
	for _, a := range ValidJobActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// actionSources lists the job statuses from which an action changes the job status.
// Statuses outside the list are either idempotent no-ops or rejected by the caller.
var actionSources = map[JobAction][]JobStatus{
	JobActionStart:        {JobStatusCreated, JobStatusPaused},
	JobActionPause:        {JobStatusProcessing},
	JobActionResume:       {JobStatusPaused},
	JobActionCancel:       {JobStatusCreated, JobStatusProcessing, JobStatusPaused, JobStatusCompleted},
	JobActionRedoCanceled: {JobStatusCanceled, JobStatusCompleted},
}

// ActionSources returns the statuses an action may move a job from.
func ActionSources(a JobAction) []JobStatus {
	return actionSources[a]
}
