// Package pipeline drives CodePipeline executions that provision model
// deployments and determines which stage an execution is in.
package pipeline

import (
	"strings"
	"time"

	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/names"
)

// Status is a pipeline execution status as reported by CodePipeline.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusStopping   Status = "Stopping"
	StatusStopped    Status = "Stopped"
	StatusSucceeded  Status = "Succeeded"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
	StatusSuperseded Status = "Superseded"
)

// Active reports whether the execution may still make progress.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusStopping
}

// Terminal reports whether the execution has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStopped, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// Stage is a phase of the deployment pipeline.
type Stage int

const (
	StageUnknown Stage = iota
	StageSource
	StageBuild
	StageDeploy
)

func (s Stage) String() string {
	switch s {
	case StageSource:
		return "Source"
	case StageBuild:
		return "Build"
	case StageDeploy:
		return "Deploy"
	default:
		return "Unknown"
	}
}

// MarshalText renders the stage name in JSON and YAML output.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StageFromName maps a pipeline stage name onto a Stage by case-insensitive
// prefix ("Source", "BuildImage", "deploy-stack" ...).
func StageFromName(name string) Stage {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "source"):
		return StageSource
	case strings.HasPrefix(n, "build"):
		return StageBuild
	case strings.HasPrefix(n, "deploy"):
		return StageDeploy
	}
	return StageUnknown
}

// Execution is a pipeline execution with its decoded deployment variables.
type Execution struct {
	ID             string    `json:"execution_id" yaml:"execution_id"`
	Status         Status    `json:"status" yaml:"status"`
	Stage          Stage     `json:"stage" yaml:"stage"`
	StartTime      time.Time `json:"start_time" yaml:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time,omitempty" yaml:"last_update_time,omitempty"`

	descriptor.Summary `yaml:",inline"`

	// EnhancedStatus and Hint are filled in by the reconciler.
	EnhancedStatus string `json:"enhanced_status,omitempty" yaml:"enhanced_status,omitempty"`
	Hint           string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Created returns the deployment create time, falling back to the
// execution start time when the variable is missing.
func (e Execution) Created() time.Time {
	if !e.CreateTime.IsZero() {
		return e.CreateTime
	}
	return e.StartTime
}

// MatchesKey reports whether the execution deploys key.
func (e Execution) MatchesKey(key names.Key) bool {
	if e.Key.ModelID != "" {
		return e.Key.Matches(key.ModelID, key.Tag)
	}
	return e.StackName != "" && e.StackName == key.StackName()
}

// Handle identifies a started execution.
type Handle struct {
	ExecutionID  string    `json:"execution_id" yaml:"execution_id"`
	PipelineName string    `json:"pipeline_name" yaml:"pipeline_name"`
	StackName    string    `json:"stack_name" yaml:"stack_name"`
	Key          names.Key `json:"key" yaml:"key"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
}

// Result is the terminal outcome of a monitored execution.
type Result struct {
	ExecutionID string        `json:"execution_id" yaml:"execution_id"`
	Status      Status        `json:"status" yaml:"status"`
	Stage       Stage         `json:"stage" yaml:"stage"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Succeeded reports whether the execution succeeded.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Progress is emitted on every monitor poll.
type Progress struct {
	ExecutionID string
	Status      Status
	Stage       Stage
	Elapsed     time.Duration
}

// ProgressFunc receives monitor progress.
type ProgressFunc func(Progress)
