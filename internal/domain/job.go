package domain

import (
	"fmt"
	"strings"
)

// FailureKind classifies why a job left the happy path.
type FailureKind string

const (
	FailureExecutionTimeout FailureKind = "execution_timeout"
	FailureExecutionFailure FailureKind = "execution_failure"
	FailureOutputRejected   FailureKind = "output_rejected"
	FailureCodeRejected     FailureKind = "code_rejected"
)

// FailureReason is the diagnostic carried by Failed and Rejected jobs.
type FailureReason struct {
	Kind     FailureKind `yaml:"kind" json:"kind"`
	Message  string      `yaml:"message" json:"message"`
	ExitCode *int        `yaml:"exit_code,omitempty" json:"exit_code,omitempty"`
}

func (f *FailureReason) Clone() *FailureReason {
	if f == nil {
		return nil
	}
	out := *f
	if f.ExitCode != nil {
		code := *f.ExitCode
		out.ExitCode = &code
	}
	return &out
}

// Job binds one UserCode to one Dataset and tracks it through review,
// execution and disclosure.
type Job struct {
	RecordMeta  `yaml:",inline"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	DatasetID   string         `yaml:"dataset_id" json:"dataset_id"`
	DatasetName string         `yaml:"dataset_name" json:"dataset_name"`
	UserCodeID  string         `yaml:"user_code_id" json:"user_code_id"`
	Requester   string         `yaml:"requester" json:"requester"`
	Status      JobStatus      `yaml:"status" json:"status"`
	OutputPath  string         `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	SharedPath  string         `yaml:"shared_path,omitempty" json:"shared_path,omitempty"`
	Failure     *FailureReason `yaml:"failure,omitempty" json:"failure,omitempty"`
	RetryCount  int            `yaml:"retry_count" json:"retry_count"`
	Closed      bool           `yaml:"closed,omitempty" json:"closed,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
}

func (j Job) RecordKind() Kind { return KindJob }

func (j Job) Meta() RecordMeta { return j.RecordMeta }

func (j Job) WithMeta(meta RecordMeta) Job {
	j.RecordMeta = meta
	j.Failure = j.Failure.Clone()
	j.Tags = cloneStrings(j.Tags)
	return j
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: job name is required", ErrValidation)
	}
	if strings.TrimSpace(j.DatasetID) == "" {
		return fmt.Errorf("%w: job dataset id is required", ErrValidation)
	}
	if strings.TrimSpace(j.UserCodeID) == "" {
		return fmt.Errorf("%w: job user code id is required", ErrValidation)
	}
	if strings.TrimSpace(j.Requester) == "" {
		return fmt.Errorf("%w: job requester is required", ErrValidation)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: job status %q is not recognised", ErrValidation, j.Status)
	}
	if j.Status == JobStatusFailed && j.Failure == nil {
		return fmt.Errorf("%w: failed job must carry a failure reason", ErrValidation)
	}
	if j.Closed && j.Status != JobStatusFailed {
		return fmt.Errorf("%w: only failed jobs can be closed", ErrValidation)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must be >= 0", ErrValidation)
	}
	return nil
}

// UniqueKeys keeps job names addressable and binds each UserCode to at
// most one job.
func (j Job) UniqueKeys() []string {
	return []string{"name:" + j.Name, "user_code_id:" + j.UserCodeID}
}

func (j Job) Field(name string) (any, bool) {
	switch name {
	case "name":
		return j.Name, true
	case "description":
		return j.Description, true
	case "dataset_id":
		return j.DatasetID, true
	case "dataset_name":
		return j.DatasetName, true
	case "user_code_id":
		return j.UserCodeID, true
	case "requester":
		return j.Requester, true
	case "status":
		return string(j.Status), true
	case "retry_count":
		return j.RetryCount, true
	case "closed":
		return j.Closed, true
	case "tags":
		return joinTags(j.Tags), true
	default:
		return j.RecordMeta.metaField(name)
	}
}

// Terminal reports whether no further transition can apply.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusOutputShared, JobStatusRejected:
		return true
	case JobStatusFailed:
		return j.Closed
	default:
		return false
	}
}
