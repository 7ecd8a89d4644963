package domain

import "strings"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusCodeReview          JobStatus = "CodeReview"
	JobStatusQueued              JobStatus = "Queued"
	JobStatusRunning             JobStatus = "Running"
	JobStatusFailed              JobStatus = "Failed"
	JobStatusPendingOutputReview JobStatus = "PendingOutputReview"
	JobStatusOutputShared        JobStatus = "OutputShared"
	JobStatusRejected            JobStatus = "Rejected"
)

// JobStatuses lists every state in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusCodeReview,
	JobStatusQueued,
	JobStatusRunning,
	JobStatusFailed,
	JobStatusPendingOutputReview,
	JobStatusOutputShared,
	JobStatusRejected,
}

func (s JobStatus) Valid() bool {
	return NormalizeJobStatus(string(s)) == s && s != ""
}

// NormalizeJobStatus maps free-form status values, including the snake_case
// names used by older clients, to canonical job states.
func NormalizeJobStatus(value string) JobStatus {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "-", "_")) {
	case "codereview", "code_review", "pending_code_review":
		return JobStatusCodeReview
	case "queued":
		return JobStatusQueued
	case "running":
		return JobStatusRunning
	case "failed", "job_run_failed":
		return JobStatusFailed
	case "pendingoutputreview", "pending_output_review", "job_run_finished":
		return JobStatusPendingOutputReview
	case "outputshared", "output_shared", "shared", "complete":
		return JobStatusOutputShared
	case "rejected":
		return JobStatusRejected
	default:
		return ""
	}
}
