// Package lifecycle owns the job state machine: which transitions exist,
// who may trigger them and the guards that must hold.
package lifecycle

import (
	"github.com/animus-labs/animus-rds/internal/domain"
)

// Trigger names the event behind a transition. It doubles as the audit
// action suffix.
type Trigger string

const (
	TriggerApprove      Trigger = "approve"
	TriggerReject       Trigger = "reject"
	TriggerStart        Trigger = "start"
	TriggerSucceed      Trigger = "succeed"
	TriggerFail         Trigger = "fail"
	TriggerRetry        Trigger = "retry"
	TriggerClose        Trigger = "close"
	TriggerShare        Trigger = "share"
	TriggerRejectOutput Trigger = "reject_output"
)

type edge struct {
	from domain.JobStatus
	to   domain.JobStatus
}

type rule struct {
	trigger Trigger
	role    domain.Role
}

var transitions = map[edge]rule{
	{domain.JobStatusCodeReview, domain.JobStatusQueued}:                {TriggerApprove, domain.RoleOwner},
	{domain.JobStatusCodeReview, domain.JobStatusRejected}:              {TriggerReject, domain.RoleOwner},
	{domain.JobStatusQueued, domain.JobStatusRunning}:                   {TriggerStart, domain.RoleOwner},
	{domain.JobStatusRunning, domain.JobStatusFailed}:                   {TriggerFail, domain.RoleSystem},
	{domain.JobStatusRunning, domain.JobStatusPendingOutputReview}:      {TriggerSucceed, domain.RoleSystem},
	{domain.JobStatusFailed, domain.JobStatusQueued}:                    {TriggerRetry, domain.RoleOwner},
	{domain.JobStatusFailed, domain.JobStatusFailed}:                    {TriggerClose, domain.RoleOwner},
	{domain.JobStatusPendingOutputReview, domain.JobStatusOutputShared}: {TriggerShare, domain.RoleOwner},
	{domain.JobStatusPendingOutputReview, domain.JobStatusFailed}:       {TriggerRejectOutput, domain.RoleOwner},
}

// Lookup returns the trigger and required role for from → to.
func Lookup(from, to domain.JobStatus) (Trigger, domain.Role, bool) {
	r, ok := transitions[edge{from, to}]
	return r.trigger, r.role, ok
}

// Targets lists the statuses reachable from from in one step, in a stable
// order.
func Targets(from domain.JobStatus) []domain.JobStatus {
	out := make([]domain.JobStatus, 0, 2)
	for _, to := range domain.JobStatuses {
		if _, ok := transitions[edge{from, to}]; ok {
			out = append(out, to)
		}
	}
	return out
}
