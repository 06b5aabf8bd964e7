// Package protocol defines the wire contract of the contract-net round:
// message types, their JSON encoding, and the topic scheme.
package protocol

import (
	"time"

	"github.com/a-chakir/mqtt-lab/internal/contractnet/domain"
)

// Kind discriminates message payloads on shared topics.
type Kind string

const (
	KindCfP    Kind = "cfp"
	KindBid    Kind = "bid"
	KindReject Kind = "reject"
	KindAward  Kind = "award"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonIncapable   Reason = "incapable"
	ReasonBusy        Reason = "busy"
	ReasonNotSelected Reason = "not-selected"
)

// CallForProposal invites bids for one job. Broadcast by the supervisor.
type CallForProposal struct {
	Kind     Kind           `json:"kind"`
	JobID    string         `json:"jobId"`
	JobType  domain.JobType `json:"jobType"`
	IssuedAt time.Time      `json:"issuedAt"`
}

// NewCallForProposal builds the CfP for a job.
func NewCallForProposal(job *domain.Job) *CallForProposal {
	return &CallForProposal{
		Kind:     KindCfP,
		JobID:    job.ID,
		JobType:  job.Type,
		IssuedAt: job.IssuedAt,
	}
}

// Bid is a machine's proposed completion time for a job it can currently
// service. Durations travel as integer milliseconds.
type Bid struct {
	Kind        Kind      `json:"kind"`
	JobID       string    `json:"jobId"`
	MachineID   string    `json:"machineId"`
	ProposedMs  int64     `json:"proposedMs"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// NewBid builds a bid for the given job.
func NewBid(jobID, machineID string, proposed time.Duration) *Bid {
	return &Bid{
		Kind:        KindBid,
		JobID:       jobID,
		MachineID:   machineID,
		ProposedMs:  proposed.Milliseconds(),
		SubmittedAt: time.Now(),
	}
}

// Proposed returns the proposed completion time as a duration.
func (b *Bid) Proposed() time.Duration {
	return time.Duration(b.ProposedMs) * time.Millisecond
}

// Rejection signals "not participating" (machine side) or "not selected"
// (supervisor side).
type Rejection struct {
	Kind      Kind      `json:"kind"`
	JobID     string    `json:"jobId"`
	MachineID string    `json:"machineId"`
	Reason    Reason    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRejection builds a rejection message.
func NewRejection(jobID, machineID string, reason Reason) *Rejection {
	return &Rejection{
		Kind:      KindReject,
		JobID:     jobID,
		MachineID: machineID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// Award is the supervisor's binding assignment of a job to the winning
// machine.
type Award struct {
	Kind      Kind      `json:"kind"`
	JobID     string    `json:"jobId"`
	MachineID string    `json:"machineId"`
	AgreedMs  int64     `json:"agreedMs"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAward builds the award for a winning bid.
func NewAward(jobID, machineID string, agreed time.Duration) *Award {
	return &Award{
		Kind:      KindAward,
		JobID:     jobID,
		MachineID: machineID,
		AgreedMs:  agreed.Milliseconds(),
		Timestamp: time.Now(),
	}
}

// Agreed returns the agreed completion time as a duration.
func (a *Award) Agreed() time.Duration {
	return time.Duration(a.AgreedMs) * time.Millisecond
}
