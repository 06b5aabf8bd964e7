// Package domain holds the data model shared by the contract-net agents:
// jobs, job types and machine capability tables.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

// JobType identifies the kind of work a job requires.
type JobType string

const (
	TypeAssembly   JobType = "assembly"
	TypeWelding    JobType = "welding"
	TypePainting   JobType = "painting"
	TypeInspection JobType = "inspection"
	TypePackaging  JobType = "packaging"
)

// KnownJobTypes lists every job type the supervisor can dispatch.
func KnownJobTypes() []JobType {
	return []JobType{TypeAssembly, TypeWelding, TypePainting, TypeInspection, TypePackaging}
}

// ParseJobType validates a job type string from configuration or the wire.
func ParseJobType(s string) (JobType, error) {
	candidate := JobType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range KnownJobTypes() {
		if candidate == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", laberrors.ErrUnknownJobType, s)
}

// Job is one unit of work the supervisor auctions off. Immutable after
// creation; ownership ends once the auction outcome is recorded.
type Job struct {
	ID       string
	Type     JobType
	IssuedAt time.Time
}

// NewJob allocates a job with a fresh short id, in the original lab's
// 8-character uuid prefix format.
func NewJob(jobType JobType) *Job {
	return &Job{
		ID:       uuid.NewString()[:8],
		Type:     jobType,
		IssuedAt: time.Now(),
	}
}

// CapabilityTable maps job types to a machine's estimated completion time.
// Fixed at machine construction; an absent type means "incapable".
type CapabilityTable map[JobType]time.Duration

// NewCapabilityTable builds and validates a capability table from raw
// configuration entries.
func NewCapabilityTable(raw map[string]time.Duration) (CapabilityTable, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("capability table cannot be empty")
	}

	table := make(CapabilityTable, len(raw))
	for name, d := range raw {
		jobType, err := ParseJobType(name)
		if err != nil {
			return nil, err
		}
		// Proposed and agreed times travel as whole milliseconds, so a
		// finer-grained capability would encode as zero and never win.
		if d < time.Millisecond {
			return nil, fmt.Errorf("capability %s: completion time must be at least 1ms, got %v", jobType, d)
		}
		table[jobType] = d
	}
	return table, nil
}

// Lookup returns the estimated completion time for a job type, and whether
// the machine is capable of it at all.
func (c CapabilityTable) Lookup(jobType JobType) (time.Duration, bool) {
	d, ok := c[jobType]
	return d, ok
}

// Types returns the capable job types in stable order.
func (c CapabilityTable) Types() []JobType {
	types := make([]JobType, 0, len(c))
	for t := range c {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
