// Package machine implements the contract-net worker: it answers
// calls-for-proposal according to its capability table and availability,
// and tracks a single busy/idle execution slot.
package machine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/domain"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/protocol"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
	"github.com/a-chakir/mqtt-lab/pkg/config"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

// State is the machine's availability.
type State string

const (
	StateIdle State = "IDLE"
	StateBusy State = "BUSY"
)

// outstandingBid remembers a submitted bid awaiting the auction outcome.
type outstandingBid struct {
	proposed    time.Duration
	submittedAt time.Time
}

// Machine is a worker agent. All state transitions happen on the Run
// loop's goroutine; the mutex only guards the snapshot accessors.
type Machine struct {
	id           string
	capabilities domain.CapabilityTable
	jitter       float64

	bus     bus.Bus
	metrics *metrics.Collector
	logger  *logger.Logger

	mu          sync.Mutex
	state       State
	currentJob  string
	lastJob     string
	outstanding map[string]outstandingBid

	bidsSubmitted int
	bidsWon       int
	jobsCompleted int
}

// New builds a machine from its fleet configuration entry.
func New(cfg config.MachineConfig, b bus.Bus, collector *metrics.Collector, log *logger.Logger) (*Machine, error) {
	if cfg.ID == "" {
		return nil, laberrors.WrapConfigError("machines", "id", laberrors.ErrInvalidConfig)
	}

	raw := make(map[string]time.Duration, len(cfg.Capabilities))
	for name, d := range cfg.Capabilities {
		raw[name] = d.Std()
	}
	table, err := domain.NewCapabilityTable(raw)
	if err != nil {
		return nil, laberrors.WrapMachineError(cfg.ID, "capabilities", err)
	}

	return &Machine{
		id:           cfg.ID,
		capabilities: table,
		jitter:       cfg.BidJitter,
		bus:          b,
		metrics:      collector,
		logger:       log.WithField("machine", cfg.ID),
		state:        StateIdle,
		outstanding:  make(map[string]outstandingBid),
	}, nil
}

// ID returns the machine's identifier.
func (m *Machine) ID() string {
	return m.id
}

// State returns the current availability.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentJob returns the job being executed, if any.
func (m *Machine) CurrentJob() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentJob
}

// Stats returns bid/win/completion counters.
func (m *Machine) Stats() (submitted, won, completed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bidsSubmitted, m.bidsWon, m.jobsCompleted
}

// Run subscribes to the machine's topics and processes messages until ctx
// is cancelled. It owns all state transitions.
func (m *Machine) Run(ctx context.Context) error {
	cfpCh, cfpUnsub, err := m.bus.Subscribe(ctx, protocol.TopicCfP)
	if err != nil {
		return laberrors.WrapMachineError(m.id, "subscribe-cfp", err)
	}
	defer cfpUnsub()

	awardCh, awardUnsub, err := m.bus.Subscribe(ctx, protocol.AwardTopic(m.id))
	if err != nil {
		return laberrors.WrapMachineError(m.id, "subscribe-awards", err)
	}
	defer awardUnsub()

	rejectCh, rejectUnsub, err := m.bus.Subscribe(ctx, protocol.RejectTopic(m.id))
	if err != nil {
		return laberrors.WrapMachineError(m.id, "subscribe-rejects", err)
	}
	defer rejectUnsub()

	m.logger.Info("machine ready", "capabilities", m.capabilities.Types())

	// Nil while idle; armed with the agreed completion time on award.
	var execDone <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			submitted, won, completed := m.Stats()
			m.logger.Info("machine stopping", "bids", submitted, "won", won, "completed", completed)
			return nil

		case msg, ok := <-cfpCh:
			if !ok {
				return nil
			}
			m.handleCfP(ctx, msg)

		case msg, ok := <-awardCh:
			if !ok {
				return nil
			}
			if timer := m.handleAward(msg); timer != nil {
				execDone = timer
			}

		case msg, ok := <-rejectCh:
			if !ok {
				return nil
			}
			m.handleRejection(msg)

		case completedAt := <-execDone:
			execDone = nil
			m.handleCompletion(completedAt)
		}
	}
}

// handleCfP answers one call-for-proposal: a bid when idle and capable,
// an explicit rejection otherwise (the original lab's behavior; the
// supervisor only ever evaluates the bid set, so staying silent would be
// equally correct).
func (m *Machine) handleCfP(ctx context.Context, msg bus.Message) {
	cfp, err := protocol.DecodeCallForProposal(msg.Payload)
	if err != nil {
		m.metrics.MalformedMessage("machine")
		m.logger.Debug("dropping malformed cfp", "error", err)
		return
	}

	m.mu.Lock()
	busy := m.state == StateBusy
	m.mu.Unlock()

	if busy {
		m.logger.Debug("busy, rejecting cfp", "jobId", cfp.JobID)
		m.metrics.CfPRejected(m.id, string(protocol.ReasonBusy))
		m.publishRejection(ctx, cfp.JobID, protocol.ReasonBusy)
		return
	}

	estimate, capable := m.capabilities.Lookup(cfp.JobType)
	if !capable {
		m.logger.Debug("incapable, rejecting cfp", "jobId", cfp.JobID, "jobType", cfp.JobType)
		m.metrics.CfPRejected(m.id, string(protocol.ReasonIncapable))
		m.publishRejection(ctx, cfp.JobID, protocol.ReasonIncapable)
		return
	}

	proposed := m.proposeTime(estimate)
	bid := protocol.NewBid(cfp.JobID, m.id, proposed)
	payload, err := protocol.Encode(bid)
	if err != nil {
		m.logger.Error("failed to encode bid", "jobId", cfp.JobID, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, protocol.BidTopic(cfp.JobID), payload); err != nil {
		m.logger.Error("failed to publish bid", "jobId", cfp.JobID, "error", err)
		return
	}

	m.mu.Lock()
	m.pruneOutstandingLocked()
	m.outstanding[cfp.JobID] = outstandingBid{proposed: proposed, submittedAt: time.Now()}
	m.bidsSubmitted++
	m.mu.Unlock()

	m.metrics.BidSubmitted(m.id)
	m.logger.Info("bid submitted", "jobId", cfp.JobID, "jobType", cfp.JobType, "proposed", proposed)
}

// proposeTime applies the configured jitter fraction to the capability
// table estimate, as the original lab did, with a 1ms floor.
func (m *Machine) proposeTime(estimate time.Duration) time.Duration {
	if m.jitter <= 0 {
		return estimate
	}
	factor := 1 + (rand.Float64()*2-1)*m.jitter
	proposed := time.Duration(float64(estimate) * factor)
	if proposed < time.Millisecond {
		proposed = time.Millisecond
	}
	return proposed
}

// handleAward validates an award and, if acceptable, transitions to Busy.
// It returns the completion timer channel to arm, or nil when no
// transition happened.
func (m *Machine) handleAward(msg bus.Message) <-chan time.Time {
	award, err := protocol.DecodeAward(msg.Payload)
	if err != nil {
		m.metrics.MalformedMessage("machine")
		m.logger.Debug("dropping malformed award", "error", err)
		return nil
	}
	if award.MachineID != m.id {
		// Addressed topics make this unreachable short of a confused
		// supervisor; drop rather than act on someone else's award.
		m.logger.Warn("award addressed to another machine", "jobId", award.JobID, "machineId", award.MachineID)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateBusy {
		if award.JobID == m.currentJob {
			// Duplicate delivery of the award we are already executing.
			m.logger.Debug("duplicate award ignored", "jobId", award.JobID)
			return nil
		}
		// A second assignment while busy must never displace the current
		// job. Possible when bids on overlapping auctions both win.
		m.metrics.InvalidAward(m.id)
		m.logger.Warn("award received while busy, rejecting", "jobId", award.JobID, "currentJob", m.currentJob)
		return nil
	}

	if award.JobID == m.lastJob {
		m.logger.Debug("duplicate award for completed job ignored", "jobId", award.JobID)
		return nil
	}

	if _, ok := m.outstanding[award.JobID]; !ok {
		m.metrics.InvalidAward(m.id)
		m.logger.Warn("award for unknown job, rejecting", "jobId", award.JobID)
		return nil
	}

	delete(m.outstanding, award.JobID)
	m.state = StateBusy
	m.currentJob = award.JobID
	m.bidsWon++

	m.metrics.BidWon(m.id)
	m.logger.Info("job won, starting execution", "jobId", award.JobID, "duration", award.Agreed())

	return time.After(award.Agreed())
}

// handleCompletion returns the machine to Idle once the simulated
// execution has elapsed.
func (m *Machine) handleCompletion(completedAt time.Time) {
	m.mu.Lock()
	jobID := m.currentJob
	m.state = StateIdle
	m.currentJob = ""
	m.lastJob = jobID
	m.jobsCompleted++
	completed := m.jobsCompleted
	m.mu.Unlock()

	m.metrics.JobCompleted(m.id)
	m.logger.Info("job completed", "jobId", jobID, "at", completedAt, "totalCompleted", completed)
}

// handleRejection is informational only; it clears the outstanding bid.
func (m *Machine) handleRejection(msg bus.Message) {
	rej, err := protocol.DecodeRejection(msg.Payload)
	if err != nil {
		m.metrics.MalformedMessage("machine")
		m.logger.Debug("dropping malformed rejection", "error", err)
		return
	}

	m.mu.Lock()
	delete(m.outstanding, rej.JobID)
	m.mu.Unlock()

	m.logger.Debug("bid not selected", "jobId", rej.JobID)
}

func (m *Machine) publishRejection(ctx context.Context, jobID string, reason protocol.Reason) {
	payload, err := protocol.Encode(protocol.NewRejection(jobID, m.id, reason))
	if err != nil {
		m.logger.Error("failed to encode rejection", "jobId", jobID, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, protocol.BidTopic(jobID), payload); err != nil {
		m.logger.Error("failed to publish rejection", "jobId", jobID, "error", err)
	}
}

// pruneOutstandingLocked drops stale entries for auctions that never
// announced an outcome. Callers hold m.mu.
func (m *Machine) pruneOutstandingLocked() {
	cutoff := time.Now().Add(-time.Minute)
	for jobID, bid := range m.outstanding {
		if bid.submittedAt.Before(cutoff) {
			delete(m.outstanding, jobID)
		}
	}
}
