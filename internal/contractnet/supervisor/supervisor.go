// Package supervisor implements the contract-net coordinator: it
// broadcasts calls-for-proposal, collects bids inside a deadline-bounded
// window, selects a winner and announces the outcome.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
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

// Outcome is the terminal result of one job's auction.
type Outcome struct {
	Job      *domain.Job
	Assigned bool
	Winner   string
	Agreed   time.Duration
	BidCount int
}

// Supervisor drives one auction per job over the bus.
type Supervisor struct {
	bus      bus.Bus
	cfg      config.AuctionConfig
	jobTypes []domain.JobType
	metrics  *metrics.Collector
	logger   *logger.Logger

	statsMu    sync.Mutex
	assigned   int
	unassigned int
}

// New builds a supervisor from configuration.
func New(b bus.Bus, cfg config.AuctionConfig, collector *metrics.Collector, log *logger.Logger) (*Supervisor, error) {
	if cfg.BidDeadline <= 0 {
		return nil, laberrors.WrapConfigError("auction", "bidDeadline", laberrors.ErrInvalidConfig)
	}

	jobTypes := make([]domain.JobType, 0, len(cfg.JobTypes))
	for _, raw := range cfg.JobTypes {
		t, err := domain.ParseJobType(raw)
		if err != nil {
			return nil, laberrors.WrapConfigError("auction", "jobTypes", err)
		}
		jobTypes = append(jobTypes, t)
	}
	if len(jobTypes) == 0 {
		return nil, laberrors.WrapConfigError("auction", "jobTypes", laberrors.ErrInvalidConfig)
	}

	return &Supervisor{
		bus:      b,
		cfg:      cfg,
		jobTypes: jobTypes,
		metrics:  collector,
		logger:   log.WithField("component", "supervisor"),
	}, nil
}

// Dispatch opens an auction for a new job of the given type: it subscribes
// to the job's bid topic, publishes the CfP broadcast and returns
// immediately with the open record.
func (s *Supervisor) Dispatch(ctx context.Context, jobType domain.JobType) (*Auction, error) {
	job := domain.NewJob(jobType)
	auction := newAuction(job, time.Now().Add(s.cfg.BidDeadline.Std()))

	// Subscribe before the CfP goes out so no answer can beat the listener.
	msgs, unsub, err := s.bus.Subscribe(ctx, protocol.BidTopic(job.ID))
	if err != nil {
		return nil, laberrors.WrapAuctionError(job.ID, "subscribe", err)
	}
	auction.msgs = msgs
	auction.unsub = unsub

	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	if err != nil {
		unsub()
		return nil, laberrors.WrapAuctionError(job.ID, "encode", err)
	}
	if err := s.bus.Publish(ctx, protocol.TopicCfP, payload); err != nil {
		unsub()
		return nil, laberrors.WrapAuctionError(job.ID, "publish", err)
	}

	s.logger.Info("cfp sent", "jobId", job.ID, "jobType", job.Type, "deadline", s.cfg.BidDeadline.Std())
	return auction, nil
}

// Collect consumes the auction's bid topic until the deadline elapses,
// merging every timely bid and rejection into the record.
func (s *Supervisor) Collect(ctx context.Context, auction *Auction) error {
	timer := time.NewTimer(time.Until(auction.Deadline()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// Messages already delivered to the buffer keep their publish
			// timestamps; the record's deadline check decides their fate.
			s.drainPending(auction)
			return nil
		case msg, ok := <-auction.msgs:
			if !ok {
				return nil
			}
			s.handleBidMessage(auction, msg)
		}
	}
}

func (s *Supervisor) drainPending(auction *Auction) {
	for {
		select {
		case msg, ok := <-auction.msgs:
			if !ok {
				return
			}
			s.handleBidMessage(auction, msg)
		default:
			return
		}
	}
}

// handleBidMessage routes one inbound message into the auction record.
// Malformed payloads and answers for other jobs are dropped.
func (s *Supervisor) handleBidMessage(auction *Auction, msg bus.Message) {
	kind, err := protocol.PeekKind(msg.Payload)
	if err != nil {
		s.metrics.MalformedMessage("supervisor")
		s.logger.Debug("dropping malformed message", "topic", msg.Topic, "error", err)
		return
	}

	switch kind {
	case protocol.KindBid:
		bid, err := protocol.DecodeBid(msg.Payload)
		if err != nil {
			s.metrics.MalformedMessage("supervisor")
			s.logger.Debug("dropping malformed bid", "topic", msg.Topic, "error", err)
			return
		}
		if bid.JobID != auction.job.ID {
			return
		}
		if auction.RecordBid(bid, msg.Timestamp) {
			s.metrics.BidRecorded(string(auction.job.Type))
			s.logger.Info("bid received", "jobId", bid.JobID, "machineId", bid.MachineID, "proposed", bid.Proposed())
		} else {
			s.metrics.LateMessage(string(protocol.KindBid))
			s.logger.Warn("bid arrived after deadline", "jobId", bid.JobID, "machineId", bid.MachineID)
		}

	case protocol.KindReject:
		rej, err := protocol.DecodeRejection(msg.Payload)
		if err != nil {
			s.metrics.MalformedMessage("supervisor")
			s.logger.Debug("dropping malformed rejection", "topic", msg.Topic, "error", err)
			return
		}
		if rej.JobID != auction.job.ID {
			return
		}
		if auction.RecordRejection(rej, msg.Timestamp) {
			s.logger.Debug("rejection received", "jobId", rej.JobID, "machineId", rej.MachineID, "reason", rej.Reason)
		} else {
			s.metrics.LateMessage(string(protocol.KindReject))
		}

	default:
		s.metrics.MalformedMessage("supervisor")
		s.logger.Debug("unexpected message kind on bid topic", "topic", msg.Topic, "kind", kind)
	}
}

// Evaluate atomically closes the auction, selects the winner among the
// recorded bids, publishes the award and not-selected rejections, and
// returns the outcome. Zero bids resolve to an unassigned job and no
// award is ever published for it.
func (s *Supervisor) Evaluate(ctx context.Context, auction *Auction) Outcome {
	bids := auction.Close()
	if auction.unsub != nil {
		auction.unsub()
	}

	job := auction.job
	outcome := Outcome{Job: job, BidCount: len(bids)}

	if len(bids) == 0 {
		s.statsMu.Lock()
		s.unassigned++
		s.statsMu.Unlock()
		s.metrics.JobUnassigned(string(job.Type))
		s.logger.Warn("no bids received, job unassigned", "jobId", job.ID, "jobType", job.Type)
		return outcome
	}

	// Minimum proposed time wins; exact ties fall to the lexicographically
	// smallest machine id so evaluation is deterministic.
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].ProposedMs != bids[j].ProposedMs {
			return bids[i].ProposedMs < bids[j].ProposedMs
		}
		return bids[i].MachineID < bids[j].MachineID
	})
	winner := bids[0]

	outcome.Assigned = true
	outcome.Winner = winner.MachineID
	outcome.Agreed = winner.Proposed()

	s.publishAward(ctx, job, winner)
	for _, machineID := range auction.BidderIDs() {
		if machineID != winner.MachineID {
			s.publishNotSelected(ctx, job, machineID)
		}
	}

	s.statsMu.Lock()
	s.assigned++
	s.statsMu.Unlock()
	s.metrics.JobAssigned(string(job.Type))
	s.logger.Info("job awarded",
		"jobId", job.ID,
		"machineId", winner.MachineID,
		"agreed", winner.Proposed(),
		"bids", len(bids),
		"late", auction.LateCount())

	return outcome
}

func (s *Supervisor) publishAward(ctx context.Context, job *domain.Job, bid *protocol.Bid) {
	payload, err := protocol.Encode(protocol.NewAward(job.ID, bid.MachineID, bid.Proposed()))
	if err != nil {
		s.logger.Error("failed to encode award", "jobId", job.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, protocol.AwardTopic(bid.MachineID), payload); err != nil {
		s.logger.Error("failed to publish award", "jobId", job.ID, "machineId", bid.MachineID, "error", err)
	}
}

func (s *Supervisor) publishNotSelected(ctx context.Context, job *domain.Job, machineID string) {
	payload, err := protocol.Encode(protocol.NewRejection(job.ID, machineID, protocol.ReasonNotSelected))
	if err != nil {
		s.logger.Error("failed to encode rejection", "jobId", job.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, protocol.RejectTopic(machineID), payload); err != nil {
		s.logger.Error("failed to publish rejection", "jobId", job.ID, "machineId", machineID, "error", err)
	}
}

// RunAuction drives one complete round: dispatch, collect until the
// deadline, evaluate.
func (s *Supervisor) RunAuction(ctx context.Context, jobType domain.JobType) (Outcome, error) {
	auction, err := s.Dispatch(ctx, jobType)
	if err != nil {
		return Outcome{}, err
	}

	if err := s.Collect(ctx, auction); err != nil {
		auction.Close()
		if auction.unsub != nil {
			auction.unsub()
		}
		return Outcome{}, laberrors.WrapAuctionError(auction.job.ID, "collect", err)
	}

	return s.Evaluate(ctx, auction), nil
}

// Run dispatches the configured number of jobs, spaced by the dispatch
// interval. Each auction waits out its own deadline, so auctions overlap
// when the interval is shorter than the deadline; per-record locking
// keeps overlapping auctions independent.
func (s *Supervisor) Run(ctx context.Context) ([]Outcome, error) {
	var (
		wg        sync.WaitGroup
		outcomeMu sync.Mutex
		outcomes  []Outcome
	)

	for i := 0; i < s.cfg.JobCount; i++ {
		jobType := s.jobTypes[rand.Intn(len(s.jobTypes))]

		s.logger.Info("dispatching job", "round", fmt.Sprintf("%d/%d", i+1, s.cfg.JobCount), "jobType", jobType)

		auction, err := s.Dispatch(ctx, jobType)
		if err != nil {
			s.logger.Error("dispatch failed", "jobType", jobType, "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Collect(ctx, auction); err != nil {
					s.logger.Debug("collection interrupted", "jobId", auction.job.ID, "error", err)
				}
				outcome := s.Evaluate(ctx, auction)
				outcomeMu.Lock()
				outcomes = append(outcomes, outcome)
				outcomeMu.Unlock()
			}()
		}

		if i < s.cfg.JobCount-1 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return outcomes, ctx.Err()
			case <-time.After(s.cfg.DispatchInterval.Std()):
			}
		}
	}

	wg.Wait()

	assigned, unassigned := s.Stats()
	s.logger.Info("all auctions finished", "assigned", assigned, "unassigned", unassigned)
	return outcomes, nil
}

// Stats returns how many jobs ended assigned and unassigned.
func (s *Supervisor) Stats() (assigned, unassigned int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.assigned, s.unassigned
}
