package supervisor

import (
	"sync"
	"time"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/domain"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/protocol"
)

// Auction is the supervisor's record of one job's negotiation window.
// Inbound handlers and the evaluation step synchronize on its mutex, so
// "close for writes" and "read for evaluation" are atomic with respect to
// each other: once Close has run, no late bid can slip into the snapshot.
type Auction struct {
	job      *domain.Job
	deadline time.Time

	msgs  <-chan bus.Message
	unsub func()

	mu         sync.Mutex
	open       bool
	bids       map[string]*protocol.Bid
	rejections map[string]*protocol.Rejection
	late       int
}

func newAuction(job *domain.Job, deadline time.Time) *Auction {
	return &Auction{
		job:        job,
		deadline:   deadline,
		open:       true,
		bids:       make(map[string]*protocol.Bid),
		rejections: make(map[string]*protocol.Rejection),
	}
}

// Job returns the job under negotiation.
func (a *Auction) Job() *domain.Job {
	return a.job
}

// Deadline returns the bid cutoff instant.
func (a *Auction) Deadline() time.Time {
	return a.deadline
}

// RecordBid merges a bid into the record. A later bid from the same
// machine overwrites the earlier one. Returns false when the record is
// already closed or the bid arrived at or after the deadline; such bids
// never affect evaluation.
func (a *Auction) RecordBid(bid *protocol.Bid, receivedAt time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open || !receivedAt.Before(a.deadline) {
		a.late++
		return false
	}

	a.bids[bid.MachineID] = bid
	return true
}

// RecordRejection notes a machine's explicit refusal. Rejections are kept
// for observability only; evaluation never reads them.
func (a *Auction) RecordRejection(rej *protocol.Rejection, receivedAt time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open || !receivedAt.Before(a.deadline) {
		a.late++
		return false
	}

	a.rejections[rej.MachineID] = rej
	return true
}

// Close flips the record shut and returns the recorded bids. The flip and
// the snapshot happen under the same lock acquisition as the handlers'
// writes, which closes the deadline race: a concurrent RecordBid either
// completed before this call or observes the closed record and drops.
func (a *Auction) Close() []*protocol.Bid {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.open = false

	bids := make([]*protocol.Bid, 0, len(a.bids))
	for _, b := range a.bids {
		bids = append(bids, b)
	}
	return bids
}

// LateCount reports how many messages were dropped for arriving at or
// after the deadline.
func (a *Auction) LateCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

// BidderIDs returns the machines with a recorded bid. Only valid after
// Close; used to address not-selected rejections.
func (a *Auction) BidderIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.bids))
	for id := range a.bids {
		ids = append(ids, id)
	}
	return ids
}
