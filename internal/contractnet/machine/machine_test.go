package machine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/domain"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/protocol"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
	"github.com/a-chakir/mqtt-lab/pkg/config"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

func testMachineConfig(id string, caps map[string]time.Duration) config.MachineConfig {
	wrapped := make(map[string]config.Duration, len(caps))
	for name, d := range caps {
		wrapped[name] = config.Duration(d)
	}
	// Zero jitter keeps proposed times deterministic.
	return config.MachineConfig{ID: id, Capabilities: wrapped}
}

// startMachine runs the machine and blocks until its three subscriptions
// are live, so a CfP published right after cannot be missed.
func startMachine(t *testing.T, b *bus.MemoryBus, m *Machine) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	before := b.SubscriberCount()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.SubscriberCount() >= before+3
	}, time.Second, 5*time.Millisecond, "machine subscriptions not established")

	return cancel
}

func receiveMessage(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return bus.Message{}
	}
}

func newHarness(t *testing.T, caps map[string]time.Duration) (*bus.MemoryBus, *Machine) {
	t.Helper()

	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	log := logger.NewWithConfig(logger.Config{Level: logger.ERROR, Output: io.Discard})
	m, err := New(testMachineConfig("machine_A", caps), b, metrics.NewCollector("test", log), log)
	require.NoError(t, err)
	return b, m
}

func TestNew_RejectsUnknownCapability(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	log := logger.NewWithConfig(logger.Config{Level: logger.ERROR, Output: io.Discard})
	cfg := testMachineConfig("machine_A", map[string]time.Duration{"origami": time.Second})
	_, err := New(cfg, b, metrics.NewCollector("test", log), log)
	assert.Error(t, err)
}

func TestMachine_BidsWhenIdleAndCapable(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"welding": 5 * time.Second})

	job := domain.NewJob(domain.TypeWelding)
	answers, unsub, err := b.Subscribe(context.Background(), protocol.BidTopic(job.ID))
	require.NoError(t, err)
	defer unsub()

	cancel := startMachine(t, b, m)
	defer cancel()

	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), protocol.TopicCfP, payload))

	msg := receiveMessage(t, answers)
	bid, err := protocol.DecodeBid(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, job.ID, bid.JobID)
	assert.Equal(t, "machine_A", bid.MachineID)
	assert.Equal(t, 5*time.Second, bid.Proposed())

	submitted, _, _ := m.Stats()
	assert.Equal(t, 1, submitted)
}

func TestMachine_RejectsWhenIncapable(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"welding": 5 * time.Second})

	job := domain.NewJob(domain.TypePainting)
	answers, unsub, err := b.Subscribe(context.Background(), protocol.BidTopic(job.ID))
	require.NoError(t, err)
	defer unsub()

	cancel := startMachine(t, b, m)
	defer cancel()

	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), protocol.TopicCfP, payload))

	msg := receiveMessage(t, answers)
	rej, err := protocol.DecodeRejection(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonIncapable, rej.Reason)
	assert.Equal(t, "machine_A", rej.MachineID)

	submitted, _, _ := m.Stats()
	assert.Zero(t, submitted)
}

func TestMachine_AwardStartsExecutionThenCompletes(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	job := domain.NewJob(domain.TypeAssembly)
	answers, unsub, err := b.Subscribe(context.Background(), protocol.BidTopic(job.ID))
	require.NoError(t, err)
	defer unsub()

	cancel := startMachine(t, b, m)
	defer cancel()

	ctx := context.Background()
	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))
	receiveMessage(t, answers)

	// Award with a short agreed time so the test can observe completion.
	award, err := protocol.Encode(protocol.NewAward(job.ID, "machine_A", 30*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))

	require.Eventually(t, func() bool {
		return m.State() == StateBusy && m.CurrentJob() == job.ID
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, time.Second, 2*time.Millisecond)

	_, won, completed := m.Stats()
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, completed)
	assert.Empty(t, m.CurrentJob())
}

func TestMachine_BusyRejectsNewCfPs(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	first := domain.NewJob(domain.TypeAssembly)
	firstAnswers, unsubFirst, err := b.Subscribe(context.Background(), protocol.BidTopic(first.ID))
	require.NoError(t, err)
	defer unsubFirst()

	cancel := startMachine(t, b, m)
	defer cancel()

	ctx := context.Background()
	payload, err := protocol.Encode(protocol.NewCallForProposal(first))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))
	receiveMessage(t, firstAnswers)

	award, err := protocol.Encode(protocol.NewAward(first.ID, "machine_A", 10*time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))
	require.Eventually(t, func() bool { return m.State() == StateBusy }, time.Second, 2*time.Millisecond)

	second := domain.NewJob(domain.TypeAssembly)
	secondAnswers, unsubSecond, err := b.Subscribe(ctx, protocol.BidTopic(second.ID))
	require.NoError(t, err)
	defer unsubSecond()

	payload, err = protocol.Encode(protocol.NewCallForProposal(second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))

	msg := receiveMessage(t, secondAnswers)
	rej, err := protocol.DecodeRejection(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonBusy, rej.Reason)

	submitted, _, _ := m.Stats()
	assert.Equal(t, 1, submitted, "busy machine must never bid")
}

func TestMachine_AwardWhileBusyIsRefused(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	first := domain.NewJob(domain.TypeAssembly)
	second := domain.NewJob(domain.TypeAssembly)

	ctx := context.Background()
	firstAnswers, unsubFirst, err := b.Subscribe(ctx, protocol.BidTopic(first.ID))
	require.NoError(t, err)
	defer unsubFirst()
	secondAnswers, unsubSecond, err := b.Subscribe(ctx, protocol.BidTopic(second.ID))
	require.NoError(t, err)
	defer unsubSecond()

	cancel := startMachine(t, b, m)
	defer cancel()

	// Bid on two overlapping auctions while idle.
	for _, job := range []*domain.Job{first, second} {
		payload, err := protocol.Encode(protocol.NewCallForProposal(job))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))
	}
	receiveMessage(t, firstAnswers)
	receiveMessage(t, secondAnswers)

	award, err := protocol.Encode(protocol.NewAward(first.ID, "machine_A", 10*time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))
	require.Eventually(t, func() bool { return m.State() == StateBusy }, time.Second, 2*time.Millisecond)

	// A second award must not displace the running job.
	award, err = protocol.Encode(protocol.NewAward(second.ID, "machine_A", 10*time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))

	require.Never(t, func() bool {
		return m.CurrentJob() != first.ID
	}, 100*time.Millisecond, 10*time.Millisecond)

	_, won, _ := m.Stats()
	assert.Equal(t, 1, won)
}

func TestMachine_DuplicateAwardIgnored(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	job := domain.NewJob(domain.TypeAssembly)
	ctx := context.Background()
	answers, unsub, err := b.Subscribe(ctx, protocol.BidTopic(job.ID))
	require.NoError(t, err)
	defer unsub()

	cancel := startMachine(t, b, m)
	defer cancel()

	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))
	receiveMessage(t, answers)

	award, err := protocol.Encode(protocol.NewAward(job.ID, "machine_A", 10*time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))

	require.Eventually(t, func() bool { return m.State() == StateBusy }, time.Second, 2*time.Millisecond)

	_, won, _ := m.Stats()
	assert.Equal(t, 1, won, "redelivered award must not be counted twice")
}

func TestMachine_AwardWithoutOutstandingBidIsRefused(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	cancel := startMachine(t, b, m)
	defer cancel()

	ctx := context.Background()
	award, err := protocol.Encode(protocol.NewAward("phantom01", "machine_A", time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))

	require.Never(t, func() bool {
		return m.State() == StateBusy
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMachine_RejectionClearsOutstandingBid(t *testing.T) {
	b, m := newHarness(t, map[string]time.Duration{"assembly": 4 * time.Second})

	job := domain.NewJob(domain.TypeAssembly)
	ctx := context.Background()
	answers, unsub, err := b.Subscribe(ctx, protocol.BidTopic(job.ID))
	require.NoError(t, err)
	defer unsub()

	cancel := startMachine(t, b, m)
	defer cancel()

	payload, err := protocol.Encode(protocol.NewCallForProposal(job))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.TopicCfP, payload))
	receiveMessage(t, answers)

	rej, err := protocol.Encode(protocol.NewRejection(job.ID, "machine_A", protocol.ReasonNotSelected))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.RejectTopic("machine_A"), rej))

	// After the not-selected notice, a late award for that job is invalid.
	award, err := protocol.Encode(protocol.NewAward(job.ID, "machine_A", time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.AwardTopic("machine_A"), award))

	require.Never(t, func() bool {
		return m.State() == StateBusy
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestProposeTime_JitterBounds(t *testing.T) {
	m := &Machine{jitter: 0.1}
	estimate := 4 * time.Second
	low := time.Duration(float64(estimate) * 0.9)
	high := time.Duration(float64(estimate) * 1.1)

	for i := 0; i < 200; i++ {
		proposed := m.proposeTime(estimate)
		assert.GreaterOrEqual(t, proposed, low)
		assert.LessOrEqual(t, proposed, high)
	}
}

func TestProposeTime_ZeroJitterIsExact(t *testing.T) {
	m := &Machine{}
	assert.Equal(t, 7*time.Second, m.proposeTime(7*time.Second))
}
