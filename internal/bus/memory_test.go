package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

func receiveOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed before message arrived")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"cfp/jobs", "cfp/jobs", true},
		{"cfp/jobs", "cfp/other", false},
		{"bids/j1", "bids/j2", false},
		{"sensors/living_room/temperature/+", "sensors/living_room/temperature/t1", true},
		{"sensors/living_room/temperature/+", "sensors/living_room/humidity/t1", false},
		{"sensors/living_room/temperature/+", "sensors/living_room/temperature/t1/extra", false},
		{"sensors/#", "sensors/living_room/temperature/t1", true},
		{"sensors/#", "averages/living_room/temperature", false},
		{"#", "anything/at/all", true},
		{"sensors/+/temperature/+", "sensors/kitchen/temperature/t9", true},
		{"cfp/jobs", "cfp/jobs/extra", false},
		{"cfp/jobs/extra", "cfp/jobs", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic))
		})
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ch, unsub, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), "cfp/jobs", []byte("hello")))

	msg := receiveOne(t, ch)
	assert.Equal(t, "cfp/jobs", msg.Topic)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestMemoryBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ch, unsub, err := b.Subscribe(context.Background(), "sensors/kitchen/temperature/+")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), "sensors/kitchen/temperature/t1", []byte("21.5")))
	require.NoError(t, b.Publish(context.Background(), "sensors/kitchen/humidity/h1", []byte("55")))

	msg := receiveOne(t, ch)
	assert.Equal(t, "sensors/kitchen/temperature/t1", msg.Topic)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected message on non-matching topic: %s", extra.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ch1, unsub1, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)
	defer unsub1()

	ch2, unsub2, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(context.Background(), "cfp/jobs", []byte("j1")))

	assert.Equal(t, []byte("j1"), receiveOne(t, ch1).Payload)
	assert.Equal(t, []byte("j1"), receiveOne(t, ch2).Payload)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ch, unsub, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)

	unsub()

	// Channel is closed after unsubscribe.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing afterwards must not panic or deliver.
	require.NoError(t, b.Publish(context.Background(), "cfp/jobs", []byte("late")))
}

func TestMemoryBus_ContextCancelTearsDown(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(ctx, "cfp/jobs")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestMemoryBus_FullBufferDrops(t *testing.T) {
	b := NewMemoryBus(WithBufferSize(1))
	defer b.Close()

	_, unsub, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), "cfp/jobs", []byte("first")))
	require.NoError(t, b.Publish(context.Background(), "cfp/jobs", []byte("second")))

	assert.Equal(t, int64(1), b.Dropped())
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus()

	ch, _, err := b.Subscribe(context.Background(), "cfp/jobs")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed on bus close")
	}

	err = b.Publish(context.Background(), "cfp/jobs", []byte("x"))
	assert.ErrorIs(t, err, laberrors.ErrBusClosed)

	_, _, err = b.Subscribe(context.Background(), "cfp/jobs")
	assert.ErrorIs(t, err, laberrors.ErrBusClosed)
}

func TestMemoryBus_PublishCancelledContext(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, "cfp/jobs", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

// Publishers racing an unsubscribe must never send on the closed
// channel. This mirrors a machine publishing a late bid while the
// supervisor tears down the auction's subscription.
func TestMemoryBus_PublishUnsubscribeRace(t *testing.T) {
	b := NewMemoryBus(WithBufferSize(1))
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		_, unsub, err := b.Subscribe(ctx, "bids/j1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					_ = b.Publish(ctx, "bids/j1", []byte("x"))
				}
			}()
		}

		unsub()
		wg.Wait()
	}
}
