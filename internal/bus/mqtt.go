package bus

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/a-chakir/mqtt-lab/pkg/config"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

// MQTTBus adapts a paho MQTT client to the Bus contract. All traffic is
// QoS 0, matching the original lab: the protocol tolerates lost messages
// (an unanswered CfP is simply a machine that did not bid).
type MQTTBus struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *logger.Logger

	bufferSize int
	closed     bool
	closeMutex sync.RWMutex
}

// MQTTOption configures an MQTTBus.
type MQTTOption func(*MQTTBus)

// WithSubscribeBuffer sets the per-subscription channel buffer.
func WithSubscribeBuffer(size int) MQTTOption {
	return func(b *MQTTBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewMQTTBus connects to the broker described by cfg and returns a bus
// bound to that connection.
func NewMQTTBus(cfg config.BrokerConfig, log *logger.Logger, opts ...MQTTOption) (*MQTTBus, error) {
	timeout := cfg.ConnectTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	b := &MQTTBus{
		timeout:    timeout,
		logger:     log.WithField("component", "mqtt-bus"),
		bufferSize: 64,
	}
	for _, opt := range opts {
		opt(b)
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			b.logger.Info("connected to broker", "url", cfg.URL())
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, laberrors.WrapBusError("", "connect", laberrors.ErrNotConnected)
	}
	if err := token.Error(); err != nil {
		return nil, laberrors.WrapBusError("", "connect", err)
	}

	b.client = client
	return b, nil
}

// Publish sends a payload to the given topic at QoS 0.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return laberrors.WrapBusError(topic, "publish", laberrors.ErrBusClosed)
	}

	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return laberrors.WrapBusError(topic, "publish", laberrors.ErrNotConnected)
	}
	return laberrors.WrapBusError(topic, "publish", token.Error())
}

// Subscribe bridges a paho subscription into a channel with the same
// semantics as the in-memory bus: buffered, non-blocking delivery.
func (b *MQTTBus) Subscribe(ctx context.Context, filter string) (<-chan Message, func(), error) {
	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return nil, nil, laberrors.WrapBusError(filter, "subscribe", laberrors.ErrBusClosed)
	}

	subCtx, cancel := context.WithCancel(ctx)

	ch := make(chan Message, b.bufferSize)

	// The channel close must not race with a paho handler still delivering:
	// senders take the read lock, the closer takes the write lock.
	var sendMu sync.RWMutex
	chClosed := false
	closeCh := func() {
		sendMu.Lock()
		defer sendMu.Unlock()
		if !chClosed {
			chClosed = true
			close(ch)
		}
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		m := Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			Timestamp: time.Now(),
		}
		sendMu.RLock()
		defer sendMu.RUnlock()
		if chClosed {
			return
		}
		select {
		case ch <- m:
		default:
			b.logger.Debug("dropping message for slow subscriber", "topic", msg.Topic())
		}
	}

	token := b.client.Subscribe(filter, 0, handler)
	if !token.WaitTimeout(b.timeout) {
		cancel()
		return nil, nil, laberrors.WrapBusError(filter, "subscribe", laberrors.ErrNotConnected)
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, nil, laberrors.WrapBusError(filter, "subscribe", err)
	}

	unsubscribe := func() {
		cancel()
		unsubToken := b.client.Unsubscribe(filter)
		unsubToken.WaitTimeout(b.timeout)
		closeCh()
	}

	go func() {
		<-subCtx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe, nil
}

// Close disconnects from the broker.
func (b *MQTTBus) Close() error {
	b.closeMutex.Lock()
	defer b.closeMutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.client.Disconnect(250)
	return nil
}
