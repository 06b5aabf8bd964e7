package sensornet

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

const (
	// Fraction of readings a faulty sensor corrupts.
	faultProbability = 0.3
	// Corrupted readings land this many amplitudes off the baseline, far
	// outside any 2-sigma band.
	faultOffsetFactor = 4.0
	readingNoise      = 0.5
)

// Sensor simulates one physical sensor: a slow sinusoid around a base
// value plus noise. A faulty sensor occasionally emits a wild reading
// until a reset command arrives.
type Sensor struct {
	id         string
	zone       string
	sensorType string
	base       float64
	amplitude  float64
	interval   time.Duration

	bus    bus.Bus
	logger *logger.Logger

	mu        sync.Mutex
	faulty    bool
	startedAt time.Time

	published int
}

// SensorOptions configures a Sensor.
type SensorOptions struct {
	ID         string
	Zone       string
	SensorType string
	Base       float64
	Amplitude  float64
	Interval   time.Duration
	Faulty     bool
}

// NewSensor builds a sensor agent.
func NewSensor(opts SensorOptions, b bus.Bus, log *logger.Logger) (*Sensor, error) {
	if opts.ID == "" || opts.Zone == "" || opts.SensorType == "" {
		return nil, laberrors.WrapConfigError("sensornet", "sensor", laberrors.ErrInvalidConfig)
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}

	return &Sensor{
		id:         opts.ID,
		zone:       opts.Zone,
		sensorType: opts.SensorType,
		base:       opts.Base,
		amplitude:  opts.Amplitude,
		interval:   opts.Interval,
		faulty:     opts.Faulty,
		bus:        b,
		logger:     log.WithField("sensor", opts.ID),
	}, nil
}

// Faulty reports whether the sensor is currently corrupting readings.
func (s *Sensor) Faulty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulty
}

// Run publishes readings every interval and honors reset commands until
// ctx is cancelled.
func (s *Sensor) Run(ctx context.Context) error {
	resetCh, unsub, err := s.bus.Subscribe(ctx, ResetTopic(s.id))
	if err != nil {
		return laberrors.WrapBusError(ResetTopic(s.id), "subscribe", err)
	}
	defer unsub()

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("sensor online",
		"topic", ReadingTopic(s.zone, s.sensorType, s.id),
		"interval", s.interval,
		"faulty", s.Faulty())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sensor stopping", "published", s.published)
			return nil

		case msg, ok := <-resetCh:
			if !ok {
				return nil
			}
			s.handleReset(msg)

		case <-ticker.C:
			s.publishReading(ctx)
		}
	}
}

func (s *Sensor) publishReading(ctx context.Context) {
	value := s.generateReading()

	payload, err := encode(Reading{
		SensorID:  s.id,
		Zone:      s.zone,
		Type:      s.sensorType,
		Value:     value,
		Timestamp: float64(time.Now().UnixMilli()) / 1000.0,
	})
	if err != nil {
		s.logger.Error("failed to encode reading", "error", err)
		return
	}

	if err := s.bus.Publish(ctx, ReadingTopic(s.zone, s.sensorType, s.id), payload); err != nil {
		s.logger.Error("failed to publish reading", "error", err)
		return
	}

	s.published++
	s.logger.Debug("reading published", "value", value)
}

// generateReading produces the next sample: base + amplitude*sin(0.1t) +
// noise, matching the simulated signal of the original lab. A faulty
// sensor corrupts roughly a third of its readings.
func (s *Sensor) generateReading() float64 {
	s.mu.Lock()
	elapsed := time.Since(s.startedAt).Seconds()
	faulty := s.faulty
	s.mu.Unlock()

	value := s.base + s.amplitude*math.Sin(elapsed*0.1)
	value += (rand.Float64()*2 - 1) * readingNoise

	if faulty && rand.Float64() < faultProbability {
		sign := 1.0
		if rand.Float64() < 0.5 {
			sign = -1.0
		}
		value += sign * s.amplitude * faultOffsetFactor
		s.logger.Warn("emitting faulty reading", "value", value)
	}

	return math.Round(value*100) / 100
}

func (s *Sensor) handleReset(msg bus.Message) {
	s.mu.Lock()
	s.faulty = false
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("reset received, resuming normal readings", "topic", msg.Topic)
}
