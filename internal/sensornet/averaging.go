package sensornet

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

type sample struct {
	at    time.Time
	value float64
}

// Averager collects readings from every sensor of one zone/type pair and
// periodically publishes windowed statistics.
type Averager struct {
	zone       string
	sensorType string
	window     time.Duration
	interval   time.Duration

	bus    bus.Bus
	logger *logger.Logger

	mu      sync.Mutex
	samples map[string][]sample
}

// NewAverager builds an averaging agent for one zone/type pair.
func NewAverager(zone, sensorType string, window, interval time.Duration, b bus.Bus, log *logger.Logger) (*Averager, error) {
	if zone == "" || sensorType == "" {
		return nil, laberrors.WrapConfigError("sensornet", "averager", laberrors.ErrInvalidConfig)
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Averager{
		zone:       zone,
		sensorType: sensorType,
		window:     window,
		interval:   interval,
		bus:        b,
		logger:     log.WithFields("component", "averager", "zone", zone, "sensorType", sensorType),
		samples:    make(map[string][]sample),
	}, nil
}

// Run consumes readings and publishes statistics until ctx is cancelled.
func (a *Averager) Run(ctx context.Context) error {
	readings, unsub, err := a.bus.Subscribe(ctx, ReadingFilter(a.zone, a.sensorType))
	if err != nil {
		return laberrors.WrapBusError(ReadingFilter(a.zone, a.sensorType), "subscribe", err)
	}
	defer unsub()

	a.logger.Info("averaging agent online", "window", a.window, "interval", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-readings:
			if !ok {
				return nil
			}
			a.record(msg)

		case <-ticker.C:
			a.publishAverage(ctx)
		}
	}
}

func (a *Averager) record(msg bus.Message) {
	reading, err := decodeReading(msg.Payload)
	if err != nil {
		a.logger.Debug("dropping malformed reading", "topic", msg.Topic, "error", err)
		return
	}

	a.mu.Lock()
	a.samples[reading.SensorID] = append(a.samples[reading.SensorID], sample{
		at:    msg.Timestamp,
		value: reading.Value,
	})
	a.mu.Unlock()
}

// snapshot prunes samples older than the window and returns the values
// that remain, plus how many distinct sensors contributed.
func (a *Averager) snapshot(now time.Time) ([]float64, int) {
	cutoff := now.Add(-a.window)

	a.mu.Lock()
	defer a.mu.Unlock()

	var values []float64
	sensors := 0
	for sensorID, samples := range a.samples {
		kept := samples[:0]
		for _, s := range samples {
			if !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(a.samples, sensorID)
			continue
		}
		a.samples[sensorID] = kept
		sensors++
		for _, s := range kept {
			values = append(values, s.value)
		}
	}
	return values, sensors
}

func (a *Averager) publishAverage(ctx context.Context) {
	now := time.Now()
	values, sensors := a.snapshot(now)
	if len(values) == 0 {
		a.logger.Debug("no readings in window")
		return
	}

	mean, stddev := meanStdDev(values)

	payload, err := encode(Average{
		Zone:        a.zone,
		Type:        a.sensorType,
		Mean:        math.Round(mean*100) / 100,
		StdDev:      math.Round(stddev*100) / 100,
		SensorCount: sensors,
		SampleCount: len(values),
		WindowMs:    a.window.Milliseconds(),
		Timestamp:   float64(now.UnixMilli()) / 1000.0,
	})
	if err != nil {
		a.logger.Error("failed to encode average", "error", err)
		return
	}

	if err := a.bus.Publish(ctx, AverageTopic(a.zone, a.sensorType), payload); err != nil {
		a.logger.Error("failed to publish average", "error", err)
		return
	}

	a.logger.Info("average published", "mean", mean, "stdDev", stddev, "samples", len(values), "sensors", sensors)
}

// meanStdDev returns the mean and the sample standard deviation. A
// single sample has zero deviation.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}
