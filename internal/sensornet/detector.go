package sensornet

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

const (
	// A reading more than this many standard deviations from the mean
	// is anomalous.
	anomalyZScore = 2.0
	// Own-window statistics need at least this many samples before they
	// beat the averaging agent's published stats.
	minSamples = 5
	// Anomalies from one sensor before a reset command goes out.
	defaultResetThreshold = 3
	// How long a just-reset sensor is exempt from further resets.
	resetCooldown = 30 * time.Second
)

type detectorSample struct {
	at    time.Time
	value float64
}

type zoneTypeKey struct {
	zone       string
	sensorType string
}

// Detector watches every sensor reading, flags values more than two
// standard deviations from the windowed mean and, after repeated
// anomalies from the same sensor, commands a reset.
type Detector struct {
	window         time.Duration
	resetThreshold int

	bus     bus.Bus
	metrics *metrics.Collector
	logger  *logger.Logger

	mu         sync.Mutex
	samples    map[zoneTypeKey][]detectorSample
	published  map[zoneTypeKey]*Average
	alertCount map[string]int
	resetUntil map[string]time.Time

	alerts int
	resets int
}

// NewDetector builds the anomaly detection agent.
func NewDetector(window time.Duration, b bus.Bus, collector *metrics.Collector, log *logger.Logger) *Detector {
	if window <= 0 {
		window = 30 * time.Second
	}

	return &Detector{
		window:         window,
		resetThreshold: defaultResetThreshold,
		bus:            b,
		metrics:        collector,
		logger:         log.WithField("component", "detector"),
		samples:        make(map[zoneTypeKey][]detectorSample),
		published:      make(map[zoneTypeKey]*Average),
		alertCount:     make(map[string]int),
		resetUntil:     make(map[string]time.Time),
	}
}

// Stats returns how many alerts and resets the detector has issued.
func (d *Detector) Stats() (alerts, resets int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alerts, d.resets
}

// Run consumes readings and published averages until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	readings, unsubReadings, err := d.bus.Subscribe(ctx, TopicSensorsAll)
	if err != nil {
		return laberrors.WrapBusError(TopicSensorsAll, "subscribe", err)
	}
	defer unsubReadings()

	averages, unsubAverages, err := d.bus.Subscribe(ctx, TopicAveragesAll)
	if err != nil {
		return laberrors.WrapBusError(TopicAveragesAll, "subscribe", err)
	}
	defer unsubAverages()

	d.logger.Info("detection agent online", "window", d.window)

	for {
		select {
		case <-ctx.Done():
			alerts, resets := d.Stats()
			d.logger.Info("detection agent stopping", "alerts", alerts, "resets", resets)
			return nil

		case msg, ok := <-readings:
			if !ok {
				return nil
			}
			d.handleReading(ctx, msg)

		case msg, ok := <-averages:
			if !ok {
				return nil
			}
			d.handleAverage(msg)
		}
	}
}

func (d *Detector) handleReading(ctx context.Context, msg bus.Message) {
	// Reading topics carry four levels; anything else on sensors/# is noise.
	if strings.Count(msg.Topic, "/") != 3 {
		return
	}

	reading, err := decodeReading(msg.Payload)
	if err != nil {
		d.logger.Debug("dropping malformed reading", "topic", msg.Topic, "error", err)
		return
	}

	key := zoneTypeKey{zone: reading.Zone, sensorType: reading.Type}

	d.mu.Lock()
	d.samples[key] = append(d.samples[key], detectorSample{at: msg.Timestamp, value: reading.Value})
	mean, stddev, ok := d.statsLocked(key, msg.Timestamp)
	d.mu.Unlock()

	if !ok {
		return
	}

	if stddev == 0 {
		stddev = 1
	}
	z := math.Abs(reading.Value-mean) / stddev
	if z <= anomalyZScore {
		return
	}

	d.publishAlert(ctx, reading, mean, stddev, z)
	d.maybeReset(ctx, reading.SensorID)
}

// statsLocked prunes the key's window and returns its statistics, falling
// back to the averaging agent's published figures when the detector has
// not yet seen enough samples of its own. Callers hold d.mu.
func (d *Detector) statsLocked(key zoneTypeKey, now time.Time) (mean, stddev float64, ok bool) {
	cutoff := now.Add(-d.window)
	kept := d.samples[key][:0]
	for _, s := range d.samples[key] {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	d.samples[key] = kept

	if len(kept) >= minSamples {
		values := make([]float64, len(kept))
		for i, s := range kept {
			values[i] = s.value
		}
		m, sd := meanStdDev(values)
		return m, sd, true
	}

	if avg, exists := d.published[key]; exists {
		return avg.Mean, avg.StdDev, true
	}
	return 0, 0, false
}

func (d *Detector) handleAverage(msg bus.Message) {
	avg, err := decodeAverage(msg.Payload)
	if err != nil {
		d.logger.Debug("dropping malformed average", "topic", msg.Topic, "error", err)
		return
	}

	d.mu.Lock()
	d.published[zoneTypeKey{zone: avg.Zone, sensorType: avg.Type}] = avg
	d.mu.Unlock()
}

func (d *Detector) publishAlert(ctx context.Context, reading *Reading, mean, stddev, z float64) {
	payload, err := encode(Alert{
		Zone:      reading.Zone,
		Type:      reading.Type,
		SensorID:  reading.SensorID,
		Value:     reading.Value,
		Expected:  math.Round(mean*100) / 100,
		StdDev:    math.Round(stddev*100) / 100,
		ZScore:    math.Round(z*100) / 100,
		Timestamp: float64(time.Now().UnixMilli()) / 1000.0,
	})
	if err != nil {
		d.logger.Error("failed to encode alert", "error", err)
		return
	}

	if err := d.bus.Publish(ctx, AlertTopic(reading.Zone, reading.Type), payload); err != nil {
		d.logger.Error("failed to publish alert", "error", err)
		return
	}

	d.mu.Lock()
	d.alerts++
	d.mu.Unlock()

	d.metrics.SensorAnomaly(reading.Zone, reading.Type)
	d.logger.Warn("anomaly detected",
		"sensorId", reading.SensorID,
		"value", reading.Value,
		"expected", mean,
		"zScore", z)
}

// maybeReset commands a sensor reset once it has crossed the alert
// threshold, then leaves it alone for the cooldown period.
func (d *Detector) maybeReset(ctx context.Context, sensorID string) {
	now := time.Now()

	d.mu.Lock()
	if until, cooling := d.resetUntil[sensorID]; cooling && now.Before(until) {
		d.mu.Unlock()
		return
	}
	d.alertCount[sensorID]++
	count := d.alertCount[sensorID]
	if count < d.resetThreshold {
		d.mu.Unlock()
		return
	}
	d.alertCount[sensorID] = 0
	d.resetUntil[sensorID] = now.Add(resetCooldown)
	d.resets++
	d.mu.Unlock()

	payload, err := encode(ResetCommand{
		Command:   "reset",
		SensorID:  sensorID,
		Reason:    "repeated anomalous readings",
		Timestamp: float64(now.UnixMilli()) / 1000.0,
	})
	if err != nil {
		d.logger.Error("failed to encode reset command", "error", err)
		return
	}

	if err := d.bus.Publish(ctx, ResetTopic(sensorID), payload); err != nil {
		d.logger.Error("failed to publish reset command", "sensorId", sensorID, "error", err)
		return
	}

	d.logger.Warn("reset commanded", "sensorId", sensorID, "alerts", count)
}
