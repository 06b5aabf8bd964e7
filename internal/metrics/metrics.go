// Package metrics provides internal metrics collection for the lab's
// agents. Counters are registered on a private registry so several agents
// can run in one process (the simulate command) without colliding.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

// Collector holds the lab's counters.
type Collector struct {
	registry *prometheus.Registry

	// Supervisor side
	bidsRecorded   *prometheus.CounterVec
	lateMessages   *prometheus.CounterVec
	jobsAssigned   *prometheus.CounterVec
	jobsUnassigned *prometheus.CounterVec

	// Machine side
	bidsSubmitted  *prometheus.CounterVec
	bidsWon        *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	cfpsRejected   *prometheus.CounterVec
	invalidAwards  *prometheus.CounterVec
	malformedDrops *prometheus.CounterVec

	// Sensor network
	sensorAnomalies *prometheus.CounterVec

	logger *logger.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string, log *logger.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   log.WithField("component", "metrics"),
	}

	c.bidsRecorded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_recorded_total",
			Help:      "Bids recorded into auction records before the deadline",
		},
		[]string{"job_type"},
	)

	c.lateMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_messages_total",
			Help:      "Bids or rejections dropped for arriving at or after the deadline",
		},
		[]string{"kind"},
	)

	c.jobsAssigned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_assigned_total",
			Help:      "Jobs that ended their auction with an award",
		},
		[]string{"job_type"},
	)

	c.jobsUnassigned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_unassigned_total",
			Help:      "Jobs whose auction closed with zero bids",
		},
		[]string{"job_type"},
	)

	c.bidsSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_submitted_total",
			Help:      "Bids submitted by machines",
		},
		[]string{"machine"},
	)

	c.bidsWon = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_won_total",
			Help:      "Awards accepted by machines",
		},
		[]string{"machine"},
	)

	c.jobsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job executions finished by machines",
		},
		[]string{"machine"},
	)

	c.cfpsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cfps_rejected_total",
			Help:      "CfPs a machine declined, by reason",
		},
		[]string{"machine", "reason"},
	)

	c.invalidAwards = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_awards_total",
			Help:      "Awards rejected by a machine (already busy or unknown job)",
		},
		[]string{"machine"},
	)

	c.malformedDrops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages dropped for failing decode or validation",
		},
		[]string{"component"},
	)

	c.sensorAnomalies = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_anomalies_total",
			Help:      "Readings flagged as anomalous by the detection agent",
		},
		[]string{"zone", "sensor_type"},
	)

	return c
}

// Registry exposes the collector's registry for serving or test scraping.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) BidRecorded(jobType string)        { c.bidsRecorded.WithLabelValues(jobType).Inc() }
func (c *Collector) LateMessage(kind string)           { c.lateMessages.WithLabelValues(kind).Inc() }
func (c *Collector) JobAssigned(jobType string)        { c.jobsAssigned.WithLabelValues(jobType).Inc() }
func (c *Collector) JobUnassigned(jobType string)      { c.jobsUnassigned.WithLabelValues(jobType).Inc() }
func (c *Collector) BidSubmitted(machine string)       { c.bidsSubmitted.WithLabelValues(machine).Inc() }
func (c *Collector) BidWon(machine string)             { c.bidsWon.WithLabelValues(machine).Inc() }
func (c *Collector) JobCompleted(machine string)       { c.jobsCompleted.WithLabelValues(machine).Inc() }
func (c *Collector) InvalidAward(machine string)       { c.invalidAwards.WithLabelValues(machine).Inc() }
func (c *Collector) MalformedMessage(component string) { c.malformedDrops.WithLabelValues(component).Inc() }

func (c *Collector) CfPRejected(machine, reason string) {
	c.cfpsRejected.WithLabelValues(machine, reason).Inc()
}

func (c *Collector) SensorAnomaly(zone, sensorType string) {
	c.sensorAnomalies.WithLabelValues(zone, sensorType).Inc()
}

// Serve exposes the registry on addr under /metrics. It blocks until the
// server fails, so callers run it in its own goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	c.logger.Info("metrics endpoint listening", "address", addr)
	return server.ListenAndServe()
}
