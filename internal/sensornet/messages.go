// Package sensornet implements the environmental monitoring agents that
// share the bus with the contract-net fleet: simulated sensors, a
// windowed averaging agent and a statistical anomaly detector.
package sensornet

import (
	"encoding/json"
	"fmt"

	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

// Topic layout:
//
//	sensors/<zone>/<type>/<sensorId>  readings
//	averages/<zone>/<type>            windowed statistics
//	alerts/<zone>/<type>              anomaly alerts
//	control/reset/<sensorId>          reset commands
const (
	TopicSensorsAll  = "sensors/#"
	TopicAveragesAll = "averages/#"
	TopicAlertsAll   = "alerts/#"
)

func ReadingTopic(zone, sensorType, sensorID string) string {
	return fmt.Sprintf("sensors/%s/%s/%s", zone, sensorType, sensorID)
}

// ReadingFilter matches every sensor of one zone/type pair.
func ReadingFilter(zone, sensorType string) string {
	return fmt.Sprintf("sensors/%s/%s/+", zone, sensorType)
}

func AverageTopic(zone, sensorType string) string {
	return fmt.Sprintf("averages/%s/%s", zone, sensorType)
}

func AlertTopic(zone, sensorType string) string {
	return fmt.Sprintf("alerts/%s/%s", zone, sensorType)
}

func ResetTopic(sensorID string) string {
	return "control/reset/" + sensorID
}

// Reading is one sensor sample.
type Reading struct {
	SensorID  string  `json:"sensorId"`
	Zone      string  `json:"zone"`
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Average is the windowed statistic published by the averaging agent.
type Average struct {
	Zone        string  `json:"zone"`
	Type        string  `json:"type"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stdDev"`
	SensorCount int     `json:"sensorCount"`
	SampleCount int     `json:"sampleCount"`
	WindowMs    int64   `json:"windowMs"`
	Timestamp   float64 `json:"timestamp"`
}

// Alert flags one anomalous reading.
type Alert struct {
	Zone      string  `json:"zone"`
	Type      string  `json:"type"`
	SensorID  string  `json:"sensorId"`
	Value     float64 `json:"value"`
	Expected  float64 `json:"expected"`
	StdDev    float64 `json:"stdDev"`
	ZScore    float64 `json:"zScore"`
	Timestamp float64 `json:"timestamp"`
}

// ResetCommand asks a sensor to clear its faulty state.
type ResetCommand struct {
	Command   string  `json:"command"`
	SensorID  string  `json:"sensorId"`
	Reason    string  `json:"reason"`
	Timestamp float64 `json:"timestamp"`
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	return data, nil
}

func decodeReading(payload []byte) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if r.SensorID == "" || r.Zone == "" || r.Type == "" {
		return nil, fmt.Errorf("%w: reading requires sensorId, zone and type", laberrors.ErrMissingField)
	}
	return &r, nil
}

func decodeAverage(payload []byte) (*Average, error) {
	var a Average
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if a.Zone == "" || a.Type == "" {
		return nil, fmt.Errorf("%w: average requires zone and type", laberrors.ErrMissingField)
	}
	return &a, nil
}

// DecodeAlert parses an alert payload. Exported for consumers watching
// the alerts topics from outside this package.
func DecodeAlert(payload []byte) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if a.SensorID == "" || a.Zone == "" || a.Type == "" {
		return nil, fmt.Errorf("%w: alert requires sensorId, zone and type", laberrors.ErrMissingField)
	}
	return &a, nil
}
