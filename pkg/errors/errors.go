// Package errors provides standardized error handling for the mqtt-lab agents.
// It implements structured error types with proper wrapping and classification
// following Go 1.20+ error handling best practices.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Domain errors
	ErrUnknownJobType = errors.New("unknown job type")

	// Message-related errors
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingField     = errors.New("message missing required field")

	// Bus-related errors
	ErrBusClosed    = errors.New("bus is closed")
	ErrNotConnected = errors.New("bus is not connected")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// AuctionError represents an error scoped to one job's auction
type AuctionError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *AuctionError) Error() string {
	return fmt.Sprintf("auction %s: operation %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *AuctionError) Unwrap() error {
	return e.Err
}

// MachineError represents an error raised by a machine agent
type MachineError struct {
	MachineID string
	Operation string
	Err       error
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("machine %s: operation %s: %v", e.MachineID, e.Operation, e.Err)
}

func (e *MachineError) Unwrap() error {
	return e.Err
}

// BusError represents an error from the message bus
type BusError struct {
	Topic     string
	Operation string
	Err       error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus topic %s: operation %s: %v", e.Topic, e.Operation, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// ConfigError represents an error related to configuration
type ConfigError struct {
	Section string
	Field   string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error wrapping constructors
func WrapAuctionError(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &AuctionError{JobID: jobID, Operation: operation, Err: err}
}

func WrapMachineError(machineID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &MachineError{MachineID: machineID, Operation: operation, Err: err}
}

func WrapBusError(topic, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &BusError{Topic: topic, Operation: operation, Err: err}
}

func WrapConfigError(section, field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Section: section, Field: field, Err: err}
}

// Error classification functions
func IsAuctionError(err error) bool {
	var ae *AuctionError
	return errors.As(err, &ae)
}

func IsMachineError(err error) bool {
	var me *MachineError
	return errors.As(err, &me)
}

func IsBusError(err error) bool {
	var be *BusError
	return errors.As(err, &be)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrMissingField)
}

// Error extraction helpers
func GetJobID(err error) (string, bool) {
	var ae *AuctionError
	if errors.As(err, &ae) {
		return ae.JobID, true
	}
	return "", false
}

func GetMachineID(err error) (string, bool) {
	var me *MachineError
	if errors.As(err, &me) {
		return me.MachineID, true
	}
	return "", false
}

// JoinErrors combines multiple errors into one, skipping nils.
func JoinErrors(errs ...error) error {
	return errors.Join(errs...)
}
