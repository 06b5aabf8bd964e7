package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuctionError_WrapsAndUnwraps(t *testing.T) {
	err := WrapAuctionError("j1", "subscribe", ErrBusClosed)

	assert.True(t, IsAuctionError(err))
	assert.True(t, errors.Is(err, ErrBusClosed))
	assert.Contains(t, err.Error(), "auction j1")
	assert.Contains(t, err.Error(), "record")

	jobID, ok := GetJobID(err)
	assert.True(t, ok)
	assert.Equal(t, "j1", jobID)
}

func TestMachineError_WrapsAndUnwraps(t *testing.T) {
	err := WrapMachineError("machine_A", "capabilities", ErrUnknownJobType)

	assert.True(t, IsMachineError(err))
	assert.True(t, errors.Is(err, ErrUnknownJobType))

	machineID, ok := GetMachineID(err)
	assert.True(t, ok)
	assert.Equal(t, "machine_A", machineID)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, WrapAuctionError("j1", "record", nil))
	assert.Nil(t, WrapMachineError("m1", "bid", nil))
	assert.Nil(t, WrapBusError("cfp/jobs", "publish", nil))
	assert.Nil(t, WrapConfigError("auction", "bidDeadline", nil))
}

func TestConfigError_FieldOptional(t *testing.T) {
	withField := WrapConfigError("auction", "bidDeadline", ErrInvalidConfig)
	assert.Contains(t, withField.Error(), "auction.bidDeadline")

	withoutField := WrapConfigError("auction", "", ErrInvalidConfig)
	assert.Contains(t, withoutField.Error(), "config auction:")
}

func TestIsMalformed(t *testing.T) {
	assert.True(t, IsMalformed(ErrMalformedMessage))
	assert.True(t, IsMalformed(WrapBusError("bids/j1", "decode", ErrMissingField)))
	assert.False(t, IsMalformed(ErrBusClosed))
}

func TestJoinErrors(t *testing.T) {
	joined := JoinErrors(ErrNotConnected, nil, ErrBusClosed)
	assert.True(t, errors.Is(joined, ErrNotConnected))
	assert.True(t, errors.Is(joined, ErrBusClosed))

	assert.Nil(t, JoinErrors(nil, nil))
}
