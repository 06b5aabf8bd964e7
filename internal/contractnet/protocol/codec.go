package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/a-chakir/mqtt-lab/internal/contractnet/domain"
	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

// Encode serializes any protocol message to its wire form.
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// PeekKind extracts the kind discriminator without decoding the full
// payload, so receivers can route before validating.
func PeekKind(payload []byte) (Kind, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if probe.Kind == "" {
		return "", fmt.Errorf("%w: kind", laberrors.ErrMissingField)
	}
	return probe.Kind, nil
}

// DecodeCallForProposal parses and validates a CfP payload. A payload
// missing required fields is rejected so the receiver can drop it.
func DecodeCallForProposal(payload []byte) (*CallForProposal, error) {
	var cfp CallForProposal
	if err := json.Unmarshal(payload, &cfp); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if cfp.Kind != KindCfP {
		return nil, fmt.Errorf("%w: kind %q is not %q", laberrors.ErrMalformedMessage, cfp.Kind, KindCfP)
	}
	if cfp.JobID == "" {
		return nil, fmt.Errorf("%w: jobId", laberrors.ErrMissingField)
	}
	if _, err := domain.ParseJobType(string(cfp.JobType)); err != nil {
		return nil, fmt.Errorf("%w: jobType: %v", laberrors.ErrMalformedMessage, err)
	}
	return &cfp, nil
}

// DecodeBid parses and validates a bid payload.
func DecodeBid(payload []byte) (*Bid, error) {
	var bid Bid
	if err := json.Unmarshal(payload, &bid); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if bid.Kind != KindBid {
		return nil, fmt.Errorf("%w: kind %q is not %q", laberrors.ErrMalformedMessage, bid.Kind, KindBid)
	}
	if bid.JobID == "" {
		return nil, fmt.Errorf("%w: jobId", laberrors.ErrMissingField)
	}
	if bid.MachineID == "" {
		return nil, fmt.Errorf("%w: machineId", laberrors.ErrMissingField)
	}
	if bid.ProposedMs <= 0 {
		return nil, fmt.Errorf("%w: proposedMs must be positive", laberrors.ErrMalformedMessage)
	}
	return &bid, nil
}

// DecodeRejection parses and validates a rejection payload.
func DecodeRejection(payload []byte) (*Rejection, error) {
	var rej Rejection
	if err := json.Unmarshal(payload, &rej); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if rej.Kind != KindReject {
		return nil, fmt.Errorf("%w: kind %q is not %q", laberrors.ErrMalformedMessage, rej.Kind, KindReject)
	}
	if rej.JobID == "" {
		return nil, fmt.Errorf("%w: jobId", laberrors.ErrMissingField)
	}
	if rej.MachineID == "" {
		return nil, fmt.Errorf("%w: machineId", laberrors.ErrMissingField)
	}
	switch rej.Reason {
	case ReasonIncapable, ReasonBusy, ReasonNotSelected:
	default:
		return nil, fmt.Errorf("%w: reason %q", laberrors.ErrMalformedMessage, rej.Reason)
	}
	return &rej, nil
}

// DecodeAward parses and validates an award payload.
func DecodeAward(payload []byte) (*Award, error) {
	var award Award
	if err := json.Unmarshal(payload, &award); err != nil {
		return nil, fmt.Errorf("%w: %v", laberrors.ErrMalformedMessage, err)
	}
	if award.Kind != KindAward {
		return nil, fmt.Errorf("%w: kind %q is not %q", laberrors.ErrMalformedMessage, award.Kind, KindAward)
	}
	if award.JobID == "" {
		return nil, fmt.Errorf("%w: jobId", laberrors.ErrMissingField)
	}
	if award.MachineID == "" {
		return nil, fmt.Errorf("%w: machineId", laberrors.ErrMissingField)
	}
	if award.AgreedMs <= 0 {
		return nil, fmt.Errorf("%w: agreedMs must be positive", laberrors.ErrMalformedMessage)
	}
	return &award, nil
}
