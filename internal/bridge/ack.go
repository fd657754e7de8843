package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// FailurePolicy selects how a failed delivery is reported to the sender.
type FailurePolicy string

const (
	// PolicyEscalate surfaces the failure to the transport as an error, which
	// reports it with its own error signal.
	PolicyEscalate FailurePolicy = "escalate"
	// PolicyDegrade replies with an ordinary AE acknowledgment carrying the
	// failure description.
	PolicyDegrade FailurePolicy = "degrade"
)

// ParseFailurePolicy parses a configured policy name. The empty string
// selects PolicyEscalate.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyEscalate:
		return PolicyEscalate, nil
	case PolicyDegrade:
		return PolicyDegrade, nil
	}
	return "", fmt.Errorf("failure policy must be %q or %q, got %q", PolicyEscalate, PolicyDegrade, s)
}

// AckBuilder maps an AggregateOutcome to the reply for the original message.
type AckBuilder struct {
	policy FailurePolicy
}

// NewAckBuilder creates an AckBuilder using policy for failed deliveries.
func NewAckBuilder(policy FailurePolicy) *AckBuilder {
	if policy == "" {
		policy = PolicyEscalate
	}
	return &AckBuilder{policy: policy}
}

// Policy returns the active failure policy.
func (b *AckBuilder) Policy() FailurePolicy { return b.policy }

// Build returns an AA acknowledgment when every payload was delivered. For a
// failed delivery it returns an *EscalatedError under PolicyEscalate, or an AE
// acknowledgment carrying the cause under PolicyDegrade. Either reply is
// correlated to msg through MSA-2.
func (b *AckBuilder) Build(msg *hl7v2.Message, out AggregateOutcome) (*hl7v2.Message, error) {
	if out.Succeeded() {
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "", ""), nil
	}

	cause := out.Cause
	if cause == nil {
		cause = errors.New("delivery failed")
	}

	if b.policy == PolicyEscalate {
		return nil, &EscalatedError{ControlID: msg.ControlID, Cause: cause}
	}

	return hl7v2.GenerateACK(msg, hl7v2.AckApplicationError, errorCondition(cause), cause.Error()), nil
}

// errorCondition picks the HL7 table 0357 code for a failure.
func errorCondition(cause error) string {
	if errors.Is(cause, ErrUnsupportedMessage) {
		return hl7v2.ErrCodeUnsupportedMessageType
	}
	return hl7v2.ErrCodeApplicationInternal
}
