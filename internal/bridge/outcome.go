package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// ErrUnsupportedMessage is wrapped by translators when the inbound message
// type has no mapping.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// TranslationError reports that an inbound message could not be mapped to
// any payload. It is a delivery failure, never a transport failure.
type TranslationError struct {
	MessageType string
	Err         error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %v", e.MessageType, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// DeliveryFailure reports that one payload was not accepted downstream.
// Index is the zero-based position of the payload; it is -1 when the failure
// happened outside any single payload (for example a recovered panic).
type DeliveryFailure struct {
	Index    int
	Total    int
	BundleID string
	Err      error
}

func (e *DeliveryFailure) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("payload %d of %d (bundle %s): %v", e.Index+1, e.Total, e.BundleID, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// EscalatedError is the deliberate hard failure handed to the transport when
// the escalate policy is active. Transports turn it into their own error
// signal.
type EscalatedError struct {
	ControlID string
	Cause     error
}

func (e *EscalatedError) Error() string {
	return fmt.Sprintf("message %s not delivered: %v", e.ControlID, e.Cause)
}

func (e *EscalatedError) Unwrap() error { return e.Cause }

// DeliveryOutcome is the result of sending one payload.
type DeliveryOutcome struct {
	Index    int
	BundleID string
	Response *fhir.Bundle
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the payload was accepted.
func (o DeliveryOutcome) Succeeded() bool { return o.Err == nil }

// OutcomeStatus is the aggregate result for one inbound message.
type OutcomeStatus int

const (
	AllSucceeded OutcomeStatus = iota
	Failed
)

func (s OutcomeStatus) String() string {
	if s == AllSucceeded {
		return "all-succeeded"
	}
	return "failed"
}

// AggregateOutcome summarises delivery of every payload of one inbound
// message. Outcomes holds one entry per attempted payload, in order; when
// Status is Failed the last entry is the failure.
type AggregateOutcome struct {
	Status   OutcomeStatus
	Cause    error
	Payloads int
	Outcomes []DeliveryOutcome
}

// Succeeded reports whether every payload was delivered.
func (o AggregateOutcome) Succeeded() bool { return o.Status == AllSucceeded }

// Delivered returns the number of payloads the endpoint accepted.
func (o AggregateOutcome) Delivered() int {
	n := 0
	for _, d := range o.Outcomes {
		if d.Succeeded() {
			n++
		}
	}
	return n
}

func failed(cause error, payloads int, outcomes []DeliveryOutcome) AggregateOutcome {
	return AggregateOutcome{Status: Failed, Cause: cause, Payloads: payloads, Outcomes: outcomes}
}
