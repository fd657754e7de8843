package delivery

import (
	"time"

	"github.com/google/uuid"
)

// Attempt statuses.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Attempt records one payload sent (or attempted) to the FHIR endpoint on
// behalf of an inbound HL7v2 message.
type Attempt struct {
	ID           uuid.UUID     `json:"id"`
	ControlID    string        `json:"control_id"`
	MessageType  string        `json:"message_type"`
	PayloadIndex int           `json:"payload_index"`
	PayloadCount int           `json:"payload_count"`
	BundleID     string        `json:"bundle_id"`
	Endpoint     string        `json:"endpoint"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	ControlID string
	Status    string
}

func (f Filter) matches(a *Attempt) bool {
	if f.ControlID != "" && a.ControlID != f.ControlID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
