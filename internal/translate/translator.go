// Package translate maps parsed HL7v2 messages to FHIR R4 message Bundles.
//
// Translation is pure: the same message always yields the same bundles, with
// ids derived from the message control id rather than generated at random.
package translate

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/hl7bridge/internal/bridge"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// EventSystem is the code system of MessageHeader.eventCoding.
const EventSystem = fhirmodels.SystemMessageEvent

// idNamespace scopes the name-based UUIDs minted for bundles and entries.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:hl7bridge:translate"))

// V2ToFHIR translates ADT, ORU and VXU messages.
type V2ToFHIR struct {
	destination string
}

// Option configures a V2ToFHIR.
type Option func(*V2ToFHIR)

// WithDestination sets MessageHeader.destination.endpoint on every bundle.
func WithDestination(endpoint string) Option {
	return func(t *V2ToFHIR) { t.destination = endpoint }
}

// New creates a translator.
func New(opts ...Option) *V2ToFHIR {
	t := &V2ToFHIR{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate implements bridge.Translator.
func (t *V2ToFHIR) Translate(msg *hl7v2.Message) ([]*fhir.Bundle, error) {
	var translate func(*V2ToFHIR, *hl7v2.Message, *fhir.Patient) ([]*fhir.Bundle, error)
	switch msg.MessageCode() {
	case "ADT":
		translate = translateADT
	case "ORU":
		translate = translateORU
	case "VXU":
		translate = translateVXU
	default:
		return nil, &bridge.TranslationError{
			MessageType: msg.Type,
			Err:         fmt.Errorf("%w: %s", bridge.ErrUnsupportedMessage, msg.Type),
		}
	}

	pid := msg.Segment("PID")
	if pid == nil {
		return nil, &bridge.TranslationError{MessageType: msg.Type, Err: fmt.Errorf("required segment PID is missing")}
	}

	bundles, err := translate(t, msg, patientFromPID(pid, msg.Delimiters))
	if err != nil {
		return nil, &bridge.TranslationError{MessageType: msg.Type, Err: err}
	}
	return bundles, nil
}

// bundleBuilder assembles one message bundle. Entry ids are derived from the
// control id, the bundle position and the entry position.
type bundleBuilder struct {
	t       *V2ToFHIR
	msg     *hl7v2.Message
	seq     int
	entries []fhir.EntryInput
	focus   []fhir.Reference
}

func (t *V2ToFHIR) newBundle(msg *hl7v2.Message, seq int) *bundleBuilder {
	return &bundleBuilder{t: t, msg: msg, seq: seq}
}

// id returns the deterministic id for the named slot of this bundle.
func (b *bundleBuilder) id(slot string) string {
	name := fmt.Sprintf("%s|%s|%d|%s", b.msg.SendingApp, b.msg.ControlID, b.seq, slot)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// add appends a resource under slot and returns a reference to it.
func (b *bundleBuilder) add(slot string, resource interface{}) fhir.Reference {
	url := "urn:uuid:" + b.id(slot)
	b.entries = append(b.entries, fhir.EntryInput{FullURL: url, Resource: resource})
	return fhir.Reference{Reference: url}
}

// addPatient appends a copy of patient carrying this bundle's id for it.
func (b *bundleBuilder) addPatient(patient *fhir.Patient) fhir.Reference {
	p := *patient
	p.ID = b.id("patient")
	return b.add("patient", &p)
}

// addFocus appends a resource and marks it as a focus of the message.
func (b *bundleBuilder) addFocus(slot string, resource interface{}) fhir.Reference {
	ref := b.add(slot, resource)
	b.focus = append(b.focus, ref)
	return ref
}

func (b *bundleBuilder) build() (*fhir.Bundle, error) {
	msg := b.msg
	header := &fhir.MessageHeader{
		ResourceType: "MessageHeader",
		ID:           b.id("header"),
		EventCoding:  &fhir.Coding{System: EventSystem, Code: msg.TriggerEvent()},
		Source: fhir.MessageSource{
			Name:     msg.SendingFac,
			Software: msg.SendingApp,
			Endpoint: "urn:hl7v2:" + msg.SendingApp,
		},
		Focus: b.focus,
	}
	dest := b.t.destination
	if dest == "" {
		dest = "urn:hl7v2:" + msg.ReceivingApp
	}
	header.Destination = []fhir.MessageDestination{{Name: msg.ReceivingApp, Endpoint: dest}}

	var ts string
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	}

	bundle, err := fhir.NewMessageBundle(b.id("bundle"), ts, header, "urn:uuid:"+header.ID, b.entries...)
	if err != nil {
		return nil, err
	}
	bundle.Identifier = &fhir.Identifier{System: "urn:hl7v2:control-id", Value: fmt.Sprintf("%s-%d", msg.ControlID, b.seq+1)}
	return bundle, nil
}
