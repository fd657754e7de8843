package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle types used by the bridge.
const (
	BundleTypeMessage = "message"
	BundleTypeBatch   = "batch"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// NewMessageBundle creates a message Bundle whose first entry is header.
// Each resource is marshalled into its own entry in the given order.
func NewMessageBundle(id, timestamp string, header *MessageHeader, headerURL string, entries ...EntryInput) (*Bundle, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal MessageHeader: %w", err)
	}

	b := &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         BundleTypeMessage,
		Timestamp:    timestamp,
		Entry:        []BundleEntry{{FullURL: headerURL, Resource: raw}},
	}

	for _, e := range entries {
		raw, err := json.Marshal(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("marshal entry %s: %w", e.FullURL, err)
		}
		b.Entry = append(b.Entry, BundleEntry{FullURL: e.FullURL, Resource: raw})
	}

	return b, nil
}

// EntryInput is a resource and the fullUrl it is published under.
type EntryInput struct {
	FullURL  string
	Resource interface{}
}

// IsEmpty reports whether the bundle carries nothing: no id, no type and no
// entries. A nil bundle is empty.
func (b *Bundle) IsEmpty() bool {
	return b == nil || (b.ID == "" && b.Type == "" && len(b.Entry) == 0)
}

// MessageHeader decodes the first entry of a message bundle.
func (b *Bundle) MessageHeader() (*MessageHeader, error) {
	if b == nil || len(b.Entry) == 0 {
		return nil, fmt.Errorf("bundle has no entries")
	}
	if rt := ResourceTypeOf(b.Entry[0].Resource); rt != "MessageHeader" {
		return nil, fmt.Errorf("first entry must be a MessageHeader, got '%s'", rt)
	}
	var h MessageHeader
	if err := json.Unmarshal(b.Entry[0].Resource, &h); err != nil {
		return nil, fmt.Errorf("decode MessageHeader: %w", err)
	}
	return &h, nil
}

// ResourcesOfType returns the raw resources in the bundle with the given type.
func (b *Bundle) ResourcesOfType(resourceType string) []json.RawMessage {
	var out []json.RawMessage
	for _, e := range b.Entry {
		if ResourceTypeOf(e.Resource) == resourceType {
			out = append(out, e.Resource)
		}
	}
	return out
}
