package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingMessageType is returned by Parse when MSH-9 is empty.
var ErrMissingMessageType = errors.New("hl7v2: MSH-9 message type is empty")

// Delimiters holds the encoding characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the encoding characters used by nearly every sender:
// |^~\&
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Message represents a parsed HL7v2 message. A Message returned by Parse is
// treated as immutable by the bridge.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ADT^A01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11
	Version      string    // MSH-12 (e.g. "2.3")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delimiters   Delimiters
	Segments     []Segment

	// Raw is the encoded form the message was parsed from.
	Raw []byte
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // first repetition split on the component separator
	Repeats    [][]string // every repetition, each split into components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation and
// honours the delimiters declared in MSH-1/MSH-2.
func Parse(raw []byte) (*Message, error) {
	lines, delims, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Delimiters: delims,
		Raw:        append([]byte(nil), raw...),
	}
	for _, line := range lines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractHeader()
	if msg.Type == "" {
		return nil, ErrMissingMessageType
	}

	return msg, nil
}

// ParseHeader reads only the MSH segment of raw. It succeeds for messages
// whose body Parse rejects, as long as the header carries a control ID, so
// the sender can still be sent a reject.
func ParseHeader(raw []byte) (*Message, error) {
	lines, delims, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}
	seg, err := parseSegment(lines[0], delims)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
	}
	msg := &Message{Delimiters: delims, Segments: []Segment{seg}}
	msg.extractHeader()
	if msg.ControlID == "" {
		return nil, fmt.Errorf("hl7v2: MSH-10 control ID is empty")
	}
	return msg, nil
}

// splitMessage normalises line endings, drops blank lines and reads the
// delimiters from the leading MSH segment.
func splitMessage(raw []byte) ([]string, Delimiters, error) {
	if len(raw) == 0 {
		return nil, Delimiters{}, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, Delimiters{}, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, Delimiters{}, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	delims, err := readDelimiters(lines[0])
	if err != nil {
		return nil, Delimiters{}, err
	}
	return lines, delims, nil
}

// readDelimiters reads MSH-1 and MSH-2 from the header line.
func readDelimiters(msh string) (Delimiters, error) {
	if len(msh) < 8 {
		return Delimiters{}, fmt.Errorf("hl7v2: MSH segment too short: %q", msh)
	}
	d := Delimiters{
		Field:        msh[3],
		Component:    msh[4],
		Repetition:   msh[5],
		Escape:       msh[6],
		Subcomponent: msh[7],
	}
	// Some senders omit the subcomponent character.
	if d.Subcomponent == d.Field {
		d.Subcomponent = DefaultDelimiters.Subcomponent
	}
	return d, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	fieldSep := string(d.Field)

	// MSH-1 is the field separator itself, so MSH fields are stored from
	// MSH-1 onward: Fields[0]=MSH-1, Fields[1]=MSH-2 (encoding characters).
	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})

		parts := strings.Split(line[4:], fieldSep)
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, fieldSep, 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], fieldSep) {
			seg.Fields = append(seg.Fields, parseField(f, d))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling repetitions and components.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractHeader copies the commonly used MSH fields onto the Message.
func (m *Message) extractHeader() {
	msh := m.Segment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.Component(3, 1)
	m.SendingFac = msh.Component(4, 1)
	m.ReceivingApp = msh.Component(5, 1)
	m.ReceivingFac = msh.Component(6, 1)

	if ts := msh.Field(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.Field(9)
	m.ControlID = msh.Field(10)
	m.ProcessingID = msh.Field(11)
	m.Version = msh.Component(12, 1)
}

// MessageCode returns MSH-9.1 (e.g. "ADT").
func (m *Message) MessageCode() string {
	msh := m.Segment("MSH")
	if msh == nil {
		return ""
	}
	return msh.Component(9, 1)
}

// TriggerEvent returns MSH-9.2 (e.g. "A01").
func (m *Message) TriggerEvent() string {
	msh := m.Segment("MSH")
	if msh == nil {
		return ""
	}
	return msh.Component(9, 2)
}

// ParseTimestamp parses an HL7v2 TS/DTM value. Precision may range from
// YYYY to YYYYMMDDHHMMSS with optional fractional seconds and UTC offset.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i > 0 {
		off := s[i:]
		s = s[:i]
		if len(off) == 5 {
			if t, err := time.Parse("-0700", off); err == nil {
				_, secs := t.Zone()
				loc = time.FixedZone(off, secs)
			}
		}
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}

	layouts := map[int]string{
		14: "20060102150405",
		12: "200601021504",
		10: "2006010215",
		8:  "20060102",
		6:  "200601",
		4:  "2006",
	}
	layout, ok := layouts[len(s)]
	if !ok {
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
	return time.ParseInLocation(layout, s, loc)
}

// Segment returns the first segment with the given name, or nil if not found.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// SegmentsNamed returns all segments with the given name.
func (m *Message) SegmentsNamed(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Field returns the value of a field by its 1-based HL7 position.
// For MSH, position 1 is the field separator and position 2 the encoding
// characters, so MSH-n is Fields[n-1] just like every other segment's
// field n is Fields[n-1].
func (s *Segment) Field(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// Component returns a component value by 1-based field and component indices,
// taken from the first repetition.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	fi := fieldIdx - 1
	if fi < 0 || fi >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[fi].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// Repetitions returns every repetition of a field, each split into components.
func (s *Segment) Repetitions(fieldIdx int) [][]string {
	fi := fieldIdx - 1
	if fi < 0 || fi >= len(s.Fields) {
		return nil
	}
	return s.Fields[fi].Repeats
}
