package hl7v2

import (
	"strings"
)

// Encode converts a Message back into raw HL7v2 bytes with \r segment
// separators, using the message's delimiters (DefaultDelimiters when unset).
func Encode(msg *Message) []byte {
	d := msg.Delimiters
	if d.Field == 0 {
		d = DefaultDelimiters
	}

	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, encodeSegment(seg, d))
	}
	return []byte(strings.Join(segments, "\r"))
}

// encodeSegment converts a Segment back into its HL7v2 string form.
func encodeSegment(seg Segment, d Delimiters) string {
	sep := string(d.Field)

	if seg.Name == "MSH" {
		// Fields[0] is MSH-1, the separator itself; it is written implicitly.
		if len(seg.Fields) < 2 {
			return "MSH" + sep + d.EncodingCharacters()
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH" + sep + strings.Join(parts, sep)
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + sep + strings.Join(parts, sep)
}

// TextField builds a Field holding a single already-escaped value.
func TextField(v string) Field {
	return Field{Value: v, Components: []string{v}, Repeats: [][]string{{v}}}
}

// ComponentField builds a Field from already-escaped components.
func ComponentField(d Delimiters, comps ...string) Field {
	return Field{
		Value:      strings.Join(comps, string(d.Component)),
		Components: comps,
		Repeats:    [][]string{comps},
	}
}

// EscapeText replaces delimiter characters in s with HL7 escape sequences:
//
//	\F\ = field separator
//	\S\ = component separator
//	\R\ = repetition separator
//	\E\ = escape character
//	\T\ = subcomponent separator
func (d Delimiters) EscapeText(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	esc := string(d.Escape)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case d.Subcomponent:
			b.WriteString(esc + "T" + esc)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses EscapeText. Unknown escape sequences (formatting commands
// such as \.br\ or hex data) are dropped.
func (d Delimiters) Unescape(s string) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "R":
			b.WriteByte(d.Repetition)
		case "E":
			b.WriteByte(d.Escape)
		case "T":
			b.WriteByte(d.Subcomponent)
		case ".br":
			b.WriteByte('\n')
		}
		i += end + 1
	}
	return b.String()
}
