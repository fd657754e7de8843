package hl7v2

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	// AckAccept (AA) reports that the message was processed successfully.
	AckAccept AckCode = "AA"
	// AckApplicationError (AE) reports a processing failure in the receiving
	// application.
	AckApplicationError AckCode = "AE"
	// AckReject (AR) reports that the message was rejected outright.
	AckReject AckCode = "AR"
)

// HL7 table 0357 message error condition codes used in ERR segments.
const (
	ErrCodeSegmentSequence        = "100"
	ErrCodeRequiredFieldMissing   = "101"
	ErrCodeUnsupportedMessageType = "200"
	ErrCodeApplicationInternal    = "207"
)

// maxAckTextLength bounds MSA-3, which older versions define as ST(80).
const maxAckTextLength = 80

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2. When
// errText is non-empty it is carried in MSA-3 and in an ERR segment using
// error condition errCode (ErrCodeApplicationInternal when empty).
func GenerateACK(incoming *Message, code AckCode, errCode, errText string) *Message {
	d := incoming.Delimiters
	if d.Field == 0 {
		d = DefaultDelimiters
	}

	trigger := incoming.TriggerEvent()
	version := incoming.Version
	if version == "" {
		version = "2.5.1"
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		ProcessingID: processingID(incoming),
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Delimiters:   d,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			TextField(string(d.Field)),        // MSH-1
			TextField(d.EncodingCharacters()), // MSH-2
			TextField(ack.SendingApp),         // MSH-3
			TextField(ack.SendingFac),         // MSH-4
			TextField(ack.ReceivingApp),       // MSH-5
			TextField(ack.ReceivingFac),       // MSH-6
			TextField(timestamp),              // MSH-7
			TextField(""),                     // MSH-8
			ComponentField(d, "ACK", trigger), // MSH-9
			TextField(controlID),              // MSH-10
			TextField(ack.ProcessingID),       // MSH-11
			TextField(version),                // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			TextField(string(code)),       // MSA-1
			TextField(incoming.ControlID), // MSA-2
		},
	}

	ack.Segments = []Segment{msh, msa}

	if errText != "" {
		if errCode == "" {
			errCode = ErrCodeApplicationInternal
		}
		text := d.EscapeText(errText)
		msa.Fields = append(msa.Fields, TextField(d.EscapeText(truncate(errText, maxAckTextLength))))
		ack.Segments = []Segment{msh, msa, errSegment(d, version, code, errCode, text)}
	}

	return ack
}

// errSegment builds an ERR segment. Versions before 2.5 carry the error in
// ERR-1 (CM_ELD); later versions use ERR-3 (HL7 error code), ERR-4 (severity)
// and ERR-8 (user message).
func errSegment(d Delimiters, version string, code AckCode, errCode, text string) Segment {
	if versionBefore25(version) {
		sub := string(d.Subcomponent)
		return Segment{
			Name: "ERR",
			Fields: []Field{
				ComponentField(d, "", "", "", errCode+sub+text+sub+"HL70357"),
			},
		}
	}

	severity := "E"
	if code == AckAccept {
		severity = "W"
	}
	return Segment{
		Name: "ERR",
		Fields: []Field{
			TextField(""),                                                // ERR-1
			TextField(""),                                                // ERR-2
			ComponentField(d, errCode, errorDisplay(errCode), "HL70357"), // ERR-3
			TextField(severity),                                          // ERR-4
			TextField(""),                                                // ERR-5
			TextField(""),                                                // ERR-6
			TextField(""),                                                // ERR-7
			TextField(text),                                              // ERR-8
		},
	}
}

func errorDisplay(code string) string {
	switch code {
	case ErrCodeSegmentSequence:
		return "Segment sequence error"
	case ErrCodeRequiredFieldMissing:
		return "Required field missing"
	case ErrCodeUnsupportedMessageType:
		return "Unsupported message type"
	default:
		return "Application internal error"
	}
}

func versionBefore25(v string) bool {
	switch {
	case strings.HasPrefix(v, "2.1"), strings.HasPrefix(v, "2.2"),
		strings.HasPrefix(v, "2.3"), strings.HasPrefix(v, "2.4"):
		return true
	}
	return false
}

func processingID(m *Message) string {
	if m.ProcessingID != "" {
		return m.ProcessingID
	}
	return "P"
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// AckCodeOf returns MSA-1 of an acknowledgment message, or "" when the
// message has no MSA segment.
func AckCodeOf(ack *Message) AckCode {
	msa := ack.Segment("MSA")
	if msa == nil {
		return ""
	}
	return AckCode(msa.Field(1))
}
