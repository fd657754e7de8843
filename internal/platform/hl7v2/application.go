package hl7v2

import (
	"context"
	"errors"
	"fmt"
)

// Metadata carries transport-supplied context about a received message
// (origin, receive time, transport name). Applications must not depend on
// any particular key being present.
type Metadata map[string]interface{}

// Well-known metadata keys set by the transports in this package.
const (
	MetaRemoteAddr = "remote_addr"
	MetaReceivedAt = "received_at"
	MetaTransport  = "transport"
	MetaRequestID  = "request_id"
)

// Application receives parsed messages from a transport and produces the
// acknowledgment to send back.
//
// Handle returns either a reply (which may itself be a negative
// acknowledgment) or an error. An error tells the transport to report the
// failure using its own mechanism.
type Application interface {
	CanAccept(msg *Message) bool
	Handle(ctx context.Context, msg *Message, meta Metadata) (*Message, error)
}

// ErrNotAccepted is returned by Dispatch when the application declines a message.
var ErrNotAccepted = errors.New("hl7v2: message not accepted by application")

// Dispatch runs msg through app and normalises the result so transports only
// deal with two cases: a reply to send, or an error to report. A nil reply
// with a nil error is treated as an application bug.
func Dispatch(ctx context.Context, app Application, msg *Message, meta Metadata) (*Message, error) {
	if !app.CanAccept(msg) {
		return nil, ErrNotAccepted
	}
	reply, err := app.Handle(ctx, msg, meta)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("hl7v2: application returned no reply for %s", msg.ControlID)
	}
	return reply, nil
}

// RejectFor builds the AR acknowledgment a transport sends when Dispatch fails.
func RejectFor(msg *Message, err error) *Message {
	code := ErrCodeApplicationInternal
	if errors.Is(err, ErrNotAccepted) {
		code = ErrCodeUnsupportedMessageType
	}
	return GenerateACK(msg, AckReject, code, err.Error())
}
