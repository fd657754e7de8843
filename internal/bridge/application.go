package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Application is the hl7v2.Application that transports hand every received
// message to. It accepts every message.
type Application struct {
	coordinator *Coordinator
	acks        *AckBuilder
	logger      zerolog.Logger
}

// NewApplication wires a Coordinator and an AckBuilder together.
func NewApplication(coordinator *Coordinator, acks *AckBuilder, logger zerolog.Logger) *Application {
	return &Application{
		coordinator: coordinator,
		acks:        acks,
		logger:      logger.With().Str("component", "application").Logger(),
	}
}

// CanAccept reports whether the application handles msg.
func (a *Application) CanAccept(*hl7v2.Message) bool { return true }

// Handle delivers msg downstream and returns its acknowledgment, or an
// *EscalatedError when the delivery failed under the escalate policy.
func (a *Application) Handle(ctx context.Context, msg *hl7v2.Message, meta hl7v2.Metadata) (*hl7v2.Message, error) {
	log := a.logger.With().
		Str("control_id", msg.ControlID).
		Str("message_type", msg.Type).
		Interface("transport", meta[hl7v2.MetaTransport]).
		Logger()

	log.Info().Str("sending_app", msg.SendingApp).Msg("received message")
	log.Debug().Str("raw", string(msg.Raw)).Msg("received message content")

	out := a.coordinator.Deliver(ctx, msg)
	transport, _ := meta[hl7v2.MetaTransport].(string)

	reply, err := a.acks.Build(msg, out)
	if err != nil {
		a.coordinator.observer.MessageHandled(transport, "escalated")
		log.Error().Err(err).Str("policy", string(a.acks.Policy())).Msg("delivery failed, escalating")
		return nil, err
	}

	code := hl7v2.AckCodeOf(reply)
	a.coordinator.observer.MessageHandled(transport, string(code))

	log.Info().
		Str("ack_code", string(code)).
		Int("payloads", out.Payloads).
		Int("delivered", out.Delivered()).
		Msg("acknowledged message")
	return reply, nil
}
