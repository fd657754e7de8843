// Package bridge turns inbound HL7v2 messages into FHIR message deliveries
// and decides what acknowledgment the sender gets back.
//
// Delivery is at-most-once per payload and not transactional: payloads are
// sent strictly in order, the first failure stops the rest, nothing is
// retried and payloads already accepted downstream are not rolled back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/delivery"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Translator maps one inbound message to zero or more FHIR message bundles.
// Implementations must be pure: no I/O and no mutation of msg.
type Translator interface {
	Translate(msg *hl7v2.Message) ([]*fhir.Bundle, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(msg *hl7v2.Message) ([]*fhir.Bundle, error)

func (f TranslatorFunc) Translate(msg *hl7v2.Message) ([]*fhir.Bundle, error) { return f(msg) }

// Downstream executes one $process-message transaction per payload.
type Downstream interface {
	ProcessMessage(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// maxLoggedPayload caps the rendered bundle written to the log per payload.
const maxLoggedPayload = 64 << 10

// Coordinator drives translate → deliver → aggregate for one message at a
// time. It holds no mutable state and may be shared by concurrent transports.
type Coordinator struct {
	translator Translator
	downstream Downstream
	logger     zerolog.Logger
	journal    delivery.AttemptRepository
	endpoint   string
	deadline   time.Duration
	observer   Observer
}

// Observer receives delivery measurements.
type Observer interface {
	MessageHandled(transport, result string)
	PayloadDelivered(messageType string, ok bool, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) MessageHandled(string, string) {}
func (nopObserver) PayloadDelivered(string, bool, time.Duration) {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every payload attempt in repo.
func WithJournal(repo delivery.AttemptRepository) Option {
	return func(c *Coordinator) { c.journal = repo }
}

// WithDeadline bounds the delivery of all payloads of one message.
// Zero means no deadline beyond the caller's context.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) { c.deadline = d }
}

// WithEndpoint labels journal records with the downstream endpoint.
func WithEndpoint(url string) Option {
	return func(c *Coordinator) { c.endpoint = url }
}

// WithObserver reports every payload attempt and acknowledged message to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(translator Translator, downstream Downstream, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		translator: translator,
		downstream: downstream,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver translates msg and sends every resulting payload in order. It never
// panics and never returns an error: every failure is folded into the
// returned AggregateOutcome.
func (c *Coordinator) Deliver(ctx context.Context, msg *hl7v2.Message) (out AggregateOutcome) {
	log := c.logger.With().
		Str("control_id", msg.ControlID).
		Str("message_type", msg.Type).
		Logger()

	if c.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	var outcomes []DeliveryOutcome
	payloadCount := 0
	current, currentID := -1, ""

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error().Interface("panic", r).Int("payload_index", current).Msg("recovered from panic during delivery")
		perr := fmt.Errorf("unexpected panic: %v", r)
		if current < 0 {
			out = failed(&DeliveryFailure{Index: -1, Err: perr}, payloadCount, outcomes)
			return
		}
		d := DeliveryOutcome{Index: current, BundleID: currentID, Err: perr}
		outcomes = append(outcomes[:current], d)
		c.recordPanicked(ctx, msg, payloadCount, d, log)
		out = failed(&DeliveryFailure{Index: current, Total: payloadCount, BundleID: currentID, Err: perr}, payloadCount, outcomes)
	}()

	payloads, err := c.translator.Translate(msg)
	if err != nil {
		var te *TranslationError
		if !errors.As(err, &te) {
			te = &TranslationError{MessageType: msg.Type, Err: err}
		}
		log.Warn().Err(te).Msg("translation failed, nothing delivered")
		return failed(te, 0, nil)
	}
	payloadCount = len(payloads)

	if payloadCount == 0 {
		log.Info().Msg("message produced no payloads")
		return AggregateOutcome{Status: AllSucceeded}
	}

	for i, bundle := range payloads {
		current, currentID = i, bundle.ID
		plog := log.With().Int("payload_index", i).Str("bundle_id", bundle.ID).Logger()

		d := c.send(ctx, bundle, plog)
		d.Index = i
		outcomes = append(outcomes, d)
		c.observer.PayloadDelivered(msg.Type, d.Err == nil, d.Duration)
		c.record(ctx, msg, i, payloadCount, d, plog)

		if d.Err != nil {
			plog.Error().Err(d.Err).Msg("payload rejected, abandoning remaining payloads")
			return failed(&DeliveryFailure{Index: i, Total: payloadCount, BundleID: bundle.ID, Err: d.Err}, payloadCount, outcomes)
		}
		plog.Info().Msg("payload delivered")
	}

	return AggregateOutcome{Status: AllSucceeded, Payloads: payloadCount, Outcomes: outcomes}
}

// recordPanicked reports a payload whose attempt panicked. A second panic
// from the observer or journal is logged and swallowed.
func (c *Coordinator) recordPanicked(ctx context.Context, msg *hl7v2.Message, total int, d DeliveryOutcome, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("failed to record panicked payload")
		}
	}()
	c.observer.PayloadDelivered(msg.Type, false, d.Duration)
	c.record(ctx, msg, d.Index, total, d, log.With().Int("payload_index", d.Index).Logger())
}

// send delivers one bundle. The rendered bundle is logged first as the
// diagnostic record of what was transmitted.
func (c *Coordinator) send(ctx context.Context, bundle *fhir.Bundle, log zerolog.Logger) DeliveryOutcome {
	d := DeliveryOutcome{BundleID: bundle.ID}

	if e := log.Info(); e.Enabled() {
		rendered, err := json.Marshal(bundle)
		switch {
		case err != nil:
			e.AnErr("render_error", err)
		case len(rendered) > maxLoggedPayload:
			e.Int("bundle_bytes", len(rendered)).
				Bool("bundle_truncated", true).
				Str("bundle", string(rendered[:maxLoggedPayload]))
		default:
			e.RawJSON("bundle", rendered)
		}
		e.Msg("transmitting payload")
	}

	if err := ctx.Err(); err != nil {
		d.Err = fmt.Errorf("delivery deadline reached before send: %w", err)
		return d
	}

	start := time.Now()
	resp, err := c.downstream.ProcessMessage(ctx, bundle)
	if err == nil && resp.IsEmpty() {
		err = fhir.ErrEmptyResponse
	}
	d.Response = resp
	d.Duration = time.Since(start)
	d.Err = err

	log.Debug().Dur("latency", d.Duration).Bool("ok", err == nil).Msg("downstream responded")
	return d
}

// record writes a journal entry. Journal failures are logged only; they
// never change the delivery outcome.
func (c *Coordinator) record(ctx context.Context, msg *hl7v2.Message, idx, total int, d DeliveryOutcome, log zerolog.Logger) {
	if c.journal == nil {
		return
	}
	a := &delivery.Attempt{
		ControlID:    msg.ControlID,
		MessageType:  msg.Type,
		PayloadIndex: idx,
		PayloadCount: total,
		BundleID:     d.BundleID,
		Endpoint:     c.endpoint,
		Status:       delivery.StatusDelivered,
		Duration:     d.Duration,
	}
	if d.Err != nil {
		a.Status = delivery.StatusFailed
		a.Error = d.Err.Error()
	}
	// The journal write must not be lost to an expired delivery deadline.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.journal.Record(jctx, a); err != nil {
		log.Warn().Err(err).Msg("failed to record delivery attempt")
	}
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc func(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)

func (f DownstreamFunc) ProcessMessage(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	return f(ctx, bundle)
}
