package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/delivery"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// =========== Test Helpers ===========

const testMessage = "MSH|^~\\&|LAB|GENHOSP|BRIDGE|FHIR|20240115110000||ORU^R01|CTRL-42|P|2.5.1\r" +
	"PID|1||MRN1^^^GENHOSP^MR||Doe^Jane"

func parseTestMessage(t *testing.T) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(testMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func payloads(n int) []*fhir.Bundle {
	out := make([]*fhir.Bundle, n)
	for i := range out {
		out[i] = &fhir.Bundle{ResourceType: "Bundle", ID: fmt.Sprintf("bundle-%d", i), Type: fhir.BundleTypeMessage}
	}
	return out
}

func fixedTranslator(bundles []*fhir.Bundle, err error) Translator {
	return TranslatorFunc(func(*hl7v2.Message) ([]*fhir.Bundle, error) { return bundles, err })
}

// fakeDownstream records every call and fails the call numbered failOn
// (1-based) with failErr.
type fakeDownstream struct {
	mu      sync.Mutex
	calls   []string
	failOn  int
	failErr error
	panicOn int
}

func (f *fakeDownstream) ProcessMessage(_ context.Context, b *fhir.Bundle) (*fhir.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, b.ID)
	n := len(f.calls)
	if n == f.panicOn {
		panic("downstream exploded")
	}
	if n == f.failOn {
		return nil, f.failErr
	}
	return &fhir.Bundle{ResourceType: "Bundle", ID: "resp-" + b.ID, Type: fhir.BundleTypeMessage}, nil
}

func (f *fakeDownstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// =========== Coordinator ===========

func TestDeliver_EmptyTranslationSucceeds(t *testing.T) {
	down := &fakeDownstream{}
	c := NewCoordinator(fixedTranslator(nil, nil), down, zerolog.Nop())

	out := c.Deliver(context.Background(), parseTestMessage(t))

	if !out.Succeeded() {
		t.Fatalf("expected AllSucceeded, got %s (%v)", out.Status, out.Cause)
	}
	if down.callCount() != 0 {
		t.Errorf("expected no downstream calls, got %d", down.callCount())
	}
}

func TestDeliver_TranslationErrorMakesNoCalls(t *testing.T) {
	down := &fakeDownstream{}
	c := NewCoordinator(fixedTranslator(nil, errors.New("PID missing")), down, zerolog.Nop())

	out := c.Deliver(context.Background(), parseTestMessage(t))

	if out.Succeeded() {
		t.Fatal("expected Failed")
	}
	var te *TranslationError
	if !errors.As(out.Cause, &te) {
		t.Fatalf("expected TranslationError cause, got %T", out.Cause)
	}
	if te.MessageType != "ORU^R01" {
		t.Errorf("unexpected message type %q", te.MessageType)
	}
	if down.callCount() != 0 {
		t.Errorf("expected zero downstream calls, got %d", down.callCount())
	}
}

func TestDeliver_FailFast(t *testing.T) {
	const n = 5
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("fail_on_%d", k), func(t *testing.T) {
			cause := fmt.Errorf("payload %d refused", k)
			down := &fakeDownstream{failOn: k, failErr: cause}
			c := NewCoordinator(fixedTranslator(payloads(n), nil), down, zerolog.Nop())

			out := c.Deliver(context.Background(), parseTestMessage(t))

			if out.Succeeded() {
				t.Fatal("expected Failed")
			}
			if down.callCount() != k {
				t.Errorf("expected exactly %d calls, got %d", k, down.callCount())
			}
			if !errors.Is(out.Cause, cause) {
				t.Errorf("expected cause %v, got %v", cause, out.Cause)
			}
			var df *DeliveryFailure
			if !errors.As(out.Cause, &df) || df.Index != k-1 || df.Total != n {
				t.Errorf("unexpected delivery failure %+v", df)
			}
			if out.Delivered() != k-1 {
				t.Errorf("expected %d delivered, got %d", k-1, out.Delivered())
			}
		})
	}
}

func TestDeliver_AllSucceedInOrder(t *testing.T) {
	down := &fakeDownstream{}
	c := NewCoordinator(fixedTranslator(payloads(3), nil), down, zerolog.Nop())

	out := c.Deliver(context.Background(), parseTestMessage(t))

	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Cause)
	}
	want := []string{"bundle-0", "bundle-1", "bundle-2"}
	if strings.Join(down.calls, ",") != strings.Join(want, ",") {
		t.Errorf("expected calls %v, got %v", want, down.calls)
	}
	if out.Payloads != 3 || out.Delivered() != 3 {
		t.Errorf("expected 3/3 delivered, got %d/%d", out.Delivered(), out.Payloads)
	}
}

func TestDeliver_RecoversPanic(t *testing.T) {
	repo := delivery.NewMemoryRepository(0)
	obs := &recordingObserver{}
	down := &fakeDownstream{panicOn: 2}
	c := NewCoordinator(fixedTranslator(payloads(3), nil), down, zerolog.Nop(),
		WithJournal(repo), WithObserver(obs))

	out := c.Deliver(context.Background(), parseTestMessage(t))

	var df *DeliveryFailure
	if !errors.As(out.Cause, &df) || df.Index != 1 || df.BundleID != "bundle-1" {
		t.Fatalf("expected failure attributed to payload 2, got %v", out.Cause)
	}
	if down.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", down.callCount())
	}

	if len(out.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out.Outcomes))
	}
	last := out.Outcomes[len(out.Outcomes)-1]
	if last.Index != 1 || last.Succeeded() {
		t.Errorf("last outcome must be the panicked payload, got %+v", last)
	}

	attempts, total, err := repo.List(context.Background(), delivery.Filter{ControlID: "CTRL-42"}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || attempts[0].Status != delivery.StatusFailed || attempts[0].PayloadIndex != 1 {
		t.Errorf("expected the panicked payload journaled as failed, got %d attempts, newest %+v", total, attempts[0])
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.payloads) != 2 || obs.payloads[0] != true || obs.payloads[1] != false {
		t.Errorf("observed payloads = %v, want [true false]", obs.payloads)
	}
}

func TestDeliver_TranslatorPanicIsGenericFailure(t *testing.T) {
	down := &fakeDownstream{}
	tr := TranslatorFunc(func(*hl7v2.Message) ([]*fhir.Bundle, error) { panic("bad mapping") })
	c := NewCoordinator(tr, down, zerolog.Nop())

	out := c.Deliver(context.Background(), parseTestMessage(t))

	var df *DeliveryFailure
	if !errors.As(out.Cause, &df) || df.Index != -1 {
		t.Fatalf("expected a generic DeliveryFailure, got %v", out.Cause)
	}
	if len(out.Outcomes) != 0 || down.callCount() != 0 {
		t.Errorf("expected no attempts, got %d outcomes and %d calls", len(out.Outcomes), down.callCount())
	}
}

func TestDeliver_LogsRenderedPayloadAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	big := payloads(2)
	big[1].Entry = []fhir.BundleEntry{{FullURL: "urn:uuid:" + strings.Repeat("x", maxLoggedPayload)}}
	c := NewCoordinator(fixedTranslator(big, nil), &fakeDownstream{}, logger)

	c.Deliver(context.Background(), parseTestMessage(t))

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if rec["message"] == "transmitting payload" {
			records = append(records, rec)
		}
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 payload records, got %d", len(records))
	}
	if b, ok := records[0]["bundle"].(map[string]any); !ok || b["id"] != "bundle-0" {
		t.Errorf("expected the rendered bundle, got %v", records[0]["bundle"])
	}
	if records[1]["bundle_truncated"] != true {
		t.Errorf("expected oversized bundle to be truncated, got %v", records[1]["bundle_truncated"])
	}
	if s, _ := records[1]["bundle"].(string); len(s) != maxLoggedPayload {
		t.Errorf("truncated bundle length = %d, want %d", len(s), maxLoggedPayload)
	}
}

func TestDeliver_EmptyResponseIsFailure(t *testing.T) {
	down := DownstreamFunc(func(context.Context, *fhir.Bundle) (*fhir.Bundle, error) { return nil, nil })
	c := NewCoordinator(fixedTranslator(payloads(1), nil), down, zerolog.Nop())

	out := c.Deliver(context.Background(), parseTestMessage(t))

	if !errors.Is(out.Cause, fhir.ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", out.Cause)
	}
}

func TestDeliver_ExpiredContextStopsBeforeSend(t *testing.T) {
	down := &fakeDownstream{}
	c := NewCoordinator(fixedTranslator(payloads(2), nil), down, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := c.Deliver(ctx, parseTestMessage(t))

	if !errors.Is(out.Cause, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", out.Cause)
	}
	if down.callCount() != 0 {
		t.Errorf("expected no calls, got %d", down.callCount())
	}
}

func TestDeliver_RecordsJournal(t *testing.T) {
	repo := delivery.NewMemoryRepository(0)
	down := &fakeDownstream{failOn: 2, failErr: errors.New("endpoint unreachable")}
	c := NewCoordinator(fixedTranslator(payloads(3), nil), down, zerolog.Nop(),
		WithJournal(repo), WithEndpoint("http://fhir.test"))

	c.Deliver(context.Background(), parseTestMessage(t))

	attempts, total, err := repo.List(context.Background(), delivery.Filter{ControlID: "CTRL-42"}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 attempts, got %d", total)
	}
	// newest first
	if attempts[0].Status != delivery.StatusFailed || attempts[0].Error != "endpoint unreachable" {
		t.Errorf("unexpected failed attempt %+v", attempts[0])
	}
	if attempts[1].Status != delivery.StatusDelivered || attempts[1].PayloadIndex != 0 || attempts[1].PayloadCount != 3 {
		t.Errorf("unexpected delivered attempt %+v", attempts[1])
	}
	if attempts[1].Endpoint != "http://fhir.test" {
		t.Errorf("unexpected endpoint %q", attempts[1].Endpoint)
	}
}

// =========== AckBuilder ===========

func TestAckBuilder_Success(t *testing.T) {
	msg := parseTestMessage(t)
	ack, err := NewAckBuilder(PolicyEscalate).Build(msg, AggregateOutcome{Status: AllSucceeded})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hl7v2.AckCodeOf(ack) != hl7v2.AckAccept {
		t.Errorf("expected AA, got %s", hl7v2.AckCodeOf(ack))
	}
	if got := ack.Segment("MSA").Field(2); got != "CTRL-42" {
		t.Errorf("expected MSA-2 CTRL-42, got %q", got)
	}
}

func TestAckBuilder_Escalate(t *testing.T) {
	cause := &DeliveryFailure{Index: 1, Total: 2, BundleID: "b2", Err: errors.New("endpoint unreachable")}
	ack, err := NewAckBuilder(PolicyEscalate).Build(parseTestMessage(t), failed(cause, 2, nil))

	if ack != nil {
		t.Error("escalation must not produce a reply")
	}
	var esc *EscalatedError
	if !errors.As(err, &esc) {
		t.Fatalf("expected EscalatedError, got %v", err)
	}
	if esc.ControlID != "CTRL-42" || !errors.Is(err, cause) {
		t.Errorf("unexpected escalation %+v", esc)
	}
}

func TestAckBuilder_Degrade(t *testing.T) {
	cause := &DeliveryFailure{Index: 1, Total: 2, BundleID: "b2", Err: errors.New("endpoint unreachable")}
	ack, err := NewAckBuilder(PolicyDegrade).Build(parseTestMessage(t), failed(cause, 2, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hl7v2.AckCodeOf(ack) != hl7v2.AckApplicationError {
		t.Errorf("expected AE, got %s", hl7v2.AckCodeOf(ack))
	}
	msa := ack.Segment("MSA")
	if msa.Field(2) != "CTRL-42" {
		t.Errorf("expected MSA-2 CTRL-42, got %q", msa.Field(2))
	}
	if !strings.Contains(msa.Field(3), "endpoint unreachable") {
		t.Errorf("MSA-3 should carry the cause, got %q", msa.Field(3))
	}
	errSeg := ack.Segment("ERR")
	if errSeg == nil {
		t.Fatal("expected an ERR segment")
	}
	if errSeg.Component(3, 1) != hl7v2.ErrCodeApplicationInternal {
		t.Errorf("expected ERR-3 207, got %q", errSeg.Component(3, 1))
	}
	if !strings.Contains(errSeg.Field(8), "endpoint unreachable") {
		t.Errorf("ERR-8 should carry the cause, got %q", errSeg.Field(8))
	}
}

func TestAckBuilder_DegradeUnsupported(t *testing.T) {
	cause := &TranslationError{MessageType: "RDE^O11", Err: fmt.Errorf("%w: RDE^O11", ErrUnsupportedMessage)}
	ack, err := NewAckBuilder(PolicyDegrade).Build(parseTestMessage(t), failed(cause, 0, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := ack.Segment("ERR").Component(3, 1); got != hl7v2.ErrCodeUnsupportedMessageType {
		t.Errorf("expected ERR-3 200, got %q", got)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", PolicyEscalate, false},
		{"escalate", PolicyEscalate, false},
		{"DEGRADE", PolicyDegrade, false},
		{" degrade ", PolicyDegrade, false},
		{"ignore", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =========== Application ===========

func TestApplication_Handle(t *testing.T) {
	tests := []struct {
		name     string
		policy   FailurePolicy
		down     *fakeDownstream
		wantCode hl7v2.AckCode
		wantErr  bool
	}{
		{"two payloads delivered", PolicyEscalate, &fakeDownstream{}, hl7v2.AckAccept, false},
		{"second fails, escalate", PolicyEscalate, &fakeDownstream{failOn: 2, failErr: errors.New("endpoint unreachable")}, "", true},
		{"second fails, degrade", PolicyDegrade, &fakeDownstream{failOn: 2, failErr: errors.New("endpoint unreachable")}, hl7v2.AckApplicationError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator(fixedTranslator(payloads(2), nil), tt.down, zerolog.Nop())
			app := NewApplication(coord, NewAckBuilder(tt.policy), zerolog.Nop())
			msg := parseTestMessage(t)

			if !app.CanAccept(msg) {
				t.Fatal("application should accept every message")
			}
			reply, err := app.Handle(context.Background(), msg, hl7v2.Metadata{hl7v2.MetaTransport: "test"})

			if tt.wantErr {
				var esc *EscalatedError
				if !errors.As(err, &esc) {
					t.Fatalf("expected EscalatedError, got %v", err)
				}
				if !strings.Contains(err.Error(), "endpoint unreachable") {
					t.Errorf("escalation should carry the cause: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if hl7v2.AckCodeOf(reply) != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, hl7v2.AckCodeOf(reply))
			}
			if reply.Segment("MSA").Field(2) != "CTRL-42" {
				t.Error("reply must be correlated to the inbound control id")
			}
		})
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	messages []string
	payloads []bool
}

func (o *recordingObserver) MessageHandled(transport, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, transport+"/"+result)
}

func (o *recordingObserver) PayloadDelivered(_ string, ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads = append(o.payloads, ok)
}

func TestApplication_ReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	msg := parseTestMessage(t)
	coordinator := func() *Coordinator {
		down := &fakeDownstream{failOn: 2, failErr: errors.New("endpoint unreachable")}
		return NewCoordinator(fixedTranslator(payloads(3), nil), down, zerolog.Nop(), WithObserver(obs))
	}

	degrade := NewApplication(coordinator(), NewAckBuilder(PolicyDegrade), zerolog.Nop())
	if _, err := degrade.Handle(context.Background(), msg, hl7v2.Metadata{hl7v2.MetaTransport: "mllp"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	escalate := NewApplication(coordinator(), NewAckBuilder(PolicyEscalate), zerolog.Nop())
	if _, err := escalate.Handle(context.Background(), msg, hl7v2.Metadata{hl7v2.MetaTransport: "hoh"}); err == nil {
		t.Fatal("expected escalation")
	}

	if len(obs.messages) != 2 || obs.messages[0] != "mllp/AE" || obs.messages[1] != "hoh/escalated" {
		t.Errorf("messages = %v", obs.messages)
	}
	// Each Handle sends payload 1 (ok) then payload 2 (fails); payload 3 is never attempted.
	want := []bool{true, false, true, false}
	if len(obs.payloads) != len(want) {
		t.Fatalf("payload observations = %v, want %v", obs.payloads, want)
	}
	for i := range want {
		if obs.payloads[i] != want[i] {
			t.Errorf("payload %d ok = %v, want %v", i, obs.payloads[i], want[i])
		}
	}
}
