package hl7v2

import (
	"context"
	"errors"
	"testing"
)

type nilReplyApp struct{}

func (nilReplyApp) CanAccept(*Message) bool { return true }
func (nilReplyApp) Handle(context.Context, *Message, Metadata) (*Message, error) {
	return nil, nil
}

func TestDispatch(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()

	t.Run("reply", func(t *testing.T) {
		reply, err := Dispatch(ctx, newStubApp(), msg, Metadata{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if AckCodeOf(reply) != AckAccept {
			t.Errorf("MSA-1 = %q", AckCodeOf(reply))
		}
	})

	t.Run("declined", func(t *testing.T) {
		app := newStubApp()
		app.accept = false
		if _, err := Dispatch(ctx, app, msg, nil); !errors.Is(err, ErrNotAccepted) {
			t.Errorf("expected ErrNotAccepted, got %v", err)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		app := newStubApp()
		app.err = errors.New("boom")
		if _, err := Dispatch(ctx, app, msg, nil); err == nil || err.Error() != "boom" {
			t.Errorf("expected handler error, got %v", err)
		}
	})

	t.Run("nil reply", func(t *testing.T) {
		if _, err := Dispatch(ctx, nilReplyApp{}, msg, nil); err == nil {
			t.Error("expected error for nil reply")
		}
	})
}

func TestRejectFor(t *testing.T) {
	msg, _ := Parse([]byte(sampleADT))

	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not accepted", ErrNotAccepted, ErrCodeUnsupportedMessageType},
		{"other", errors.New("downstream down"), ErrCodeApplicationInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nak := RejectFor(msg, tt.err)
			if AckCodeOf(nak) != AckReject {
				t.Errorf("MSA-1 = %q", AckCodeOf(nak))
			}
			if got := nak.Segment("ERR").Component(3, 1); got != tt.wantCode {
				t.Errorf("ERR-3 = %q, want %q", got, tt.wantCode)
			}
			if got := nak.Segment("MSA").Field(2); got != msg.ControlID {
				t.Errorf("MSA-2 = %q", got)
			}
		})
	}
}
