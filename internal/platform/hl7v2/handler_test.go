package hl7v2

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func serveHL7(t *testing.T, app Application, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandler(app, zerolog.Nop()).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, ContentTypeHL7v2)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Receive(t *testing.T) {
	tests := []struct {
		name       string
		app        func() *stubApp
		body       string
		wantStatus int
		wantAck    AckCode
	}{
		{
			name:       "accept",
			app:        newStubApp,
			body:       sampleADT,
			wantStatus: http.StatusOK,
			wantAck:    AckAccept,
		},
		{
			name: "application error ack",
			app: func() *stubApp {
				a := newStubApp()
				a.code = AckApplicationError
				return a
			},
			body:       sampleADT,
			wantStatus: http.StatusInternalServerError,
			wantAck:    AckApplicationError,
		},
		{
			name: "escalated failure",
			app: func() *stubApp {
				a := newStubApp()
				a.err = errors.New("endpoint unreachable")
				return a
			},
			body:       sampleADT,
			wantStatus: http.StatusInternalServerError,
			wantAck:    AckReject,
		},
		{
			name: "declined",
			app: func() *stubApp {
				a := newStubApp()
				a.accept = false
				return a
			},
			body:       sampleADT,
			wantStatus: http.StatusInternalServerError,
			wantAck:    AckReject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveHL7(t, tt.app(), "/hl7v2", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); ct != ContentTypeHL7v2 {
				t.Errorf("Content-Type = %q", ct)
			}
			ack, err := Parse(rec.Body.Bytes())
			if err != nil {
				t.Fatalf("reply is not HL7: %v", err)
			}
			if AckCodeOf(ack) != tt.wantAck {
				t.Errorf("MSA-1 = %q, want %q", AckCodeOf(ack), tt.wantAck)
			}
			if got := ack.Segment("MSA").Field(2); got != "MSG00001" {
				t.Errorf("MSA-2 = %q", got)
			}
		})
	}
}

func TestHandler_Receive_Unparseable(t *testing.T) {
	app := newStubApp()
	rec := serveHL7(t, app, "/hl7v2", "this is not hl7")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var oo struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Severity string `json:"severity"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 1 || oo.Issue[0].Severity != "error" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if len(app.controlIDs()) != 0 {
		t.Error("application must not see an unparseable message")
	}
}

func TestHandler_Receive_Metadata(t *testing.T) {
	app := newStubApp()
	e := echo.New()
	NewHandler(app, zerolog.Nop()).RegisterRoutes(e.Group(""))
	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("request_id", "req-9")
			return next(c)
		}
	})

	req := httptest.NewRequest(http.MethodPost, "/hl7v2", strings.NewReader(sampleADT))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.meta) != 1 {
		t.Fatalf("expected one handled message, got %d", len(app.meta))
	}
	if app.meta[0][MetaTransport] != "hoh" || app.meta[0][MetaRequestID] != "req-9" {
		t.Errorf("metadata = %v", app.meta[0])
	}
}

func TestHandler_ParseMessage(t *testing.T) {
	rec := serveHL7(t, newStubApp(), "/hl7v2/parse", sampleORU)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var result struct {
		Type      string `json:"type"`
		ControlID string `json:"controlId"`
		Version   string `json:"version"`
		Segments  []struct {
			Name   string `json:"name"`
			Fields []struct {
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Type != "ORU^R01" || result.ControlID != "MSG00002" || result.Version != "2.5.1" {
		t.Errorf("header = %+v", result)
	}
	if len(result.Segments) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(result.Segments))
	}
	if result.Segments[3].Name != "OBX" || result.Segments[3].Fields[4].Value != "13.5" {
		t.Errorf("OBX = %+v", result.Segments[3])
	}
}

func TestHandler_ParseMessage_Errors(t *testing.T) {
	for name, body := range map[string]string{"empty": "", "invalid": "garbage"} {
		t.Run(name, func(t *testing.T) {
			rec := serveHL7(t, newStubApp(), "/hl7v2/parse", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
