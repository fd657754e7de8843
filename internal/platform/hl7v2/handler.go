package hl7v2

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// ContentTypeHL7v2 is the media type for ER7-encoded messages carried over
// HTTP (HL7 over HTTP).
const ContentTypeHL7v2 = "application/hl7-v2"

// Handler exposes the HL7 over HTTP transport plus a diagnostic parse
// endpoint.
type Handler struct {
	app    Application
	logger zerolog.Logger
}

// NewHandler creates a new HL7v2 handler that dispatches received messages
// to app.
func NewHandler(app Application, logger zerolog.Logger) *Handler {
	return &Handler{
		app:    app,
		logger: logger.With().Str("component", "hoh").Logger(),
	}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2        - HL7 over HTTP: receive a message, reply with its ACK
//	POST /hl7v2/parse  - Parse HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2", h.Receive)
	g.POST("/hl7v2/parse", h.ParseMessage)
}

// Receive handles POST /hl7v2.
//
// An AA reply is returned with 200. Any other reply, including the AR reject
// produced when the application escalates a failure, is returned with 500 so
// that senders that only look at the HTTP status still see the failure.
func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "structure", "failed to read request body"))
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "structure", "failed to parse HL7v2 message: "+err.Error()))
	}

	c.Set("control_id", msg.ControlID)
	rid, _ := c.Get("request_id").(string)
	meta := Metadata{
		MetaRemoteAddr: c.RealIP(),
		MetaReceivedAt: time.Now().UTC(),
		MetaTransport:  "hoh",
		MetaRequestID:  rid,
	}

	reply, err := Dispatch(c.Request().Context(), h.app, msg, meta)
	if err != nil {
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("control_id", msg.ControlID).
			Str("message_type", msg.Type).
			Msg("message handling failed")
		return c.Blob(http.StatusInternalServerError, ContentTypeHL7v2, Encode(RejectFor(msg, err)))
	}

	status := http.StatusOK
	if AckCodeOf(reply) != AckAccept {
		status = http.StatusInternalServerError
	}
	return c.Blob(status, ContentTypeHL7v2, Encode(reply))
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	result := map[string]interface{}{
		"type":         msg.Type,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"timestamp":    msg.Timestamp.Format("2006-01-02T15:04:05Z"),
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"segments":     segments,
	}

	return c.JSON(http.StatusOK, result)
}
