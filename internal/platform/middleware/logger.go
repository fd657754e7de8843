package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ControlIDKey is set by HL7 handlers so the access log can carry MSH-10.
const ControlIDKey = "control_id"

// SenderKey is set by the inbound authentication middleware.
const SenderKey = "sender"

// Logger writes one access log line per request. Server errors are logged at
// error level, client errors at warn.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			default:
				evt = logger.Info()
			}

			if cid, ok := c.Get(ControlIDKey).(string); ok && cid != "" {
				evt = evt.Str("control_id", cid)
			}
			if sender, ok := c.Get(SenderKey).(string); ok && sender != "" {
				evt = evt.Str("sender", sender)
			}

			evt.
				Str("request_id", RequestIDFrom(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("content_type", req.Header.Get(echo.HeaderContentType)).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
