package middleware

import (
	"github.com/labstack/echo/v4"
)

// hstsValue is sent only when the listener itself terminates TLS.
const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets response headers for a machine-to-machine API whose
// bodies (acknowledgments, journal records) may carry PHI. Nothing the bridge
// returns may be cached, framed or sniffed.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	headers := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
	}
	if tls {
		headers = append(headers, [2]string{"Strict-Transport-Security", hstsValue})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
