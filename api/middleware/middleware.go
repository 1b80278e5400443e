// Package middleware carries the HTTP edge middleware: request IDs,
// structured access logging, and uniform error bodies.
package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// RequestID tags every request with an X-Request-ID, generating one when the
// client did not send it.
func RequestID() echo.MiddlewareFunc {
	return echomiddleware.RequestID()
}

// Logger emits one structured access-log line per request.
func Logger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			log.Info().
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Str("remote", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}

// ErrorWrapper normalizes handler errors into JSON bodies without leaking
// internals.
func ErrorWrapper() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if he, ok := err.(*echo.HTTPError); ok {
				return he
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
	}
}
