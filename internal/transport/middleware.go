// Package transport implements the echo-based HTTP binding translating
// inbound requests into dispatch.RequestContext values and dispatch.Response
// values back into HTTP responses, grounded on the teacher's echo wiring in
// cmd/ehr-server/main.go and its internal/platform/middleware package.
package transport

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const requestIDKey = "request_id"

// RequestID assigns a fresh id to every request, matching the teacher's
// request-id middleware convention consumed by Recovery/Logger/Audit.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(requestIDKey, uuid.NewString())
			return next(c)
		}
	}
}

// Recovery converts a panic in a downstream handler into a 500
// OperationOutcome instead of crashing the server.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					logger.Error().
						Str("request_id", fmt.Sprintf("%v", c.Get(requestIDKey))).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")
					err = writeOutcome(c, 500, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// RequestLogger emits one structured log line per request.
func RequestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("request_id", fmt.Sprintf("%v", c.Get(requestIDKey))).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

func writeOutcome(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity": "error",
				"code":     "exception",
				"details":  map[string]interface{}{"text": message},
			},
		},
	})
}
