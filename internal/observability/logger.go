// Package observability provides structured logging setup and request
// correlation for the HTTP surface.
package observability

import (
	"log/slog"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	// LogFieldRequestID correlates all log lines of one request.
	LogFieldRequestID = "request_id"
	// LogFieldConversationID ties log lines to a conversation.
	LogFieldConversationID = "conversation_id"
	// LogFieldStrategy records which build strategy produced a context.
	LogFieldStrategy = "strategy"
	// LogFieldDuration is the elapsed time in milliseconds.
	LogFieldDuration = "duration_ms"
)

// SetupLogger installs the process-wide slog default: JSON to stderr, debug
// level outside prod.
func SetupLogger(mode string) {
	level := slog.LevelDebug
	if mode == "prod" {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// RequestLogger logs one line per request with latency and status, keyed by
// the request id assigned by the RequestID middleware. Health probes are
// skipped to keep the log readable.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/healthz" {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			slog.Info("http request",
				LogFieldRequestID, c.Response().Header().Get(echo.HeaderXRequestID),
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				LogFieldDuration, time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
