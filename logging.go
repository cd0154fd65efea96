package gatex

import (
	"net/http"
	"time"
)

// Logger is an interface for logger to log messages.
type Logger interface {
	// Debug is using to log successful forwards and skipped reloads.
	Debug(msg string, fields ...any)
	// Info is using to log 'server started', published tables and watcher state.
	Info(msg string, fields ...any)
	// Error is using to log upstream failures, reload failures, panics and serve errors.
	Error(msg string, fields ...any)
}

// ErrorLogger is a subset of [Logger] for components that only report failures.
type ErrorLogger interface {
	Error(msg string, fields ...any)
}

// AccessLogger is an interface for logging forwarded requests.
// [AccessLogger.Log] is called once per data plane request after the
// response is written.
type AccessLogger interface {
	Log(AccessLogBundle)
}

// AccessLogBundle represents a bundle of information for logging one request.
type AccessLogBundle struct {
	Request    *http.Request
	Rule       *Rule // nil when no rule matched
	StatusCode int
	StartTime  time.Time
}

// BaseAccessLogger logs requests through the embedded [Logger]:
// successful forwards at debug level, client errors at info, server
// errors at error level.
type BaseAccessLogger struct {
	Logger
}

// statusClientClosedRequest is the nginx convention for a forward that
// wrote no response because the client went away.
const statusClientClosedRequest = 499

func (l *BaseAccessLogger) Log(b AccessLogBundle) {
	statusCode := b.StatusCode
	if statusCode == 0 {
		// Nothing was written: the client canceled mid-forward.
		statusCode = statusClientClosedRequest
	}

	fields := []any{
		"method", b.Request.Method,
		"host", b.Request.Host,
		"path", b.Request.URL.Path,
		"status", statusCode,
		"duration_ms", time.Since(b.StartTime).Milliseconds(),
		"ip", b.Request.RemoteAddr,
		"proto", b.Request.Proto,
	}
	if b.Rule != nil {
		fields = append(fields, "prefix", b.Rule.Prefix, "upstream", b.Rule.Upstream)
	}

	switch {
	case statusCode >= 500:
		l.Logger.Error("http", fields...)
	case statusCode >= 400:
		l.Logger.Info("http", fields...)
	default:
		l.Logger.Debug("http", fields...)
	}
}

type noopAccessLogger struct{}

func (l *noopAccessLogger) Log(AccessLogBundle) {}
