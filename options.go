package gatex

import (
	"net/http"
	"regexp"
	"time"
)

var (
	// ListenAddressRegexp is used to match "ip:port" or ":port" strings or kuber domains with port.
	ListenAddressRegexp = regexp.MustCompile(`^[\w\-\/:@\.]*:[0-9]{1,5}$`)

	defaultReadHeaderTimeout = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

type Option func(*Options)

// Options represents the runtime configuration for a [Server] that is
// not part of the routing document.
type Options struct {
	// Logger is the logger for the server.
	// If not set, there will be [slog.New] with [slog.NewJSONHandler] with logging to stderr.
	Logger Logger

	// AccessLogger is the logger for forwarded requests.
	// If not set it will use [Options.Logger] through [BaseAccessLogger].
	AccessLogger AccessLogger

	// ReadHeaderTimeout is the maximum duration for reading request headers.
	// Request and response bodies stay unbounded so long-running
	// transfers can stream. A zero value sets a default of 30 seconds.
	ReadHeaderTimeout time.Duration

	// IdleTimeout is the maximum duration the server keeps idle
	// keep-alive connections open. A zero value sets a default of 120 seconds.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. A zero value sets a
	// default of 30 seconds.
	ShutdownTimeout time.Duration

	// NotFoundHandler answers requests that match no routing rule.
	// Defaults to a plain 404.
	NotFoundHandler http.Handler

	// DisableWatcher turns off the routing document file watcher,
	// leaving manual reload as the only trigger.
	DisableWatcher bool
}

// WithLogger sets the [Logger] to the [Options].
// If not set, there will be [slog.New] with [slog.NewJSONHandler] with logging to stderr.
func WithLogger(l Logger) Option {
	return func(op *Options) {
		op.Logger = l
	}
}

// WithAccessLogger sets the [AccessLogger] to the [Options].
func WithAccessLogger(l AccessLogger) Option {
	return func(op *Options) {
		op.AccessLogger = l
	}
}

// WithNoAccessLog disables per-request logging.
func WithNoAccessLog() Option {
	return func(op *Options) {
		op.AccessLogger = &noopAccessLogger{}
	}
}

// WithReadHeaderTimeout sets the [Options.ReadHeaderTimeout] of the [Options] to the given duration.
func WithReadHeaderTimeout(tm time.Duration) Option {
	return func(op *Options) {
		op.ReadHeaderTimeout = tm
	}
}

// WithIdleTimeout sets the [Options.IdleTimeout] of the [Options] to the given duration.
func WithIdleTimeout(tm time.Duration) Option {
	return func(op *Options) {
		op.IdleTimeout = tm
	}
}

// WithShutdownTimeout sets the [Options.ShutdownTimeout] of the [Options] to the given duration.
func WithShutdownTimeout(tm time.Duration) Option {
	return func(op *Options) {
		op.ShutdownTimeout = tm
	}
}

// WithNotFoundHandler sets the handler for requests that match no routing rule.
func WithNotFoundHandler(h http.Handler) Option {
	return func(op *Options) {
		op.NotFoundHandler = h
	}
}

// WithoutWatcher disables the routing document file watcher.
func WithoutWatcher() Option {
	return func(op *Options) {
		op.DisableWatcher = true
	}
}

func parseOptions(opts []Option) Options {
	op := Options{}
	for _, o := range opts {
		o(&op)
	}
	return op
}
