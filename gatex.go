// Package gatex provides a host and path-prefix routing HTTP reverse proxy
// based on a [net/http] and [gorilla/mux].
package gatex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/maxbolgarin/lang"
)

const defaultListen = ":8080"

// Server is the reverse proxy process: a data plane listener that
// routes and forwards requests using the active [RoutingTable], and an
// optional admin listener with the operational endpoints.
//
// Listen addresses and transport tuning are fixed at startup; reloads
// of the routing document only swap the routing rules.
type Server struct {
	cfg       *Config
	opts      Options
	reload    *ReloadController
	forwarder *Forwarder

	data  *http.Server
	admin *http.Server

	watchCancel context.CancelFunc
}

// New creates a new instance of the [Server] from the routing document
// at configPath. You can provide a list of options using With* methods.
// It performs the initial load, so a document that does not validate
// fails here with the full list of problems.
func New(configPath string, ops ...Option) (*Server, error) {
	opts := parseOptions(ops)
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	if opts.AccessLogger == nil {
		opts.AccessLogger = &BaseAccessLogger{opts.Logger}
	}
	if opts.NotFoundHandler == nil {
		opts.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no route for this host and path", http.StatusNotFound)
		})
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		opts:      opts,
		reload:    NewReloadController(configPath, opts.Logger),
		forwarder: NewForwarder(cfg.Proxy, opts.Logger),
	}

	if err := s.reload.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	return s, nil
}

// Start starts the data plane listener, the admin listener (when an
// admin address is configured) and the routing document watcher. It
// returns an error if a listener cannot be bound.
func (s *Server) Start() error {
	listen := lang.Check(s.cfg.Listen, defaultListen)

	s.data = &http.Server{
		Addr:              listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: lang.Check(s.opts.ReadHeaderTimeout, defaultReadHeaderTimeout),
		IdleTimeout:       lang.Check(s.opts.IdleTimeout, defaultIdleTimeout),
	}
	if err := s.start(s.data); err != nil {
		s.data = nil
		return fmt.Errorf("start proxy server: %w", err)
	}
	s.opts.Logger.Info("proxy server started", "address", listen)

	if s.cfg.Admin.Address != "" {
		s.admin = &http.Server{
			Addr:              s.cfg.Admin.Address,
			Handler:           newAdminRouter(s.reload, s.cfg.Admin, s.opts.Logger),
			ReadHeaderTimeout: lang.Check(s.opts.ReadHeaderTimeout, defaultReadHeaderTimeout),
			IdleTimeout:       lang.Check(s.opts.IdleTimeout, defaultIdleTimeout),
		}
		if err := s.start(s.admin); err != nil {
			s.admin = nil
			return fmt.Errorf("start admin server: %w", err)
		}
		s.opts.Logger.Info("admin server started", "address", s.cfg.Admin.Address)
	}

	if !s.opts.DisableWatcher {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		go s.reload.Watch(ctx)
	}

	return nil
}

// StartWithShutdown starts the server and shutdowns it when the context
// is closed (it starts a goroutine to check [context.Context.Done]).
func (s *Server) StartWithShutdown(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), lang.Check(s.opts.ShutdownTimeout, defaultShutdownTimeout))
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.opts.Logger.Error("cannot shutdown", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shutdowns the data plane and admin servers and
// stops the document watcher. In-flight requests are allowed to finish
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}

	var errs []error
	if s.data != nil {
		if err := s.data.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown proxy server: %w", err))
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Reload triggers a manual reload of the routing document, the same
// operation the admin endpoint and the file watcher perform.
func (s *Server) Reload() error {
	return s.reload.Reload()
}

// Table returns the active routing table snapshot.
func (s *Server) Table() *RoutingTable {
	return s.reload.Table()
}

// Address returns the address the data plane server is listening on.
// Returns an empty string if the server is not running.
func (s *Server) Address() string {
	if s.data == nil {
		return ""
	}
	return s.data.Addr
}

// AdminAddress returns the address the admin server is listening on.
// Returns an empty string if the admin server is not running or not configured.
func (s *Server) AdminAddress() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr
}

// handler is the data plane entry point: capture the current table
// snapshot, route, forward, log. The snapshot reference is held for the
// whole request, so a reload mid-flight never changes its routing.
func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		table := s.reload.Table()
		if table == nil {
			http.Error(sw, "no routing table loaded", http.StatusServiceUnavailable)
			s.opts.AccessLogger.Log(AccessLogBundle{Request: r, StatusCode: sw.statusCode, StartTime: start})
			return
		}

		var rule *Rule
		target, err := table.Route(requestHost(r), r.URL.Path)
		if err != nil {
			metricNoRouteTotal.Inc()
			s.opts.NotFoundHandler.ServeHTTP(sw, r)
		} else {
			rule = target.Rule
			s.forwarder.Forward(sw, r, target)
		}

		s.opts.AccessLogger.Log(AccessLogBundle{
			Request:    r,
			Rule:       rule,
			StatusCode: sw.statusCode,
			StartTime:  start,
		})
	})
}

func (s *Server) start(srv *http.Server) error {
	if srv.Addr == "" {
		return errors.New("address is required")
	}

	l, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.opts.Logger.Error(string(debug.Stack()), "error", fmt.Errorf("%s", r))
			}
		}()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Error("cannot serve", "error", err, "address", srv.Addr)
		}
	}()

	return nil
}
