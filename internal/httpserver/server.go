// Package httpserver provides the http-server and api modules: small JSON
// HTTP surfaces over the module host.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/module"
)

// Options are the settings shared by both HTTP modules.
type Options struct {
	Host               string
	Port               int
	MaxConnections     int
	RequestTimeout     time.Duration
	EnableCORS         bool
	RateLimitPerMinute int
}

// parseOptions reads host, port, max_connections, request_timeout (seconds),
// enable_cors and rate_limit_per_minute over def.
func parseOptions(cfg module.Config, def Options) (Options, error) {
	o := def
	o.Host = cfg.String("host", def.Host)

	var err error
	if o.Port, err = cfg.Int("port", def.Port); err != nil {
		return o, err
	}
	if o.Port < 0 || o.Port > 65535 {
		return o, &module.ConfigError{Key: "port", Value: cfg["port"], Err: errors.New("out of range")}
	}
	if o.MaxConnections, err = cfg.Int("max_connections", def.MaxConnections); err != nil {
		return o, err
	}
	secs, err := cfg.Int("request_timeout", int(def.RequestTimeout/time.Second))
	if err != nil {
		return o, err
	}
	o.RequestTimeout = time.Duration(secs) * time.Second
	o.EnableCORS = cfg.Bool("enable_cors", def.EnableCORS)
	if o.RateLimitPerMinute, err = cfg.Int("rate_limit_per_minute", def.RateLimitPerMinute); err != nil {
		return o, err
	}
	return o, nil
}

// server owns one listener and its http.Server. It can be started again
// after a stop.
type server struct {
	name   string
	opts   Options
	logger zerolog.Logger

	requests atomic.Uint64
	active   atomic.Int64
	messages atomic.Uint64

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	done    chan struct{}
	started time.Time
}

func (s *server) listenAddr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *server) start(routes func(chi.Router)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.listenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listenAddr(), err)
	}

	srv := &http.Server{
		Handler:           newRouter(s, routes),
		ReadHeaderTimeout: s.opts.RequestTimeout,
		ConnState:         s.trackConn,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("event", "http.serve_failed").Msg("http server stopped unexpectedly")
		}
	}()

	s.srv, s.ln, s.done = srv, ln, done
	s.started = time.Now()
	s.logger.Info().
		Str("event", "http.listening").
		Str("addr", ln.Addr().String()).
		Msg("http server listening")
	return nil
}

func (s *server) stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	if err != nil {
		_ = s.srv.Close()
	}
	<-s.done

	s.srv, s.ln, s.done = nil, nil, nil
	s.active.Store(0)
	s.logger.Info().Str("event", "http.stopped").Msg("http server stopped")
	return err
}

// addr returns the bound address, or "" when not listening.
func (s *server) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return 0
	}
	return time.Since(s.started)
}

func (s *server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.active.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.active.Add(-1)
	}
}

func (s *server) onMessage(topic, payload string) {
	s.messages.Add(1)
	s.logger.Debug().
		Str("event", "http.message").
		Str("topic", topic).
		Int("bytes", len(payload)).
		Msg("message received")
}
