package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/module"
)

const HTTPServerName = "http-server"

var httpServerDefaults = Options{
	Host:           "0.0.0.0",
	Port:           5000,
	MaxConnections: 100,
	RequestTimeout: 30 * time.Second,
	EnableCORS:     true,
}

// HTTPServer is the http-server module: a greeting, a liveness probe and
// its own counters.
type HTTPServer struct {
	module.Base
	server
}

func NewHTTPServer() *HTTPServer {
	return &HTTPServer{
		server: server{
			name:   HTTPServerName,
			opts:   httpServerDefaults,
			logger: log.WithModule(HTTPServerName),
		},
	}
}

func HTTPServerFactory() module.Module { return NewHTTPServer() }

func (h *HTTPServer) Name() string    { return HTTPServerName }
func (h *HTTPServer) Version() string { return "1.0.0" }

func (h *HTTPServer) Configure(cfg module.Config) error {
	opts, err := parseOptions(cfg, httpServerDefaults)
	if err != nil {
		return err
	}
	h.opts = opts
	return nil
}

func (h *HTTPServer) Initialize() error { return nil }

func (h *HTTPServer) Start(ctx context.Context) error {
	if err := h.start(h.routes); err != nil {
		return err
	}
	h.SetRunning(true)
	return nil
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	err := h.stop(ctx)
	h.SetRunning(false)
	return err
}

func (h *HTTPServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Stop(ctx)
}

// Addr returns the bound address while running.
func (h *HTTPServer) Addr() string { return h.addr() }

func (h *HTTPServer) Status() string {
	return fmt.Sprintf("HTTP Server (port: %d, running: %s, requests: %d, connections: %d)",
		h.opts.Port, yesNo(h.IsRunning()), h.requests.Load(), h.active.Load())
}

func (h *HTTPServer) OnMessage(topic, payload string) { h.onMessage(topic, payload) }

func (h *HTTPServer) routes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Hello from modhost HTTP Server!",
			"module":  HTTPServerName,
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"module": HTTPServerName,
		})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"module":      HTTPServerName,
			"running":     h.IsRunning(),
			"requests":    h.requests.Load(),
			"connections": h.active.Load(),
			"messages":    h.messages.Load(),
			"port":        h.opts.Port,
		})
	})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
