package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/metrics"
	"github.com/Rin0913/modhost/internal/module"
)

const (
	APIName    = "api"
	APIVersion = "1.0.0"

	healthMonitorName = "health-monitor"
)

var apiDefaults = Options{
	Host:           "127.0.0.1",
	Port:           8080,
	MaxConnections: 100,
	RequestTimeout: 30 * time.Second,
	EnableCORS:     true,
}

// statusReporter is implemented by hosts that can list module statuses.
type statusReporter interface {
	ModuleStatuses() map[string]string
}

// targetReporter is implemented by the health-monitor module.
type targetReporter interface {
	Targets() []health.Target
	SuccessRate() float64
	TotalChecks() uint64
	FailedChecks() uint64
}

// API is the api module: service info, module listing, health results and
// prometheus metrics over JSON.
type API struct {
	module.Base
	server
}

func NewAPI() *API {
	return &API{
		server: server{
			name:   APIName,
			opts:   apiDefaults,
			logger: log.WithModule(APIName),
		},
	}
}

func APIFactory() module.Module { return NewAPI() }

func (a *API) Name() string    { return APIName }
func (a *API) Version() string { return APIVersion }

func (a *API) Configure(cfg module.Config) error {
	opts, err := parseOptions(cfg, apiDefaults)
	if err != nil {
		return err
	}
	a.opts = opts
	return nil
}

func (a *API) Initialize() error { return nil }

func (a *API) Start(ctx context.Context) error {
	if err := a.start(a.routes); err != nil {
		return err
	}
	a.SetRunning(true)
	return nil
}

func (a *API) Stop(ctx context.Context) error {
	err := a.stop(ctx)
	a.SetRunning(false)
	return err
}

func (a *API) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Stop(ctx)
}

func (a *API) Addr() string { return a.addr() }

func (a *API) Status() string {
	return fmt.Sprintf("API Module (host: %s, port: %d, running: %s, requests: %d, connections: %d)",
		a.opts.Host, a.opts.Port, yesNo(a.IsRunning()), a.requests.Load(), a.active.Load())
}

func (a *API) OnMessage(topic, payload string) { a.onMessage(topic, payload) }

func (a *API) routes(r chi.Router) {
	r.Get("/", a.handleRoot)
	r.Get("/health", a.handleHealth)
	r.Get("/status", a.handleStatus)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/info", a.handleInfo)
		r.Get("/modules", a.handleModules)
		r.Get("/health", a.handleTargets)
	})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":              "modhost",
		"version":           APIVersion,
		"description":       "Welcome to the modhost API",
		"documentation_url": "/api/info",
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   APIVersion,
		"hostname":  hostname,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "running",
		"uptime":             a.uptime().Truncate(time.Second).String(),
		"requests_processed": a.requests.Load(),
		"active_connections": a.active.Load(),
		"messages_received":  a.messages.Load(),
		"version":            APIVersion,
	})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":              "modhost API",
		"version":           APIVersion,
		"description":       "Modular in-process application host API",
		"documentation_url": "/api/info",
	})
}

type moduleView struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	host := a.Host()
	reporter, ok := host.(statusReporter)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Code:    http.StatusServiceUnavailable,
			Message: "Module listing unavailable",
			Details: "The host does not report module statuses",
		})
		return
	}

	statuses := reporter.ModuleStatuses()
	out := make([]moduleView, 0, len(statuses))
	for name, status := range statuses {
		out = append(out, moduleView{Name: name, Status: status, Running: host.IsModuleRunning(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"modules": out})
}

func (a *API) handleTargets(w http.ResponseWriter, r *http.Request) {
	var targets targetReporter
	if host := a.Host(); host != nil {
		if mod, ok := host.Module(healthMonitorName); ok {
			targets, _ = mod.(targetReporter)
		}
	}
	if targets == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Code:    http.StatusServiceUnavailable,
			Message: "Health monitor not loaded",
			Details: "Load the " + healthMonitorName + " module to report health",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"targets":       targets.Targets(),
		"total_checks":  targets.TotalChecks(),
		"failed_checks": targets.FailedChecks(),
		"success_rate":  targets.SuccessRate(),
	})
}
