// Package worker runs health probes: the probe engine with its checker
// strategies, and a restarting pool of workers that drain the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/metrics"
)

const DefaultTimeout = 5 * time.Second

var ErrInvalidAddress = errors.New("invalid address")

// CheckerFunc probes one target. It returns a short status text; a non-nil
// error marks the probe unhealthy. ctx carries the probe deadline.
type CheckerFunc func(ctx context.Context, check health.CheckConfig) (string, error)

type Engine struct {
	mu       sync.RWMutex
	checkers map[string]CheckerFunc
	client   *http.Client
}

func NewEngine() *Engine {
	e := &Engine{
		checkers: make(map[string]CheckerFunc),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	e.RegisterChecker(health.TypeTCP, tcpChecker)
	e.RegisterChecker(health.TypeHTTP, e.httpChecker)
	return e
}

// RegisterChecker installs fn for checks of the given type, replacing any
// previous checker, including the built-in ones.
func (e *Engine) RegisterChecker(typ string, fn CheckerFunc) {
	if typ == "" || fn == nil {
		return
	}
	e.mu.Lock()
	e.checkers[typ] = fn
	e.mu.Unlock()
}

func (e *Engine) HasChecker(typ string) bool {
	return e.getChecker(typ) != nil
}

func (e *Engine) getChecker(typ string) CheckerFunc {
	e.mu.RLock()
	fn := e.checkers[typ]
	e.mu.RUnlock()
	return fn
}

// Handle runs the checker for check.Type, bounded by the check's timeout or
// defTimeout. It never returns an error; failures are reported in the
// result.
func (e *Engine) Handle(ctx context.Context, check health.CheckConfig, defTimeout time.Duration) health.Result {
	if defTimeout <= 0 {
		defTimeout = DefaultTimeout
	}

	fn := e.getChecker(check.Type)
	if fn == nil {
		return health.Result{
			Name:      check.Name,
			Status:    "Unknown check type",
			LastCheck: time.Now(),
			Error:     "Unsupported check type: " + check.Type,
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, check.Timeout(defTimeout))
	defer cancel()

	start := time.Now()
	status, err := run(jobCtx, fn, check)
	elapsed := time.Since(start)

	res := health.Result{
		Name:         check.Name,
		Healthy:      err == nil,
		Status:       status,
		LastCheck:    time.Now(),
		ResponseTime: elapsed,
	}
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			res.Status = "Timeout"
		}
		if res.Status == "" {
			res.Status = "Check failed"
		}
		res.Error = err.Error()
	} else if res.Status == "" {
		res.Status = "Healthy"
	}

	metrics.ObserveProbe(check.Type, res.Healthy, elapsed)
	return res
}

func run(ctx context.Context, fn CheckerFunc, check health.CheckConfig) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = "Error"
			err = fmt.Errorf("checker panic: %v", r)
		}
	}()
	return fn(ctx, check)
}

func tcpChecker(ctx context.Context, check health.CheckConfig) (string, error) {
	addr := strings.TrimPrefix(check.Endpoint, "tcp://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return "Invalid address", fmt.Errorf("%w: %q", ErrInvalidAddress, check.Endpoint)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "Connection failed", err
	}
	_ = conn.Close()

	return "Healthy", nil
}

// httpChecker treats any HTTP response as healthy; only transport errors
// fail the probe.
func (e *Engine) httpChecker(ctx context.Context, check health.CheckConfig) (string, error) {
	raw := check.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "Invalid address", fmt.Errorf("%w: %q", ErrInvalidAddress, check.Endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "Invalid address", err
	}
	req.Header.Set("User-Agent", "modhost-health/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return "Connection failed", err
	}
	_ = resp.Body.Close()

	return fmt.Sprintf("HTTP %d", resp.StatusCode), nil
}
