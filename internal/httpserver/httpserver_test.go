package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/health/monitor"
	"github.com/Rin0913/modhost/internal/manager"
	"github.com/Rin0913/modhost/internal/module"
)

var loopback = module.Config{"host": "127.0.0.1", "port": "0"}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func startHTTPServer(t *testing.T, cfg module.Config) *HTTPServer {
	t.Helper()
	h := NewHTTPServer()
	require.NoError(t, h.Configure(cfg))
	require.NoError(t, h.Initialize())
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions(module.Config{
		"host":                  "0.0.0.0",
		"port":                  "9000",
		"max_connections":       "7",
		"request_timeout":       "3",
		"enable_cors":           "false",
		"rate_limit_per_minute": "60",
	}, apiDefaults)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", o.Host)
	assert.Equal(t, 9000, o.Port)
	assert.Equal(t, 7, o.MaxConnections)
	assert.Equal(t, "3s", o.RequestTimeout.String())
	assert.False(t, o.EnableCORS)
	assert.Equal(t, 60, o.RateLimitPerMinute)

	_, err = parseOptions(module.Config{"port": "http"}, apiDefaults)
	require.ErrorIs(t, err, module.ErrInvalidConfig)

	_, err = parseOptions(module.Config{"port": "70000"}, apiDefaults)
	require.ErrorIs(t, err, module.ErrInvalidConfig)

	o, err = parseOptions(nil, httpServerDefaults)
	require.NoError(t, err)
	assert.Equal(t, httpServerDefaults, o)
}

func TestHTTPServerRoutes(t *testing.T) {
	h := startHTTPServer(t, loopback)
	base := "http://" + h.Addr()

	var root map[string]string
	resp := getJSON(t, base+"/", &root)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "http-server", root["module"])

	var hl map[string]string
	getJSON(t, base+"/health", &hl)
	assert.Equal(t, "healthy", hl["status"])

	h.OnMessage("t", "payload")

	var st map[string]any
	getJSON(t, base+"/status", &st)
	assert.Equal(t, true, st["running"])
	assert.EqualValues(t, 3, st["requests"])
	assert.EqualValues(t, 1, st["messages"])

	var nf errorBody
	resp = getJSON(t, base+"/nope", &nf)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Endpoint not found", nf.Message)

	assert.True(t, strings.HasPrefix(h.Status(), "HTTP Server (port: 0, running: yes, requests: 4"))
}

func TestHTTPServerRestart(t *testing.T) {
	h := startHTTPServer(t, loopback)
	require.NotEmpty(t, h.Addr())

	require.NoError(t, h.Stop(context.Background()))
	assert.False(t, h.IsRunning())
	assert.Empty(t, h.Addr())
	assert.Contains(t, h.Status(), "running: no")
	require.NoError(t, h.Stop(context.Background()))

	require.NoError(t, h.Start(context.Background()))
	var hl map[string]string
	getJSON(t, "http://"+h.Addr()+"/health", &hl)
	assert.Equal(t, "healthy", hl["status"])
}

func TestCORSDisabledAndPreflight(t *testing.T) {
	off := startHTTPServer(t, module.Config{"host": "127.0.0.1", "port": "0", "enable_cors": "false"})
	resp := getJSON(t, "http://"+off.Addr()+"/health", nil)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	on := startHTTPServer(t, loopback)
	req, err := http.NewRequest(http.MethodOptions, "http://"+on.Addr()+"/health", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	h := startHTTPServer(t, module.Config{"host": "127.0.0.1", "port": "0", "rate_limit_per_minute": "2"})
	url := "http://" + h.Addr() + "/health"

	assert.Equal(t, http.StatusOK, getJSON(t, url, nil).StatusCode)
	assert.Equal(t, http.StatusOK, getJSON(t, url, nil).StatusCode)

	var body errorBody
	resp := getJSON(t, url, &body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, body.Code)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	h := startHTTPServer(t, loopback)
	_, port, _ := strings.Cut(h.Addr(), ":")

	other := NewHTTPServer()
	require.NoError(t, other.Configure(module.Config{"host": "127.0.0.1", "port": port}))
	require.Error(t, other.Start(context.Background()))
	assert.False(t, other.IsRunning())
}

func TestAPIWithinManager(t *testing.T) {
	m := manager.New()
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	ctx := context.Background()

	m.Register(APIName, APIFactory)
	m.Register(monitor.Name, monitor.Factory)
	require.NoError(t, m.Load(APIName, loopback))
	require.NoError(t, m.Start(ctx, APIName))

	mod, ok := m.Module(APIName)
	require.True(t, ok)
	base := "http://" + mod.(*API).Addr()

	var nf errorBody
	resp := getJSON(t, base+"/api/health", &nf)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, m.Load(monitor.Name, nil))
	hm, _ := m.Module(monitor.Name)
	require.NoError(t, hm.(*monitor.Monitor).AddHealthCheck(health.CheckConfig{Name: "db", Type: "tcp", Endpoint: "127.0.0.1:1"}))

	var mods struct {
		Modules []moduleView `json:"modules"`
	}
	getJSON(t, base+"/api/modules", &mods)
	require.Len(t, mods.Modules, 2)
	assert.Equal(t, "api", mods.Modules[0].Name)
	assert.True(t, mods.Modules[0].Running)
	assert.Equal(t, monitor.Name, mods.Modules[1].Name)
	assert.False(t, mods.Modules[1].Running)
	assert.Contains(t, mods.Modules[1].Status, "Health Monitor (running: no")

	var targets struct {
		Targets     []health.Target `json:"targets"`
		SuccessRate float64         `json:"success_rate"`
	}
	resp = getJSON(t, base+"/api/health", &targets)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, targets.Targets, 1)
	assert.Equal(t, "db", targets.Targets[0].Check.Name)
	assert.True(t, targets.Targets[0].Healthy)
	assert.Equal(t, 1.0, targets.SuccessRate)

	var info map[string]string
	getJSON(t, base+"/api/info", &info)
	assert.Equal(t, APIVersion, info["version"])

	var st map[string]any
	getJSON(t, base+"/status", &st)
	assert.Equal(t, "running", st["status"])

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
