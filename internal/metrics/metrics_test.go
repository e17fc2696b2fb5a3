package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/proteus/internal/types"
)

// mapProvider is a config.Provider over a flat key map.
type mapProvider map[string]any

func lookup[T any](m mapProvider, key string, def []T) (T, error) {
	if v, ok := m[key].(T); ok {
		return v, nil
	}
	if len(def) > 0 {
		return def[0], nil
	}
	var zero T
	return zero, fmt.Errorf("key not found: %s", key)
}

func (m mapProvider) Get(key string) (any, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}
func (m mapProvider) GetString(key string, def ...string) (string, error) { return lookup(m, key, def) }
func (m mapProvider) GetInt(key string, def ...int) (int, error) { return lookup(m, key, def) }
func (m mapProvider) GetBool(key string, def ...bool) (bool, error) { return lookup(m, key, def) }
func (m mapProvider) GetFloat(key string, def ...float64) (float64, error) {
	return lookup(m, key, def)
}
func (m mapProvider) GetStringSlice(key string, def ...[]string) ([]string, error) {
	return lookup(m, key, def)
}
func (m mapProvider) GetDuration(key string, def ...time.Duration) (time.Duration, error) {
	if s, ok := m[key].(string); ok {
		return time.ParseDuration(s)
	}
	return lookup(m, key, def)
}
func (m mapProvider) GetMap(key string) (map[string]any, error) {
	return lookup[map[string]any](m, key, nil)
}
func (m mapProvider) Exists(key string) bool {
	_, ok := m[key]
	return ok
}
func (m mapProvider) IsSet(key string) bool { return m.Exists(key) }
func (m mapProvider) Validate() error { return nil }
func (m mapProvider) AllSettings() map[string]any {
	return maps.Clone(map[string]any(m))
}
func (m mapProvider) AllKeys() []string {
	return slices.Collect(maps.Keys(m))
}

func testLogger(t *testing.T) logging.Logger {
	t.Helper()
	logger, _, err := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return logger
}

func newTestManager(t *testing.T) *MetricsManager {
	t.Helper()
	m, err := NewMetricsManager(mapProvider{}, testLogger(t))
	require.NoError(t, err)
	return m
}

func probe(t *testing.T, h http.HandlerFunc) (int, probeReport) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var report probeReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	return w.Code, report
}

func TestLoadMetricsConfig(t *testing.T) {
	c, err := loadMetricsConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsConfig(), c)

	c, err = loadMetricsConfig(mapProvider{
		"metrics.enabled":         false,
		"metrics.listen_address":  ":8080",
		"metrics.metrics_path":    "/prom",
		"metrics.update_interval": "1m",
		"metrics.namespace":       "lab",
	})
	require.NoError(t, err)
	assert.False(t, c.Enabled)
	assert.Equal(t, ":8080", c.ListenAddress)
	assert.Equal(t, "/prom", c.MetricsPath)
	assert.Equal(t, "/health", c.HealthPath)
	assert.Equal(t, time.Minute, c.UpdateInterval)
	assert.Equal(t, "lab", c.Namespace)

	_, err = loadMetricsConfig(mapProvider{"metrics.ready_path": "ready"})
	assert.Error(t, err)
}

func TestNewMetricsManagerRequiresLogger(t *testing.T) {
	_, err := NewMetricsManager(mapProvider{}, nil)
	assert.Error(t, err)
}

func TestDisabledManagerDoesNotServe(t *testing.T) {
	m, err := NewMetricsManager(mapProvider{"metrics.enabled": false}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, m.Start())
	assert.Nil(t, m.server)
	assert.NoError(t, m.Stop())
}

func TestRequestObserver(t *testing.T) {
	m := newTestManager(t)

	m.RequestProcessed(types.PDUTypeGetRequest, types.ErrorStatusNoError, 3, time.Millisecond)
	m.RequestProcessed(types.PDUTypeGetRequest, types.ErrorStatusNoError, 1, time.Millisecond)
	m.RequestProcessed(types.PDUTypeSetRequest, types.ErrorStatusWrongValue, 2, time.Millisecond)
	m.UndoPerformed(false)
	m.UndoPerformed(true)
	m.UndoPerformed(true)

	get, set := types.PDUTypeGetRequest.String(), types.PDUTypeSetRequest.String()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inst.requests.WithLabelValues(get, types.ErrorStatusNoError.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.requests.WithLabelValues(set, types.ErrorStatusWrongValue.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.undos.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inst.undos.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.inst.requests))
}

func TestSaveObserverDrivesStorageHealth(t *testing.T) {
	m := newTestManager(t)

	m.SaveCompleted(12, 10*time.Millisecond, nil)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.inst.rowsSaved))

	m.SaveCompleted(0, 0, errors.New("database is locked"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.saves.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inst.saves.WithLabelValues("failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.inst.rowsSaved))

	code, report := probe(t, m.probes.health)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", report.Status)
	assert.False(t, report.Components["storage"])

	m.SaveCompleted(4, time.Millisecond, nil)
	code, report = probe(t, m.probes.health)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, report.Components["storage"])
}

func TestRefreshSamplesRegistrations(t *testing.T) {
	m := newTestManager(t)

	m.refresh()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inst.registrations))

	m.SetRegistrationSource(func() int { return 7 })
	m.refresh()
	assert.Equal(t, 7.0, testutil.ToFloat64(m.inst.registrations))
}

func TestProbes(t *testing.T) {
	m := newTestManager(t)

	code, report := probe(t, m.probes.health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", report.Status)

	code, report = probe(t, m.probes.ready)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", report.Status)

	m.SetReady(true)
	code, _ = probe(t, m.probes.ready)
	assert.Equal(t, http.StatusOK, code)

	m.SetComponentHealth("agent", true)
	m.SetComponentHealth("engine", false)
	code, report = probe(t, m.probes.health)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]bool{"agent": true, "engine": false}, report.Components)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := newTestManager(t)
	m.RequestProcessed(types.PDUTypeGetNextRequest, types.ErrorStatusNoError, 1, time.Millisecond)
	m.SaveCompleted(1, time.Millisecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "proteus_requests_total")
	assert.Contains(t, string(body), "proteus_request_duration_seconds")
	assert.Contains(t, string(body), "proteus_storage_saves_total")
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartAndStop(t *testing.T) {
	m, err := NewMetricsManager(mapProvider{
		"metrics.listen_address":  "127.0.0.1:0",
		"metrics.update_interval": "10ms",
	}, testLogger(t))
	require.NoError(t, err)
	m.SetRegistrationSource(func() int { return 3 })

	require.NoError(t, m.Start())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.inst.registrations) == 3
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, m.Stop())
}
