// Package metrics exports agent instrumentation over HTTP in the Prometheus
// text format, together with liveness and readiness probes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds the metrics.* settings.
type MetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MetricsPath    string        `json:"metrics_path"`
	HealthPath     string        `json:"health_path"`
	ReadyPath      string        `json:"ready_path"`
	UpdateInterval time.Duration `json:"update_interval"`
	Namespace      string        `json:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ListenAddress:  ":9090",
		MetricsPath:    "/metrics",
		HealthPath:     "/health",
		ReadyPath:      "/ready",
		UpdateInterval: 30 * time.Second,
		Namespace:      "proteus",
	}
}

func loadMetricsConfig(cfg config.Provider) (*MetricsConfig, error) {
	c := DefaultMetricsConfig()
	if cfg == nil {
		return c, nil
	}

	var err error
	if c.Enabled, err = cfg.GetBool("metrics.enabled", c.Enabled); err != nil {
		return nil, fmt.Errorf("metrics.enabled: %w", err)
	}
	c.ListenAddress, _ = cfg.GetString("metrics.listen_address", c.ListenAddress)
	c.MetricsPath, _ = cfg.GetString("metrics.metrics_path", c.MetricsPath)
	c.HealthPath, _ = cfg.GetString("metrics.health_path", c.HealthPath)
	c.ReadyPath, _ = cfg.GetString("metrics.ready_path", c.ReadyPath)
	c.Namespace, _ = cfg.GetString("metrics.namespace", c.Namespace)
	if d, err := cfg.GetDuration("metrics.update_interval", c.UpdateInterval); err == nil && d > 0 {
		c.UpdateInterval = d
	}

	for _, p := range []string{c.MetricsPath, c.HealthPath, c.ReadyPath} {
		if len(p) == 0 || p[0] != '/' {
			return nil, fmt.Errorf("endpoint path %q must start with /", p)
		}
	}
	return c, nil
}

// MetricsManager owns the metric registry and the HTTP endpoint. It
// implements the request and save observer interfaces of the engine and
// storage packages.
type MetricsManager struct {
	config   *MetricsConfig
	logger   logging.Logger
	registry *prometheus.Registry
	inst     *instruments
	probes   *probes

	mu            sync.Mutex
	registrations func() int
	server        *http.Server

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMetricsManager registers the agent instruments plus the Go runtime
// and process collectors on a private registry.
func NewMetricsManager(cfg config.Provider, logger logging.Logger) (*MetricsManager, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	c, err := loadMetricsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics configuration: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: c.Namespace})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	l := logger.With("component", "metrics")
	return &MetricsManager{
		config:   c,
		logger:   l,
		registry: reg,
		inst:     newInstruments(reg, c.Namespace),
		probes:   newProbes(l),
		stop:     make(chan struct{}),
	}, nil
}

// SetRegistrationSource sets the function sampled for the registrations
// gauge.
func (m *MetricsManager) SetRegistrationSource(fn func() int) {
	m.mu.Lock()
	m.registrations = fn
	m.mu.Unlock()
}

// Handler serves the metrics, health and ready endpoints.
func (m *MetricsManager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          promLogger{m.logger},
	}))
	mux.HandleFunc(m.config.HealthPath, m.probes.health)
	mux.HandleFunc(m.config.ReadyPath, m.probes.ready)
	return mux
}

// Start begins serving. It is a no-op when metrics are disabled.
func (m *MetricsManager) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Metrics collection is disabled")
		return nil
	}

	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.mu.Lock()
	m.server = srv
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server error", "error", err.Error())
			m.SetComponentHealth("metrics", false)
		}
	}()
	go m.sample()

	m.logger.Info("Metrics server started",
		"listen_address", m.config.ListenAddress,
		"metrics_path", m.config.MetricsPath)
	return nil
}

// Stop shuts the HTTP server down and waits for the sampler.
func (m *MetricsManager) Stop() error {
	if !m.config.Enabled {
		return nil
	}

	close(m.stop)

	m.mu.Lock()
	srv := m.server
	m.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	m.wg.Wait()

	m.logger.Info("Metrics server stopped")
	return err
}

func (m *MetricsManager) sample() {
	defer m.wg.Done()

	t := time.NewTicker(m.config.UpdateInterval)
	defer t.Stop()

	for {
		m.refresh()
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
	}
}

// refresh samples the values that are pulled rather than pushed.
func (m *MetricsManager) refresh() {
	m.mu.Lock()
	fn := m.registrations
	m.mu.Unlock()
	if fn != nil {
		m.inst.registrations.Set(float64(fn()))
	}
	m.inst.uptime.Set(time.Since(m.probes.started).Seconds())
}

// SetComponentHealth records the health of one component. Any unhealthy
// component fails the health probe.
func (m *MetricsManager) SetComponentHealth(component string, healthy bool) {
	m.probes.setHealth(component, healthy)
}

// SetReady flips the readiness probe.
func (m *MetricsManager) SetReady(ready bool) {
	m.probes.setReady(ready)
	m.logger.Info("Readiness status updated", "ready", ready)
}

type promLogger struct{ l logging.Logger }

func (p promLogger) Println(v ...any) {
	p.l.Error("Metrics handler error", "error", fmt.Sprint(v...))
}
