package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/geekxflood/common/logging"
)

// probes holds the state behind the health and ready endpoints.
type probes struct {
	logger  logging.Logger
	started time.Time

	mu         sync.RWMutex
	components map[string]bool
	isReady    bool
}

type probeReport struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components,omitempty"`
	Uptime     string          `json:"uptime"`
}

func newProbes(logger logging.Logger) *probes {
	return &probes{
		logger:     logger,
		started:    time.Now(),
		components: make(map[string]bool),
	}
}

func (p *probes) setHealth(component string, healthy bool) {
	p.mu.Lock()
	prev, seen := p.components[component]
	p.components[component] = healthy
	p.mu.Unlock()

	if !seen || prev != healthy {
		p.logger.Debug("Component health updated", "component", component, "healthy", healthy)
	}
}

func (p *probes) setReady(ready bool) {
	p.mu.Lock()
	p.isReady = ready
	p.mu.Unlock()
}

func (p *probes) health(w http.ResponseWriter, _ *http.Request) {
	p.mu.RLock()
	report := probeReport{Status: "healthy", Components: make(map[string]bool, len(p.components))}
	for name, ok := range p.components {
		report.Components[name] = ok
		if !ok {
			report.Status = "unhealthy"
		}
	}
	p.mu.RUnlock()

	code := http.StatusOK
	if report.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	p.write(w, code, report)
}

func (p *probes) ready(w http.ResponseWriter, _ *http.Request) {
	p.mu.RLock()
	ready := p.isReady
	p.mu.RUnlock()

	report, code := probeReport{Status: "ready"}, http.StatusOK
	if !ready {
		report.Status, code = "not ready", http.StatusServiceUnavailable
	}
	p.write(w, code, report)
}

func (p *probes) write(w http.ResponseWriter, code int, report probeReport) {
	report.Uptime = time.Since(p.started).Truncate(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		p.logger.Debug("Failed to write probe response", "error", err.Error())
	}
}
