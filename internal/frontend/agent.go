package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/proteus/internal/types"
)

// Processor runs operations against the object directory.
type Processor interface {
	Process(ctx context.Context, op *types.Operation) (*types.Response, error)
}

// AgentConfig holds the UDP agent settings.
type AgentConfig struct {
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	BufferSize      int               `json:"buffer_size"`
	ReadTimeout     time.Duration     `json:"read_timeout"`
	RequestTimeout  time.Duration     `json:"request_timeout"`
	MaxHandlers     int               `json:"max_handlers"`
	MaxResponseSize int               `json:"max_response_size"`
	Community       string            `json:"community"`
	Communities     map[string]string `json:"communities"`
	AllowedSources  []string          `json:"allowed_sources"`
	BlockedSources  []string          `json:"blocked_sources"`
	MaxVarBinds     int               `json:"max_varbinds"`
	MaxOIDLength    int               `json:"max_oid_length"`
}

// DefaultAgentConfig returns the default agent settings.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Host:            "0.0.0.0",
		Port:            161,
		BufferSize:      65536,
		ReadTimeout:     time.Second,
		RequestTimeout:  5 * time.Second,
		MaxHandlers:     16,
		MaxResponseSize: 1472,
		Community:       "public",
		MaxVarBinds:     128,
		MaxOIDLength:    128,
	}
}

func loadAgentConfig(cfg config.Provider) *AgentConfig {
	c := DefaultAgentConfig()
	if v, err := cfg.GetString("agent.host", c.Host); err == nil {
		c.Host = v
	}
	if v, err := cfg.GetInt("agent.port", c.Port); err == nil && v >= 0 {
		c.Port = v
	}
	if v, err := cfg.GetInt("agent.buffer_size", c.BufferSize); err == nil && v > 0 {
		c.BufferSize = v
	}
	if v, err := cfg.GetDuration("agent.read_timeout", c.ReadTimeout); err == nil && v > 0 {
		c.ReadTimeout = v
	}
	if v, err := cfg.GetDuration("agent.request_timeout", c.RequestTimeout); err == nil && v > 0 {
		c.RequestTimeout = v
	}
	if v, err := cfg.GetInt("agent.max_handlers", c.MaxHandlers); err == nil && v > 0 {
		c.MaxHandlers = v
	}
	if v, err := cfg.GetInt("agent.max_response_size", c.MaxResponseSize); err == nil && v > 0 {
		c.MaxResponseSize = v
	}
	if v, err := cfg.GetString("agent.community", c.Community); err == nil {
		c.Community = v
	}
	if v, err := cfg.GetStringSlice("agent.allowed_sources", c.AllowedSources); err == nil {
		c.AllowedSources = v
	}
	if v, err := cfg.GetStringSlice("agent.blocked_sources", c.BlockedSources); err == nil {
		c.BlockedSources = v
	}
	if v, err := cfg.GetInt("agent.max_varbinds", c.MaxVarBinds); err == nil && v >= 0 {
		c.MaxVarBinds = v
	}
	if v, err := cfg.GetInt("agent.max_oid_length", c.MaxOIDLength); err == nil && v >= 0 {
		c.MaxOIDLength = v
	}
	// communities maps a community string to the context it selects.
	if m, err := cfg.GetMap("agent.communities"); err == nil && len(m) > 0 {
		c.Communities = make(map[string]string, len(m))
		for community, ctx := range m {
			if s, ok := ctx.(string); ok {
				c.Communities[community] = s
			}
		}
	}
	return c
}

// contextFor returns the context selected by community.
func (c *AgentConfig) contextFor(community string) (string, bool) {
	if len(c.Communities) > 0 {
		ctx, ok := c.Communities[community]
		return ctx, ok
	}
	return "", community == c.Community
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

type agentStats struct {
	received  atomic.Int64
	responded atomic.Int64
	dropped   atomic.Int64
	badComm   atomic.Int64
	malformed atomic.Int64
	blocked   atomic.Int64
}

// Agent answers SNMP requests received over UDP.
type Agent struct {
	config    *AgentConfig
	processor Processor
	logger    logging.Logger

	conn     *net.UDPConn
	packets  chan packet
	listenWg sync.WaitGroup
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool

	stats agentStats
}

// NewAgent creates an agent that hands requests to p.
func NewAgent(cfg config.Provider, p Processor, logger logging.Logger) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if p == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	return &Agent{
		config:    loadAgentConfig(cfg),
		processor: p,
		logger:    logger.With("component", "agent"),
	}, nil
}

// Start binds the UDP socket and launches the handler workers.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent is already running")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(a.config.Host, fmt.Sprint(a.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to UDP socket: %w", err)
	}
	if err := conn.SetReadBuffer(a.config.BufferSize); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read buffer size: %w", err)
	}

	a.conn = conn
	a.packets = make(chan packet, a.config.MaxHandlers)
	a.running = true

	for i := 0; i < a.config.MaxHandlers; i++ {
		a.wg.Add(1)
		go a.handlerWorker(ctx)
	}
	a.listenWg.Add(1)
	go a.listen(ctx)

	a.logger.Info("SNMP agent listening", "address", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and waits for in-flight requests.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.conn.Close()
	a.mu.Unlock()

	// The listener is the only sender on packets.
	a.listenWg.Wait()
	close(a.packets)
	a.wg.Wait()

	a.logger.Info("SNMP agent stopped")
	return nil
}

// IsRunning reports whether the agent is serving.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Addr returns the bound address, nil when stopped.
func (a *Agent) Addr() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil || !a.running {
		return nil
	}
	return a.conn.LocalAddr().(*net.UDPAddr)
}

func (a *Agent) listen(ctx context.Context) {
	defer a.listenWg.Done()

	buffer := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.conn.SetReadDeadline(time.Now().Add(a.config.ReadTimeout))
		n, addr, err := a.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !a.IsRunning() {
				return
			}
			a.logger.Warn("UDP read failed", "error", err.Error())
			continue
		}
		a.stats.received.Add(1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case a.packets <- packet{data: data, addr: addr}:
		default:
			a.stats.dropped.Add(1)
			a.logger.Debug("Handler queue full, dropping request", "source", addr.String())
		}
	}
}

func (a *Agent) handlerWorker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-a.packets:
			if !ok {
				return
			}
			a.handle(ctx, p)
		}
	}
}

func (a *Agent) handle(ctx context.Context, p packet) {
	logger := a.logger.With("source", p.addr.String())

	if err := a.config.admits(p.addr.IP); err != nil {
		a.stats.blocked.Add(1)
		logger.Debug("Request rejected", "error", err.Error())
		return
	}

	out, err := a.Respond(ctx, p.data)
	if err != nil {
		logger.Debug("Request not answered", "error", err.Error())
		return
	}
	if _, err := a.conn.WriteToUDP(out, p.addr); err != nil {
		logger.Warn("Failed to send response", "error", err.Error())
		return
	}
	a.stats.responded.Add(1)
}

// Respond decodes one request message, runs it and returns the encoded
// response. Requests with an unknown community are not answered.
func (a *Agent) Respond(ctx context.Context, data []byte) ([]byte, error) {
	req, err := (&gosnmp.GoSNMP{}).SnmpDecodePacket(data)
	if err != nil {
		a.stats.malformed.Add(1)
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	contextName, ok := a.config.contextFor(req.Community)
	if !ok {
		a.stats.badComm.Add(1)
		return nil, fmt.Errorf("unknown community %q", req.Community)
	}
	if err := a.config.checkRequest(req); err != nil {
		a.stats.malformed.Add(1)
		return nil, err
	}

	overhead, err := Overhead(req)
	if err != nil {
		return nil, err
	}
	op, err := ToOperation(req, contextName, max(a.config.MaxResponseSize-overhead, 0))
	if err != nil {
		a.stats.malformed.Add(1)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	resp, err := a.processor.Process(ctx, op)
	if err != nil {
		return nil, err
	}
	out, err := ResponsePacket(req, resp)
	if err != nil {
		return nil, err
	}
	b, err := out.MarshalMsg()
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return b, nil
}

// GetStats returns agent statistics.
func (a *Agent) GetStats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := map[string]interface{}{
		"running":         a.running,
		"received_total":  a.stats.received.Load(),
		"responded_total": a.stats.responded.Load(),
		"dropped_total":   a.stats.dropped.Load(),
		"bad_community":   a.stats.badComm.Load(),
		"malformed_total": a.stats.malformed.Load(),
		"blocked_total":   a.stats.blocked.Load(),
	}
	if a.running {
		stats["queue_length"] = len(a.packets)
		stats["queue_cap"] = cap(a.packets)
		stats["local_addr"] = a.conn.LocalAddr().String()
	}
	return stats
}
