package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/google/uuid"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// Directory resolves identifiers to handlers.
type Directory interface {
	Lookup(context []byte, point oid.OID) (mo.Handler, bool)
	LookupNext(context []byte, scope oid.Scope) (oid.OID, mo.Handler, bool)
}

// SizeEstimator returns the encoded size in bytes a variable binding adds to
// a response.
type SizeEstimator func(vb types.VarBind) int

// Observer is told about every processed request.
type Observer interface {
	RequestProcessed(pdu types.PDUType, status types.ErrorStatus, subRequests int, duration time.Duration)
	UndoPerformed(failed bool)
}

// EngineConfig holds the request processing settings.
type EngineConfig struct {
	Workers        int `json:"workers"`
	QueueSize      int `json:"queue_size"`
	MaxRepetitions int `json:"max_repetitions"`
	// MaxPhasePasses bounds how often a phase revisits sub-requests a
	// handler left incomplete. RowStatus columns settle on the second
	// PREPARE pass, so it is never below 2.
	MaxPhasePasses int `json:"max_phase_passes"`
	// LockTimeout bounds the wait for a handler locked by another SET.
	LockTimeout time.Duration `json:"lock_timeout"`
}

const minPhasePasses = 2

// DefaultEngineConfig returns the default engine settings.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Workers:        4,
		QueueSize:      1000,
		MaxRepetitions: 100,
		MaxPhasePasses: 8,
		LockTimeout:    mo.DefaultLockTimeout,
	}
}

func loadEngineConfig(cfg config.Provider) *EngineConfig {
	c := DefaultEngineConfig()
	if v, err := cfg.GetInt("engine.workers", c.Workers); err == nil && v > 0 {
		c.Workers = v
	}
	if v, err := cfg.GetInt("engine.queue_size", c.QueueSize); err == nil && v > 0 {
		c.QueueSize = v
	}
	if v, err := cfg.GetInt("engine.max_repetitions", c.MaxRepetitions); err == nil && v >= 0 {
		c.MaxRepetitions = v
	}
	if v, err := cfg.GetInt("engine.max_phase_passes", c.MaxPhasePasses); err == nil && v > 0 {
		c.MaxPhasePasses = max(v, minPhasePasses)
	}
	if d, err := cfg.GetDuration("engine.lock_timeout", c.LockTimeout); err == nil && d > 0 {
		c.LockTimeout = d
	}
	return c
}

// Result is the outcome of an operation submitted to the worker pool.
type Result struct {
	Response *types.Response
	Err      error
}

type job struct {
	ctx      context.Context
	op       *types.Operation
	callback func(Result)
}

// Processor executes operations against a directory on a pool of workers.
// Sub-requests of one operation are always handled sequentially by the
// worker owning it.
type Processor struct {
	dir      Directory
	logger   logging.Logger
	estimate SizeEstimator
	observer Observer

	mu     sync.RWMutex
	config *EngineConfig

	jobs    chan job
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex

	stats processorStats
}

type processorStats struct {
	requests  atomic.Int64
	errors    atomic.Int64
	undos     atomic.Int64
	rejected  atomic.Int64
	truncated atomic.Int64
}

// NewProcessor creates a processor over dir.
func NewProcessor(cfg config.Provider, dir Directory, logger logging.Logger) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}

	return &Processor{
		dir:      dir,
		logger:   logger.With("component", "engine"),
		estimate: func(vb types.VarBind) int { return vb.EncodedLen() },
		config:   loadEngineConfig(cfg),
	}, nil
}

// SetSizeEstimator replaces the default BER size estimate.
func (p *Processor) SetSizeEstimator(e SizeEstimator) {
	p.estimate = e
}

// SetObserver sets the observer notified of processed requests.
func (p *Processor) SetObserver(o Observer) {
	p.observer = o
}

func (p *Processor) cfg() *EngineConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Start launches the worker pool.
func (p *Processor) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return fmt.Errorf("processor is already running")
	}

	c := p.cfg()
	p.jobs = make(chan job, c.QueueSize)
	for i := 0; i < c.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.running = true

	p.logger.Info("Request processor started", "workers", c.Workers, "queue_size", c.QueueSize)
	return nil
}

// Stop drains the queue and waits for the workers to return.
func (p *Processor) Stop() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	close(p.jobs)
	p.wg.Wait()

	p.logger.Info("Request processor stopped")
	return nil
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.callback(Result{Err: err})
			continue
		}
		resp, err := p.Execute(j.op)
		j.callback(Result{Response: resp, Err: err})
	}
}

// Submit queues op; callback is invoked from a worker with the result. It
// fails when the processor is not running or the queue is full.
func (p *Processor) Submit(ctx context.Context, op *types.Operation, callback func(Result)) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		return fmt.Errorf("processor is not running")
	}
	select {
	case p.jobs <- job{ctx: ctx, op: op, callback: callback}:
		return nil
	default:
		p.stats.rejected.Add(1)
		return fmt.Errorf("request queue is full")
	}
}

// Process runs op on the worker pool and waits for its response.
func (p *Processor) Process(ctx context.Context, op *types.Operation) (*types.Response, error) {
	done := make(chan Result, 1)
	if err := p.Submit(ctx, op, func(r Result) { done <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.Response, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute runs op to completion in the calling goroutine.
func (p *Processor) Execute(op *types.Operation) (*types.Response, error) {
	start := time.Now()
	c := p.cfg()

	r, err := NewRequest(uuid.NewString(), op, c.MaxRepetitions)
	if err != nil {
		return nil, err
	}
	r.info.LockTimeout = c.LockTimeout

	logger := p.logger.With("request", r.ID())
	logger.Debug("Processing request",
		"pdu_type", op.PDUType.String(),
		"version", op.Version.String(),
		"context", string(op.Context),
		"varbinds", len(op.VarBinds))

	for {
		p.runPhase(r, c, logger)
		if r.phase == mo.PhaseCleanup {
			break
		}
		if err := r.NextPhase(); err != nil {
			return nil, err
		}
	}
	if err := r.NextPhase(); err != nil {
		return nil, err
	}

	resp := p.respond(r)
	p.record(r, resp, time.Since(start))
	if resp.ErrorStatus.IsError() {
		logger.Debug("Request failed",
			"error_status", resp.ErrorStatus.String(),
			"error_index", resp.ErrorIndex)
	}
	return resp, nil
}

func (p *Processor) runPhase(r *Request, c *EngineConfig, logger logging.Logger) {
	switch r.phase {
	case mo.PhasePrepare:
		switch r.op.PDUType {
		case types.PDUTypeGetRequest:
			p.drive(r, r.subs, c, p.get)
		case types.PDUTypeGetNextRequest:
			p.drive(r, r.subs, c, p.next)
		case types.PDUTypeGetBulkRequest:
			p.bulk(r, c)
		case types.PDUTypeSetRequest:
			p.drive(r, r.subs, c, p.prepare)
		}
		p.expire(r, types.ErrorStatusGenErr)
	case mo.PhaseCommit:
		p.drive(r, r.subs, c, func(s *SubRequest) {
			s.handler.Commit(s)
			if s.status.Complete && !s.status.ErrorStatus.IsError() {
				s.status.Processed = true
				r.committed = append(r.committed, s)
			}
		})
		p.expire(r, types.ErrorStatusCommitFailed)
	case mo.PhaseUndo:
		p.drive(r, r.phaseSubRequests(), c, func(s *SubRequest) { s.handler.Undo(s) })
		p.expire(r, types.ErrorStatusUndoFailed)
		failed := r.errorStatus == types.ErrorStatusUndoFailed
		if failed {
			logger.Warn("Undo incomplete, managed objects may have diverged", "committed", len(r.committed))
		}
		p.stats.undos.Add(1)
		if p.observer != nil {
			p.observer.UndoPerformed(failed)
		}
	case mo.PhaseCleanup:
		p.drive(r, r.phaseSubRequests(), c, func(s *SubRequest) { s.handler.Cleanup(s) })
		for _, s := range r.phaseSubRequests() {
			if !s.status.Complete {
				logger.Warn("Handler did not complete cleanup", "oid", s.vb.OID.String())
			}
		}
	}
}

// drive hands every incomplete sub-request of subs to fn, pass after pass,
// until the phase is complete or the pass limit is reached.
func (p *Processor) drive(r *Request, subs []*SubRequest, c *EngineConfig, fn func(*SubRequest)) {
	stopOnError := r.phase != mo.PhaseUndo && r.phase != mo.PhaseCleanup
	for pass := 0; pass < c.MaxPhasePasses; pass++ {
		pending := false
		for _, s := range subs {
			if stopOnError && r.errorStatus.IsError() {
				return
			}
			if s.status.Complete {
				continue
			}
			fn(s)
			if !s.status.Complete {
				pending = true
			}
		}
		if !pending {
			return
		}
	}
}

// expire fails the sub-requests a handler never completed in this phase.
func (p *Processor) expire(r *Request, status types.ErrorStatus) {
	if r.IsPhaseComplete() {
		return
	}
	for _, s := range r.phaseSubRequests() {
		if !s.status.Complete {
			p.logger.Debug("Sub-request did not complete", "request", r.ID(), "phase", r.phase.String(), "oid", s.vb.OID.String())
			s.SetErrorStatus(status)
		}
	}
}

func (p *Processor) get(s *SubRequest) {
	if s.handler == nil {
		h, ok := p.dir.Lookup(s.req.op.Context, s.vb.OID)
		if !ok {
			s.vb.Variable = types.NoSuchObject
			s.Complete()
			return
		}
		s.handler = h
	}
	s.handler.Get(s)
}

// next resolves the successor of a GETNEXT or GETBULK sub-request across
// handler boundaries. A handler that finds nothing inside the sub-request's
// scope is skipped by moving the scope past its registration.
func (p *Processor) next(s *SubRequest) {
	for {
		if s.handler == nil {
			_, h, ok := p.dir.LookupNext(s.req.op.Context, s.scope)
			if !ok {
				s.vb = types.VarBind{OID: s.requested.Clone(), Variable: types.EndOfMibView}
				s.Complete()
				return
			}
			s.handler = h
		}

		if !s.handler.Next(s) {
			hs := s.handler.Scope()
			s.handler = nil
			if !hs.IsUnbounded() {
				s.scope = s.scope.Intersect(oid.Scope{Lower: hs.Upper, LowerIncluded: !hs.UpperIncluded})
			}
			if hs.IsUnbounded() || s.scope.IsEmpty() {
				s.vb = types.VarBind{OID: s.requested.Clone(), Variable: types.EndOfMibView}
				s.Complete()
				return
			}
			continue
		}
		if !s.status.Complete {
			return
		}
		// SNMPv1 cannot carry Counter64; such instances are walked over.
		if s.req.op.Version == types.VersionSNMPv1 && s.vb.Variable.Syntax == types.SyntaxCounter64 {
			s.scope = s.scope.Intersect(oid.After(s.vb.OID))
			s.handler = nil
			s.status.Complete = false
			continue
		}
		return
	}
}

func (p *Processor) prepare(s *SubRequest) {
	if s.handler == nil {
		h, ok := p.dir.Lookup(s.req.op.Context, s.vb.OID)
		if !ok {
			s.SetErrorStatus(types.ErrorStatusNotWritable)
			return
		}
		s.handler = h
	}
	s.handler.Prepare(s)
}

// bulk resolves the non-repeaters and the first repetition row, then grows
// one row at a time. Growth ends at max-repetitions, when the byte budget is
// exhausted or when a whole row reports end of view; such a trailing row is
// dropped unless it is the only one.
func (p *Processor) bulk(r *Request, c *EngineConfig) {
	p.drive(r, r.subs, c, p.next)
	for {
		if !r.IsPhaseComplete() || r.errorStatus.IsError() {
			return
		}
		if !p.fitBudget(r) {
			p.stats.truncated.Add(1)
			return
		}
		last := r.lastRow()
		if len(last) == 0 {
			return
		}
		if endOfView(last) {
			if r.rows > 1 {
				r.truncate(len(r.subs) - r.repeaters)
			}
			return
		}
		row := r.addRow()
		if row == nil {
			return
		}
		p.drive(r, row, c, p.next)
	}
}

func endOfView(row []*SubRequest) bool {
	for _, s := range row {
		if s.vb.Variable.Syntax != types.SyntaxEndOfMibView {
			return false
		}
	}
	return true
}

// fitBudget sizes the sub-requests not sized yet and truncates the request
// at the first one overflowing the response budget.
func (p *Processor) fitBudget(r *Request) bool {
	budget := r.op.MaxResponseSize
	if budget <= 0 {
		return true
	}
	for ; r.sized < len(r.subs); r.sized++ {
		size := p.estimate(r.subs[r.sized].vb)
		if r.size+size > budget {
			r.truncate(r.sized)
			return false
		}
		r.size += size
	}
	return true
}

// respond assembles the response. Errors echo the request bindings; SNMPv1
// responses use the v1 error vocabulary and report exception values as
// noSuchName. A response over budget other than GETBULK becomes tooBig.
func (p *Processor) respond(r *Request) *types.Response {
	resp := &types.Response{RequestID: r.op.RequestID}

	if r.errorStatus.IsError() {
		resp.ErrorStatus = r.errorStatus
		resp.ErrorIndex = r.errorIndex
		resp.VarBinds = cloneVarBinds(r.op.VarBinds)
	} else {
		resp.VarBinds = make([]types.VarBind, len(r.subs))
		for i, s := range r.subs {
			resp.VarBinds[i] = s.vb
		}
		if r.op.Version == types.VersionSNMPv1 {
			for i, vb := range resp.VarBinds {
				if vb.Variable.IsException() {
					resp.ErrorStatus = types.ErrorStatusNoSuchName
					resp.ErrorIndex = r.requestPosition(i) + 1
					resp.VarBinds = cloneVarBinds(r.op.VarBinds)
					break
				}
			}
		}
	}

	if r.op.Version == types.VersionSNMPv1 {
		resp.ErrorStatus = resp.ErrorStatus.ToV1()
	}

	if r.op.PDUType != types.PDUTypeGetBulkRequest && r.op.MaxResponseSize > 0 {
		size := 0
		for _, vb := range resp.VarBinds {
			size += p.estimate(vb)
		}
		if size > r.op.MaxResponseSize {
			return &types.Response{RequestID: r.op.RequestID, ErrorStatus: types.ErrorStatusTooBig}
		}
	}
	return resp
}

func cloneVarBinds(vbs []types.VarBind) []types.VarBind {
	out := make([]types.VarBind, len(vbs))
	for i, vb := range vbs {
		out[i] = types.VarBind{OID: vb.OID.Clone(), Variable: vb.Variable}
	}
	return out
}

func (p *Processor) record(r *Request, resp *types.Response, d time.Duration) {
	p.stats.requests.Add(1)
	if resp.ErrorStatus.IsError() {
		p.stats.errors.Add(1)
	}

	if p.observer != nil {
		p.observer.RequestProcessed(r.op.PDUType, resp.ErrorStatus, len(r.subs), d)
	}
}

// Reload applies engine settings from cfg. Worker and queue sizes take
// effect on the next Start.
func (p *Processor) Reload(cfg config.Provider) error {
	if cfg == nil {
		return fmt.Errorf("configuration provider cannot be nil")
	}
	c := loadEngineConfig(cfg)

	p.mu.Lock()
	p.config = c
	p.mu.Unlock()

	p.logger.Info("Engine configuration reloaded",
		"max_repetitions", c.MaxRepetitions,
		"max_phase_passes", c.MaxPhasePasses,
		"lock_timeout", c.LockTimeout)
	return nil
}

// GetStats returns processing counters.
func (p *Processor) GetStats() map[string]interface{} {
	p.runMu.Lock()
	running := p.running
	p.runMu.Unlock()

	return map[string]interface{}{
		"running":        running,
		"requests_total": p.stats.requests.Load(),
		"errors_total":   p.stats.errors.Load(),
		"undos_total":    p.stats.undos.Load(),
		"rejected_total": p.stats.rejected.Load(),
		"bulk_truncated": p.stats.truncated.Load(),
	}
}
