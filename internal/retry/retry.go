// Package retry runs fallible operations with exponential backoff behind a
// circuit breaker. The persistence layer uses it for database writes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
)

// ErrCircuitOpen is returned without attempting the operation while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig holds the backoff settings.
type RetryConfig struct {
	MaxAttempts          int                  `json:"max_attempts"`
	InitialDelay         time.Duration        `json:"initial_delay"`
	MaxDelay             time.Duration        `json:"max_delay"`
	BackoffMultiplier    float64              `json:"backoff_multiplier"`
	Jitter               bool                 `json:"jitter"`
	JitterRange          float64              `json:"jitter_range"`
	EnableCircuitBreaker bool                 `json:"enable_circuit_breaker"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
}

// CircuitBreakerConfig holds the breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:          3,
		InitialDelay:         200 * time.Millisecond,
		MaxDelay:             5 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		JitterRange:          0.1,
		EnableCircuitBreaker: true,
		CircuitBreakerConfig: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
}

// LoadConfig reads the retry.* keys over the defaults.
func LoadConfig(cfg config.Provider) *RetryConfig {
	c := DefaultRetryConfig()
	if v, err := cfg.GetInt("retry.max_attempts", c.MaxAttempts); err == nil && v > 0 {
		c.MaxAttempts = v
	}
	if v, err := cfg.GetDuration("retry.initial_delay", c.InitialDelay); err == nil {
		c.InitialDelay = v
	}
	if v, err := cfg.GetDuration("retry.max_delay", c.MaxDelay); err == nil {
		c.MaxDelay = v
	}
	if v, err := cfg.GetFloat("retry.backoff_multiplier", c.BackoffMultiplier); err == nil && v >= 1 {
		c.BackoffMultiplier = v
	}
	if v, err := cfg.GetBool("retry.jitter", c.Jitter); err == nil {
		c.Jitter = v
	}
	if v, err := cfg.GetBool("retry.enable_circuit_breaker", c.EnableCircuitBreaker); err == nil {
		c.EnableCircuitBreaker = v
	}
	if v, err := cfg.GetInt("retry.circuit_breaker.failure_threshold", c.CircuitBreakerConfig.FailureThreshold); err == nil && v > 0 {
		c.CircuitBreakerConfig.FailureThreshold = v
	}
	if v, err := cfg.GetDuration("retry.circuit_breaker.timeout", c.CircuitBreakerConfig.Timeout); err == nil {
		c.CircuitBreakerConfig.Timeout = v
	}
	return c
}

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after FailureThreshold consecutive failures and lets
// a probe through once Timeout has elapsed.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: cfg, now: time.Now}
}

// Allow reports whether an attempt may run, moving an expired open breaker
// to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return cb.state != CircuitOpen
}

// RecordSuccess notes a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure notes a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryableFunc is one attempt of an operation; attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryResult describes how an operation ended.
type RetryResult struct {
	Attempts  int           `json:"attempts"`
	TotalTime time.Duration `json:"total_time"`
	Err       error         `json:"error,omitempty"`
}

// Retryer runs operations with backoff. It is safe for concurrent use.
type Retryer struct {
	config  *RetryConfig
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	succeeded int64
	failed    int64
	attempts  int64
	rejected  int64
}

// NewRetryer creates a retryer from the retry.* configuration.
func NewRetryer(cfg config.Provider) (*Retryer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	return New(LoadConfig(cfg)), nil
}

// New creates a retryer from explicit settings.
func New(c *RetryConfig) *Retryer {
	r := &Retryer{config: c, sleep: sleepContext}
	if c.EnableCircuitBreaker {
		r.breaker = NewCircuitBreaker(c.CircuitBreakerConfig)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, the attempts are exhausted or ctx ends.
func (r *Retryer) Do(ctx context.Context, fn RetryableFunc) *RetryResult {
	start := time.Now()
	result := &RetryResult{}

	if r.breaker != nil && !r.breaker.Allow() {
		r.mu.Lock()
		r.rejected++
		r.mu.Unlock()
		result.Err = ErrCircuitOpen
		return result
	}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}
		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result.Err = nil
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			break
		}
		result.Err = err
		if r.breaker != nil {
			r.breaker.RecordFailure()
			if r.breaker.State() == CircuitOpen {
				break
			}
		}
		if attempt == r.config.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.delay(attempt)); err != nil {
			result.Err = err
			break
		}
	}

	result.TotalTime = time.Since(start)
	r.mu.Lock()
	r.attempts += int64(result.Attempts)
	if result.Err == nil {
		r.succeeded++
	} else {
		r.failed++
	}
	r.mu.Unlock()
	return result
}

// delay returns the backoff before the attempt following attempt.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += (rand.Float64()*2 - 1) * d * r.config.JitterRange
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// GetStats returns retry counters.
func (r *Retryer) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := "disabled"
	if r.breaker != nil {
		state = r.breaker.State().String()
	}
	return map[string]interface{}{
		"succeeded":     r.succeeded,
		"failed":        r.failed,
		"attempts":      r.attempts,
		"rejected":      r.rejected,
		"circuit_state": state,
	}
}
