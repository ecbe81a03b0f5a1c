package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when the protected call exceeds its deadline
	ErrTimeout = errors.New("operation timed out")
)

// Per-service failure isolation state machine
type Breaker struct {
	mu      sync.Mutex
	service string
	state   State

	failureCount    int
	lastFailureTime time.Time
	nextRetryTime   time.Time

	// Cumulative stats, never reset by state transitions
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	lastSuccessTime time.Time

	threshold    int
	resetTimeout time.Duration
	callTimeout  time.Duration

	now func() time.Time
}

type Config struct {
	FailureThreshold int           // Default: 5
	ResetTimeout     time.Duration // Default: 300 seconds
	CallTimeout      time.Duration // Default: 30 seconds
}

func New(service string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 300 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Breaker{
		service:      service,
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		callTimeout:  cfg.CallTimeout,
		now:          time.Now,
	}
}

// Returns the current state. Reading the state of an open breaker whose
// retry time has passed flips it to half-open as a side effect, so exactly
// the next call is allowed through.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && !b.now().Before(b.nextRetryTime) {
		b.state = StateHalfOpen
	}
	return b.state
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalSuccesses++
	b.lastSuccessTime = b.now()

	if b.stateLocked() == StateHalfOpen {
		b.state = StateClosed
		b.failureCount = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.stateLocked() {
	case StateHalfOpen:
		// The trial call failed, re-arm the open window
		b.state = StateOpen
		b.nextRetryTime = b.now().Add(b.resetTimeout)
	case StateClosed:
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.nextRetryTime = b.now().Add(b.resetTimeout)
		}
	}
}

// Runs fn with circuit breaker protection. Fails fast with ErrCircuitOpen
// while the circuit is open; otherwise races fn against the call timeout
// and records the outcome before re-raising fn's error to the caller.
// A timeout counts as a downstream failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.ExecuteTimeout(ctx, b.callTimeout, fn)
}

func (b *Breaker) ExecuteTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}

	if timeout <= 0 {
		timeout = b.callTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.RecordFailure()
			return err
		}
		b.RecordSuccess()
		return nil
	case <-callCtx.Done():
		b.RecordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return callCtx.Err()
	}
}

// Forces the breaker back to closed with zero failures
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.nextRetryTime = time.Time{}
}

// Point-in-time view of the breaker
type Snapshot struct {
	Service         string    `json:"service"`
	State           string    `json:"state"`
	IsOpen          bool      `json:"is_open"`
	FailureCount    int       `json:"failure_count"`
	TotalRequests   int64     `json:"total_requests"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	SuccessRate     float64   `json:"success_rate"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
	NextRetryTime   time.Time `json:"next_retry_time,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()

	rate := 1.0
	if b.totalRequests > 0 {
		rate = float64(b.totalSuccesses) / float64(b.totalRequests)
	}

	return Snapshot{
		Service:         b.service,
		State:           state.String(),
		IsOpen:          state == StateOpen,
		FailureCount:    b.failureCount,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		SuccessRate:     rate,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		NextRetryTime:   b.nextRetryTime,
	}
}
