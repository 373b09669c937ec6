// Package backoff provides wait strategies: how long to wait before retrying an
// entity, or before polling again when a manager found nothing to do.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// WaitStrategy returns the delay to observe before the next attempt.
// Implementations must never panic.
type WaitStrategy interface {
	NextDelay() time.Duration
}

// FailureObserver is implemented by stateful strategies that can be primed with
// the number of failures already observed, so a fresh strategy reproduces the
// delay an entity has earned through its retry count.
type FailureObserver interface {
	Failures(n int)
}

// Resetter is implemented by strategies that reset after a successful attempt.
type Resetter interface {
	Success()
}

// Supplier creates a new WaitStrategy. Stateful strategies must not be shared
// between entities, so retry configuration holds a supplier rather than an instance.
type Supplier func() WaitStrategy

// Prime reports n observed failures to s when it keeps failure state.
func Prime(s WaitStrategy, n int) WaitStrategy {
	if obs, ok := s.(FailureObserver); ok {
		obs.Failures(n)
	}
	return s
}

// Fixed always waits the same interval.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

func (f *Fixed) NextDelay() time.Duration {
	if f == nil || f.Interval < 0 {
		return 0
	}
	return f.Interval
}

// Linear grows the delay by Initial per attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	attempt int
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt++
	d := l.Initial * time.Duration(l.attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

func (l *Linear) Failures(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt = max(n-1, 0)
}

func (l *Linear) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt = 0
}

// Exponential multiplies the delay by Factor on every attempt, capped at Max.
// The first delay is Base.
//
//	&Exponential{Base: 100 * time.Millisecond, Factor: 2, Max: 5 * time.Second}
//	// 100ms, 200ms, 400ms, ... 5s
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration

	mu      sync.Mutex
	attempt int
}

// NewExponential creates a doubling strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Factor: 2, Max: maxDelay}
}

func (e *Exponential) NextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	factor := e.Factor
	if factor < 1 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(e.attempt))
	e.attempt++
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (e *Exponential) Failures(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = max(n-1, 0)
}

func (e *Exponential) Success() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

// Jitter applies full jitter to another strategy: a random delay in [0, d).
type Jitter struct {
	Strategy WaitStrategy
}

// NewJitter wraps s with full jitter.
func NewJitter(s WaitStrategy) *Jitter {
	return &Jitter{Strategy: s}
}

func (j *Jitter) NextDelay() time.Duration {
	if j == nil || j.Strategy == nil {
		return 0
	}
	d := j.Strategy.NextDelay()
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter does not need crypto rand
}

func (j *Jitter) Failures(n int) {
	if j != nil {
		Prime(j.Strategy, n)
	}
}

func (j *Jitter) Success() {
	if j == nil {
		return
	}
	if r, ok := j.Strategy.(Resetter); ok {
		r.Success()
	}
}

// FixedSupplier returns a supplier of fixed strategies.
func FixedSupplier(interval time.Duration) Supplier {
	return func() WaitStrategy { return NewFixed(interval) }
}

// LinearSupplier returns a supplier of linear strategies.
func LinearSupplier(initial, maxDelay time.Duration) Supplier {
	return func() WaitStrategy { return NewLinear(initial, maxDelay) }
}

// ExponentialSupplier returns a supplier of doubling strategies.
func ExponentialSupplier(base, maxDelay time.Duration) Supplier {
	return func() WaitStrategy { return NewExponential(base, maxDelay) }
}

// WithJitter wraps every strategy produced by s with full jitter.
func WithJitter(s Supplier) Supplier {
	return func() WaitStrategy {
		if s == nil {
			return NewFixed(0)
		}
		return NewJitter(s())
	}
}
