package retry

import (
	"time"

	"github.com/goliatone/go-statemachine/backoff"
)

const (
	DefaultRetryLimit = 7
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// Configuration is the retry policy shared by every entity of a workflow.
// It is created once and never mutated.
type Configuration struct {
	RetryLimit   int
	WaitStrategy backoff.Supplier
}

// DefaultConfiguration allows 7 retries with exponential backoff from 1s.
func DefaultConfiguration() Configuration {
	return Configuration{
		RetryLimit:   DefaultRetryLimit,
		WaitStrategy: backoff.ExponentialSupplier(DefaultBaseDelay, DefaultMaxDelay),
	}
}

func NewConfiguration(limit int, supplier backoff.Supplier) Configuration {
	return Configuration{RetryLimit: limit, WaitStrategy: supplier}.normalized()
}

func (c Configuration) normalized() Configuration {
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.WaitStrategy == nil {
		c.WaitStrategy = DefaultConfiguration().WaitStrategy
	}
	return c
}

// DelayFor returns the wait required before attempt stateCount+1.
func (c Configuration) DelayFor(stateCount int) time.Duration {
	if stateCount <= 0 {
		return 0
	}
	return backoff.Prime(c.normalized().WaitStrategy(), stateCount).NextDelay()
}
