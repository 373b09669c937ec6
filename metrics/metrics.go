// Package metrics records engine activity. The engine only talks to
// Recorder; Prometheus is one implementation.
package metrics

import "time"

// Outcome labels used with RecordOutcome.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetry        = "retry"
	OutcomeFinalFailure = "final_failure"
	OutcomeBackoff      = "backoff"
)

// Recorder receives counters and timings from managers, processors and
// retry processors.
type Recorder interface {
	RecordTick(manager string, processed int, duration time.Duration)
	RecordTickError(manager string)
	RecordClaimed(processor string, n int)
	RecordProcessed(processor string, n int)
	RecordNotProcessed(processor string)
	RecordOutcome(stage, outcome string)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordTick(string, int, time.Duration) {}
func (Noop) RecordTickError(string)                {}
func (Noop) RecordClaimed(string, int)             {}
func (Noop) RecordProcessed(string, int)           {}
func (Noop) RecordNotProcessed(string)             {}
func (Noop) RecordOutcome(string, string)          {}

// Normalize returns r, or Noop when r is nil.
func Normalize(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
