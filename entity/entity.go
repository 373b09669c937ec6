// Package entity defines the persisted shape the state machine engine works on:
// a stateful entity, the criteria used to select entities, and the store contract
// with its lease primitives.
package entity

import (
	"strings"
	"time"
)

// Well-known field names, usable in criteria against any store.
const (
	FieldID             = "id"
	FieldState          = "state"
	FieldStateCount     = "stateCount"
	FieldStateTimestamp = "stateTimestamp"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
)

// Base holds the fields the engine reads. Domain entities embed it.
//
//	type Transfer struct {
//	    entity.Base
//	    Destination string `json:"destination"`
//	}
type Base struct {
	ID             string `json:"id"`
	State          int    `json:"state"`
	StateCount     int    `json:"stateCount"`
	StateTimestamp int64  `json:"stateTimestamp"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	ErrorDetail    string `json:"errorDetail,omitempty"`
}

// Stateful is implemented by every entity the engine can drive.
type Stateful interface {
	Entity() Base
}

// Entity returns a copy of the base fields.
func (b Base) Entity() Base { return b }

// New returns a Base in the given state, stamped with now.
func New(id string, state int, now time.Time) Base {
	ms := now.UnixMilli()
	return Base{
		ID:             strings.TrimSpace(id),
		State:          state,
		StateTimestamp: ms,
		CreatedAt:      ms,
		UpdatedAt:      ms,
	}
}

// TransitionTo moves the entity to state. Moving to a different state resets
// StateCount; staying in the same state counts one more attempt.
func (b *Base) TransitionTo(state int, now time.Time) {
	if b.State == state {
		b.StateCount++
	} else {
		b.StateCount = 0
	}
	b.State = state
	b.StateTimestamp = now.UnixMilli()
	b.UpdatedAt = b.StateTimestamp
}

// ResetAttempts clears the retry counter after progress in the same state
// and refreshes UpdatedAt. State and StateTimestamp are kept.
func (b *Base) ResetAttempts(now time.Time) {
	b.StateCount = 0
	b.UpdatedAt = now.UnixMilli()
}

// Touch refreshes UpdatedAt without affecting the state bookkeeping.
func (b *Base) Touch(now time.Time) {
	b.UpdatedAt = now.UnixMilli()
}

// SetErrorDetail records a failure description for status surfaces.
func (b *Base) SetErrorDetail(detail string) {
	b.ErrorDetail = strings.TrimSpace(detail)
}

// ClearErrorDetail drops any previous failure description.
func (b *Base) ClearErrorDetail() {
	b.ErrorDetail = ""
}

// Elapsed returns how long the entity has been in its current state attempt.
func (b Base) Elapsed(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-b.StateTimestamp) * time.Millisecond
}
