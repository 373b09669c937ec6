package retry

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeRetryable      = "ENTITY_STATE_RETRYABLE"
	ErrCodeUnrecoverable  = "ENTITY_STATE_UNRECOVERABLE"
	ErrCodeCallbackFailed = "ENTITY_CALLBACK_FAILED"
)

var (
	ErrRetryable = apperrors.New("entity state failure", apperrors.CategoryHandler).
			WithTextCode(ErrCodeRetryable)
	ErrUnrecoverable = apperrors.New("unrecoverable entity state failure", apperrors.CategoryHandler).
				WithTextCode(ErrCodeUnrecoverable)
)

// StateError is the failure of one stage for one entity. StateCount is the
// attempt count captured when the failure happened; it is the value compared
// against the retry limit.
type StateError struct {
	EntityID   string
	State      int
	StateCount int
	Stage      string
	Message    string
	// Fatal failures are never retried.
	Fatal bool
	// Exhausted is set when a retryable failure exceeded the retry limit.
	Exhausted bool
	Cause     error
}

func (e *StateError) Error() string {
	var sb strings.Builder
	if e.Fatal {
		sb.WriteString("unrecoverable failure")
	} else {
		sb.WriteString("failure")
	}
	fmt.Fprintf(&sb, " of entity %s in state %d (attempt %d)", e.EntityID, e.State, e.StateCount)
	if e.Stage != "" {
		fmt.Fprintf(&sb, " at stage %s", e.Stage)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (e *StateError) Unwrap() []error {
	out := []error{e.AppError()}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// AppError renders the failure as a go-errors error carrying the text code
// and entity metadata.
func (e *StateError) AppError() *apperrors.Error {
	base := ErrRetryable
	if e.Fatal {
		base = ErrUnrecoverable
	}
	err := base.Clone()
	if msg := strings.TrimSpace(e.Message); msg != "" {
		err.Message = msg
	}
	if e.Cause != nil {
		err.Source = e.Cause
	}
	return err.WithMetadata(map[string]any{
		"entity_id":   e.EntityID,
		"state":       e.State,
		"state_count": e.StateCount,
		"stage":       e.Stage,
	})
}

// AsStateError extracts a StateError from err.
func AsStateError(err error) (*StateError, bool) {
	var se *StateError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func IsRetryable(err error) bool {
	se, ok := AsStateError(err)
	return ok && !se.Fatal
}

func IsUnrecoverable(err error) bool {
	se, ok := AsStateError(err)
	return ok && se.Fatal
}

func callbackError(callback string, e *StateError, entityID, stage string, err error) error {
	metadata := map[string]any{
		"entity_id": entityID,
		"stage":     stage,
		"callback":  callback,
	}
	if e != nil {
		metadata["state_count"] = e.StateCount
	}
	return apperrors.Wrap(err, apperrors.CategoryHandler, fmt.Sprintf("%s callback failed for entity %s", callback, entityID)).
		WithTextCode(ErrCodeCallbackFailed).
		WithMetadata(metadata)
}
