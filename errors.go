package statemachine

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeManagerRunning   = "MANAGER_RUNNING"
	CodeInvalidProcessor = "PROCESSOR_INVALID"
	CodePanicRecovered   = "PANIC_RECOVERED"
)

var (
	// ErrManagerRunning is returned by Start when the loop is already active.
	ErrManagerRunning = apperrors.New("state machine manager already running", apperrors.CategoryConflict).
				WithTextCode(CodeManagerRunning)
	ErrInvalidProcessor = apperrors.New("invalid processor configuration", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidProcessor)
	// ErrPanic wraps a value recovered from a panicking handler or processor.
	ErrPanic = apperrors.New("recovered from panic", apperrors.CategoryHandler).
			WithTextCode(CodePanicRecovered)
)

// ErrorCode returns the text code of the first go-errors error in err's
// chain.
func ErrorCode(err error) string {
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		return appErr.TextCode
	}
	return ""
}

// IsPanic reports whether err was produced by a recovered panic.
func IsPanic(err error) bool {
	return ErrorCode(err) == CodePanicRecovered
}

func cloneError(base *apperrors.Error, message string, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	err.Source = base
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
