package entity

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNotFound         = "ENTITY_NOT_FOUND"
	ErrCodeLeased           = "ENTITY_LEASED"
	ErrCodeInvalidCriterion = "ENTITY_INVALID_CRITERION"
	ErrCodeInvalidEntity    = "ENTITY_INVALID"
)

var (
	ErrNotFound = apperrors.New("entity not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrLeased = apperrors.New("entity leased by another holder", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLeased)
	ErrInvalidCriterion = apperrors.New("invalid criterion", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidCriterion)
	ErrInvalidEntity = apperrors.New("invalid entity", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidEntity)
)

// NotFound builds an ErrNotFound for id.
func NotFound(id string) error {
	return cloneError(ErrNotFound, fmt.Sprintf("entity %s not found", id), nil, map[string]any{
		"entity_id": id,
	})
}

// Leased builds an ErrLeased for id held by holder.
func Leased(id, holder string) error {
	return cloneError(ErrLeased, fmt.Sprintf("entity %s is leased by %s", id, holder), nil, map[string]any{
		"entity_id": id,
		"holder_id": holder,
	})
}

// InvalidCriterion builds an ErrInvalidCriterion.
func InvalidCriterion(c Criterion, reason string) error {
	return cloneError(ErrInvalidCriterion, fmt.Sprintf("invalid criterion %s: %s", c, reason), nil, map[string]any{
		"field":    c.Field,
		"operator": string(c.Operator),
	})
}

// InvalidEntity builds an ErrInvalidEntity wrapping source.
func InvalidEntity(reason string, source error) error {
	return cloneError(ErrInvalidEntity, reason, source, nil)
}

// ErrorCode returns the text code of an engine error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

func IsLeased(err error) bool { return ErrorCode(err) == ErrCodeLeased }

func IsInvalidCriterion(err error) bool { return ErrorCode(err) == ErrCodeInvalidCriterion }

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
