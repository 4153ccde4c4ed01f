package shared

import (
	"errors"
	"strings"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrTimeout   = errors.New("request timed out")
	ErrDuplicate = errors.New("already exists")
)

// ErrorCategory is the user-facing classification of a request failure.
type ErrorCategory string

const (
	CategoryNotFound  ErrorCategory = "not_found"
	CategoryTimeout   ErrorCategory = "timeout"
	CategoryDuplicate ErrorCategory = "duplicate"
	CategoryGeneric   ErrorCategory = "generic"
)

// ClassifyError maps a request failure to a display category by inspecting
// the server's error text. The server reports database failures as free-form
// strings, so substring matching is the only signal available.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	if errors.Is(err, ErrTimeout) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrNotFound) {
		return CategoryNotFound
	}
	if errors.Is(err, ErrDuplicate) {
		return CategoryDuplicate
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return CategoryNotFound
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return CategoryTimeout
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "unique constraint"):
		return CategoryDuplicate
	default:
		return CategoryGeneric
	}
}
