package model

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by adapters, the HTTP wrapper and the orchestrator.
// Callers wrap these with %w and inspect them with errors.Is.
var (
	// ErrAuth means the platform rejected the credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited means the platform answered 429 after all retries.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientNetwork means the connection was reset after all retries.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrTransform means an item had an unrecognized or malformed shape.
	ErrTransform = errors.New("transform failed")
	// ErrApply means the platform (or internal store) rejected the write.
	ErrApply = errors.New("apply failed")
	// ErrConfiguration means required per-platform config is missing.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned by the control service for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an active integration already exists for
	// the same workspace and platform.
	ErrConflict = errors.New("conflict")
)

// TransformErrorf returns an error wrapping ErrTransform.
func TransformErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransform, fmt.Sprintf(format, args...))
}

// ApplyErrorf returns an error wrapping ErrApply.
func ApplyErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrApply, fmt.Sprintf(format, args...))
}

// ConfigErrorf returns an error wrapping ErrConfiguration.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// UnsupportedType is the transform error for an item type an adapter does not
// handle.
func UnsupportedType(p Platform, t EntityType) error {
	return TransformErrorf("%s does not handle entity type %q", p, t)
}

// ErrorCode maps err onto the stable code stored in sync log rows.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.Is(err, ErrAuth):
		return "AUTH_ERROR"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT"
	case errors.Is(err, ErrTransientNetwork):
		return "NETWORK_ERROR"
	case errors.Is(err, ErrTransform):
		return "TRANSFORM_ERROR"
	case errors.Is(err, ErrApply):
		return "APPLY_ERROR"
	case errors.Is(err, ErrConfiguration):
		return "CONFIGURATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
