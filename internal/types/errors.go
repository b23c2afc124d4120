package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes, used both for control decisions (fallback vs. abort) and
// for the error_type reported in execution logs.
var (
	// ErrResolution: no scenario, metadata or credentials could be resolved.
	// Fatal for the run; only the whole-run retry wrapper applies.
	ErrResolution = errors.New("resolution error")
	// ErrInterpretation: the model returned unparseable or blocked output.
	ErrInterpretation = errors.New("interpretation error")
	// ErrActionTransient: selector not visible or the operation timed out.
	// Triggers the in-process fallback chains before becoming terminal.
	ErrActionTransient = errors.New("transient action error")
	// ErrActionFatal: any other action failure. No fallback.
	ErrActionFatal = errors.New("fatal action error")
	// ErrPersistence: a store write failed. Logged, never aborts the run.
	ErrPersistence = errors.New("persistence error")
)

// Transient wraps err as a transient action error.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrActionTransient, err)
}

// Fatal wraps err as a fatal action error.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrActionFatal, err)
}

// IsTransient reports whether err belongs to the visibility/timeout class
// that is allowed to escalate through the click fallback tiers. Anything
// else aborts immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrActionTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not visible") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "could not find node")
}

// ErrorClass returns the short class name recorded in execution logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrInterpretation):
		return "interpretation"
	case errors.Is(err, ErrActionTransient):
		return "transient"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "fatal"
	}
}
