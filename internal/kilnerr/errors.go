// Package kilnerr classifies failures so callers can pick a recovery
// strategy: hibernate on network loss, abort on bad credentials, cool an
// issue down after agent failures, degrade on missing backend features.
package kilnerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind identifies a failure class.
type Kind string

const (
	KindNetworkFailure           Kind = "network_failure"
	KindAuthFailure              Kind = "auth_failure"
	KindAgentTimeoutTotal        Kind = "agent_timeout_total"
	KindAgentTimeoutInactivity   Kind = "agent_timeout_inactivity"
	KindAgentFailure             Kind = "agent_failure"
	KindPluginUnavailable        Kind = "plugin_unavailable"
	KindBackendCapabilityMissing Kind = "backend_capability_missing"
	KindInternalError            Kind = "internal_error"
)

// Error carries a failure class along with the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns the failure class of err.
// Errors without an explicit kind fall back to heuristics: net errors and
// context deadline expiry classify as network failure, everything else as
// internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkFailure
	}
	return KindInternalError
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

// IsRetryable reports whether the failure is transient enough that the
// daemon should retry the work on a later cycle rather than give up.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindAuthFailure, KindBackendCapabilityMissing:
		return false
	default:
		return true
	}
}
