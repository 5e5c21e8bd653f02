package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for forwarding.
var (
	// ErrPathMismatch indicates a request path outside the route's base path.
	// It is the only forwarding error surfaced to the host.
	ErrPathMismatch = errors.New("unexpected path detected")

	// ErrUpstreamTimeout indicates that the upstream showed no activity within
	// the agent timeout.
	ErrUpstreamTimeout = errors.New("upstream inactivity timeout")
)

// Kind classifies an upstream failure.
type Kind int

const (
	// KindConnect covers DNS, connect, reset and other transport failures
	// before a response arrived.
	KindConnect Kind = iota
	// KindTimeout means no response arrived within the inactivity timeout.
	KindTimeout
	// KindBody means the response arrived but its body could not be read.
	KindBody
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindBody:
		return "body"
	default:
		return "unknown"
	}
}

// UpstreamError describes a failed forwarding attempt.
type UpstreamError struct {
	Kind Kind
	// Status is the upstream status code, known only for KindBody.
	Status int
	Cause  error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Kind == KindBody {
		return fmt.Sprintf("upstream %s error (status %d): %v", e.Kind, e.Status, e.Cause)
	}
	return fmt.Sprintf("upstream %s error: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}
