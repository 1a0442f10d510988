package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a call failure for retry and alerting decisions.
type Kind int

const (
	// KindTransient failures (network faults, timeouts, 5xx, 429) are
	// safe to retry.
	KindTransient Kind = iota
	// KindPermanent failures (auth errors, malformed requests, other
	// 4xx) will not succeed on retry.
	KindPermanent
	// KindCircuitOpen means the call was rejected locally without
	// touching the network.
	KindCircuitOpen
	// KindProcessingFailed means the destination accepted the record
	// but reported that processing failed.
	KindProcessingFailed
	// KindPollExhausted means polling gave up before the destination
	// confirmed or denied processing. The outcome is unknown.
	KindPollExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCircuitOpen:
		return "circuit_open"
	case KindProcessingFailed:
		return "processing_failed"
	case KindPollExhausted:
		return "poll_exhausted"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by API calls.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
