package relayd

import "fmt"

// Kind enumerates the error taxonomy of spec.md §7. These are kinds, not
// distinct Go types, so callers can switch on Kind after an errors.As.
type Kind string

const (
	ConfigInvalid          Kind = "CONFIG_INVALID"
	BindFailed             Kind = "BIND_FAILED"
	UpstreamUnreachable    Kind = "UPSTREAM_UNREACHABLE"
	TLSHandshakeFailed     Kind = "TLS_HANDSHAKE_FAILED"
	IPDenied               Kind = "IP_DENIED"
	RateLimited            Kind = "RATE_LIMITED"
	OverCapacity           Kind = "OVER_CAPACITY"
	IdleTimeout            Kind = "IDLE_TIMEOUT"
	UpstreamProtocolError  Kind = "UPSTREAM_PROTOCOL_ERROR"
	Internal               Kind = "INTERNAL"
)

// Error wraps an underlying cause with the Kind taxonomy and the frontend
// it occurred on, so callers (the Manager, the Reconciler) can decide
// whether to recover locally or escalate per the propagation policy.
type Error struct {
	Kind     Kind
	Frontend string
	Peer     string
	Err      error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s: frontend=%s peer=%s: %v", e.Kind, e.Frontend, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: frontend=%s: %v", e.Kind, e.Frontend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsAdmissionRejection reports whether a Kind is an expected gate/filter
// rejection rather than a genuine error (spec.md §7: "not errors; they are
// expected outcomes and emit only at debug level").
func (k Kind) IsAdmissionRejection() bool {
	switch k {
	case IPDenied, RateLimited, OverCapacity:
		return true
	default:
		return false
	}
}

// PerFlow reports whether this Kind recovers locally (the flow closes, the
// frontend keeps running) rather than taking the frontend down.
func (k Kind) PerFlow() bool {
	switch k {
	case UpstreamUnreachable, TLSHandshakeFailed, IdleTimeout, UpstreamProtocolError,
		IPDenied, RateLimited, OverCapacity:
		return true
	default:
		return false
	}
}
