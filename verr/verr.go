// Package verr defines the reason-code error taxonomy surfaced on
// connection close (spec §7). It keeps the shape of nabbar-golib's
// errors package — a small code plus a message plus an optional wrapped
// cause — without that package's parent-chain/tree machinery, which this
// library has no use for: every velum error terminates at exactly one
// connection event.
package verr

import "fmt"

// Reason is the taxonomy of causes a connection can be closed or a send
// can fail for (spec §7).
type Reason uint32

const (
	ReasonNone Reason = iota
	ReasonInvalidParameter
	ReasonInvalidState
	ReasonTimeout
	ReasonReplyTimeoutAggregate
	ReasonAuthenticationFailure
	ReasonProtocolVersion
	ReasonRemoteClose
	ReasonTooManyFragments
	ReasonReassemblyError
	ReasonInternalError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidParameter:
		return "invalid parameter"
	case ReasonInvalidState:
		return "invalid state"
	case ReasonTimeout:
		return "timeout"
	case ReasonReplyTimeoutAggregate:
		return "reply timeout aggregate"
	case ReasonAuthenticationFailure:
		return "authentication failure"
	case ReasonProtocolVersion:
		return "protocol version mismatch"
	case ReasonRemoteClose:
		return "closed by peer"
	case ReasonTooManyFragments:
		return "too many fragments"
	case ReasonReassemblyError:
		return "reassembly error"
	case ReasonInternalError:
		return "internal error"
	default:
		return "unknown reason"
	}
}

// Error is the error value returned/surfaced for anything that maps onto
// the §7 taxonomy: it carries the Reason code, a short human debug
// string (e.g. shown on the wire in close packets) and, optionally, an
// underlying cause for local diagnostics.
type Error struct {
	Reason Reason
	Debug  string
	Err    error
}

func New(reason Reason, debug string) *Error {
	return &Error{Reason: reason, Debug: debug}
}

func Wrap(reason Reason, debug string, err error) *Error {
	return &Error{Reason: reason, Debug: debug, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		if e.Debug != "" {
			return fmt.Sprintf("%s: %s: %v", e.Reason, e.Debug, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Debug != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Debug)
	}
	return e.Reason.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether err is a *Error with the same Reason. Used so
// callers can `errors.Is(err, verr.New(verr.ReasonTimeout, ""))`-style
// compare against a bare reason without constructing the full value
// (see IsReason below, which is the idiomatic entry point).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// IsReason reports whether err is (or wraps) a *Error with the given
// reason code.
func IsReason(err error, reason Reason) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Reason == reason {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
