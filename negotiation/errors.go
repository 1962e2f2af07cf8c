package negotiation

import (
	"errors"
	"fmt"
)

// Kind classifies negotiation failures.
type Kind int

const (
	KindLocalCancellation Kind = iota + 1
	KindRemoteCancellation
	KindInvariantViolation
	KindIOFailure
	KindProtocolTimeout
)

func (k Kind) String() string {
	switch k {
	case KindLocalCancellation:
		return "local cancellation"
	case KindRemoteCancellation:
		return "remote cancellation"
	case KindInvariantViolation:
		return "invariant violation"
	case KindIOFailure:
		return "i/o failure"
	case KindProtocolTimeout:
		return "protocol timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a typed negotiation failure. NotifyPeer tells whether the peer
// must receive a negotiation_cancel notice for it.
type Error struct {
	Kind       Kind
	Reason     string
	NotifyPeer bool
	cause      error
}

var (
	ErrLocalCancellation  = &Error{Kind: KindLocalCancellation}
	ErrRemoteCancellation = &Error{Kind: KindRemoteCancellation}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrIOFailure          = &Error{Kind: KindIOFailure}
	ErrProtocolTimeout    = &Error{Kind: KindProtocolTimeout}
)

var (
	// ErrAlreadyStarted is returned when Run is called a second time.
	ErrAlreadyStarted = errors.New("negotiation: already started")
	// ErrInvalidMapping indicates a mapping that cannot be applied.
	ErrInvalidMapping = errors.New("negotiation: invalid mapping")
)

func newError(kind Kind, reason string, notify bool, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, NotifyPeer: notify, cause: cause}
}

func (e *Error) Error() string {
	msg := "negotiation: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IsCancellation reports whether err ends a negotiation as cancelled rather than failed.
func IsCancellation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindLocalCancellation, KindRemoteCancellation, KindProtocolTimeout:
		return true
	default:
		return false
	}
}

// CancelOption controls whether a local cancellation is relayed to the peer.
type CancelOption int

const (
	NotifyPeer CancelOption = iota
	DoNotNotifyPeer
)
