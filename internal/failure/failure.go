// Package failure defines the error taxonomy shared by the featsync layers.
//
// Every error that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, failure.ErrNotFound) {
//	    // expected outcome, not a fault
//	}
//
// Remote errors additionally carry a Reason so background sync can tell a
// missing document apart from a server or transport failure.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindStorage is a local cache read or write failure.
	KindStorage Kind = "storage"
	// KindQueue is a pending operation queue failure.
	KindQueue Kind = "queue"
	// KindRemote is a remote store failure. See Reason.
	KindRemote Kind = "remote"
	// KindNotFound means the requested record does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalid is rejected input.
	KindInvalid Kind = "invalid"
	// KindPermission means the caller does not own the record.
	KindPermission Kind = "permission"
)

// Reason refines a remote failure.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonServer    Reason = "server"
	ReasonTransport Reason = "transport"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind   Kind
	Op     string
	Reason Reason
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same kind (and, for
// the remote sentinels, the same reason).
var (
	ErrStorage    = &Error{Kind: KindStorage}
	ErrQueue      = &Error{Kind: KindQueue}
	ErrRemote     = &Error{Kind: KindRemote}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrInvalid    = &Error{Kind: KindInvalid}
	ErrPermission = &Error{Kind: KindPermission}

	ErrRemoteNotFound  = &Error{Kind: KindRemote, Reason: ReasonNotFound}
	ErrRemoteServer    = &Error{Kind: KindRemote, Reason: ReasonServer}
	ErrRemoteTransport = &Error{Kind: KindRemote, Reason: ReasonTransport}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind. Op and Err are
// ignored so that wrapped errors still match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Storage wraps err as a storage failure. An error that is already a
// storage failure is returned unchanged.
func Storage(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Queue wraps err as a queue failure.
func Queue(op string, err error) error {
	if errors.Is(err, ErrQueue) {
		return err
	}
	return &Error{Kind: KindQueue, Op: op, Err: err}
}

// Remote wraps err as a remote failure with the given reason.
func Remote(op string, reason Reason, err error) error {
	return &Error{Kind: KindRemote, Op: op, Reason: reason, Err: err}
}

// NotFound reports that what does not exist.
func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s not found", what)}
}

// Invalid reports rejected input.
func Invalid(op string, err error) error {
	return &Error{Kind: KindInvalid, Op: op, Err: err}
}

// Permission reports an ownership violation.
func Permission(op string, err error) error {
	return &Error{Kind: KindPermission, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found outcome, local or remote.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRemoteNotFound)
}
