package atomix

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the taxonomy of errors defined in spec section 7.
// The set is closed: the Retry Classifier switches exhaustively over it.
type ErrorKind int

const (
	// KindUnknown is never produced directly; it is the zero value.
	KindUnknown ErrorKind = iota
	KindNoLeader
	KindTimeout
	KindTransport
	KindUnknownSession
	KindUnknownService
	KindApplicationError
	KindProtocolError
	KindNotOpen
	KindNonSequential
	KindDuplicateApply
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoLeader:
		return "NoLeader"
	case KindTimeout:
		return "Timeout"
	case KindTransport:
		return "Transport"
	case KindUnknownSession:
		return "UnknownSession"
	case KindUnknownService:
		return "UnknownService"
	case KindApplicationError:
		return "ApplicationError"
	case KindProtocolError:
		return "ProtocolError"
	case KindNotOpen:
		return "NotOpen"
	case KindNonSequential:
		return "NonSequential"
	case KindDuplicateApply:
		return "DuplicateApply"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried by every Kind in the taxonomy.
// Fields are informational only; callers should branch on Kind(), not on
// the formatted message.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, target) comparisons by Kind against another
// *Error, e.g. errors.Is(err, errNoLeader()).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newError(kind ErrorKind, message string, fields ...any) *Error {
	return &Error{Kind: kind, Message: message, Fields: fieldMap(fields)}
}

func wrapError(kind ErrorKind, cause error, message string, fields ...any) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Fields: fieldMap(fields)}
}

func fieldMap(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

// KindOf extracts the ErrorKind carried by err, or KindUnknown if err does
// not originate from this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func errNoLeader() error { return newError(KindNoLeader, "no leader is known") }

func errTimeout(op string) error {
	return newError(KindTimeout, "request timed out", "op", op)
}

func errTransport(cause error) error {
	return wrapError(KindTransport, cause, "transport failure")
}

func errUnknownSession(id SessionId) error {
	return newError(KindUnknownSession, "session does not exist or has expired", "sessionId", id)
}

func errUnknownService(name string) error {
	return newError(KindUnknownService, "no factory registered for service", "service", name)
}

func errApplication(cause error) error {
	return wrapError(KindApplicationError, cause, "service returned an error")
}

func errProtocol(message string) error {
	return newError(KindProtocolError, message)
}

func errNotOpen() error { return newError(KindNotOpen, "dispatcher is not open") }

func errNonSequential(next, lastApplied uint64) error {
	return newError(KindNonSequential, "apply requested out of order",
		"nextIndex", next, "lastApplied", lastApplied)
}

func errDuplicateApply(next, lastApplied uint64) error {
	return newError(KindDuplicateApply, "index already applied",
		"nextIndex", next, "lastApplied", lastApplied)
}

// ErrCanceled is returned by FutureTask.Result when the caller canceled the
// future before the work producing its result resolved. It is a plain
// sentinel, not a Kind in the taxonomy above: cancellation is a property of
// the waiter, not of the work itself, and the ten kinds the Retry Classifier
// switches over describe only the latter.
var ErrCanceled = errors.New("future canceled before it resolved")
