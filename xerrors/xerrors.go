// Package xerrors defines the error kinds of the storage engine's
// failure model: corruption, I/O, resource exhaustion, validation and
// the internal-only retry signal.
package xerrors

import "github.com/juju/errors"

// Kind classifies a failure the way the engine's propagation rule does:
// corruption aborts the volume, I/O aborts the operation, resource
// exhaustion lets the caller retry, validation is a caller error, and
// retry is reserved for an internal claim-upgrade signal.
type Kind int

const (
	// KindCorruption marks a bad page type, an out-of-range pointer, a
	// broken long-record chain, or a missing/unreadable journal file.
	// The volume is unusable until reopened.
	KindCorruption Kind = iota
	// KindIO marks an underlying read/write/extend failure. Only the
	// current operation fails; the volume remains usable.
	KindIO
	// KindResourceExhaustion marks a full volume, an exhausted buffer
	// pool, or a claim timeout. The caller may retry after releasing
	// resources.
	KindResourceExhaustion
	// KindValidation marks a caller error: bad key size, bad
	// direction, or a write against a read-only volume.
	KindValidation
	// KindRetry is internal-only: a request needed a stronger claim
	// than it held. No code path in this module returns it; the
	// B-link tree avoids claim upgrades by taking the exclusive claim
	// for every Put.
	KindRetry
)

func (k Kind) String() string {
	switch k {
	case KindCorruption:
		return "corruption"
	case KindIO:
		return "io"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindValidation:
		return "validation"
	case KindRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Error wraps a juju/errors annotated error with its Kind, so callers
// can switch on failure class without string matching.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Cause() error { return e.cause }

// New creates a Kind-tagged error from a format string, annotated via
// juju/errors so callers retain a stack-aware cause chain.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap annotates an existing error with a Kind and context message.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Annotate(cause, msg)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// Corrupt is a convenience constructor for KindCorruption.
func Corrupt(format string, args ...interface{}) error {
	return New(KindCorruption, format, args...)
}

// IOFail is a convenience constructor for KindIO.
func IOFail(cause error, msg string) error {
	return Wrap(KindIO, cause, msg)
}

// Exhausted is a convenience constructor for KindResourceExhaustion.
func Exhausted(format string, args ...interface{}) error {
	return New(KindResourceExhaustion, format, args...)
}

// Invalid is a convenience constructor for KindValidation.
func Invalid(format string, args ...interface{}) error {
	return New(KindValidation, format, args...)
}

// retrySignal is the sentinel instance returned by Retry(). No
// operation in this module restarts on it.
var retrySignal = &Error{Kind: KindRetry, cause: errors.New("claim upgrade required")}

// Retry returns the shared retry signal.
func Retry() error { return retrySignal }

// IsRetry reports whether err is the retry signal.
func IsRetry(err error) bool { return Is(err, KindRetry) }
