// Package errors implements an error type that defines standard
// interpretable error codes for the failure kinds enumerated by the
// engine's error handling design: resource exhaustion, I/O failure,
// transport failure, protocol violation, user-callback failure, and
// misuse. Errors can be chained: one error can be attributed to
// another so the full causal chain survives in the diagnostic printed
// when a worker aborts.
package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"github.com/flowbase/flowbase/internal/log"
)

// Separator defines the separation string inserted between
// chained errors in error messages.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically meaningful
// and may be interpreted by the receiver of an error, e.g. to decide
// whether an abort diagnostic should mention a resource budget.
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Canceled indicates a context cancellation.
	Canceled
	// Timeout indicates an operation timed out.
	Timeout
	// NotExist indicates a nonexistent resource.
	NotExist
	// NotAllowed indicates a permission failure.
	NotAllowed
	// NotSupported indicates an unsupported operation.
	NotSupported
	// Exists indicates that a resource already exists.
	Exists
	// Integrity indicates a round-trip or checksum failure in the
	// block or serialization spine.
	Integrity
	// Invalid indicates the caller supplied invalid parameters.
	Invalid
	// Net indicates a transport failure: a dropped connection or
	// short read on a group channel.
	Net
	// TooManyTries indicates a retry budget was exhausted.
	TooManyTries
	// Precondition indicates a precondition was not met, e.g. reading
	// from a File before its writer has closed.
	Precondition
	// ResourcesExhausted indicates the block pool ran out of both RAM
	// and disk budget.
	ResourcesExhausted
	// Protocol indicates a protocol violation: an unexpected block
	// header, a stream closed twice, a double-open file writer. These
	// indicate an implementation bug, not a runtime condition.
	Protocol

	maxKind
)

var kinds = map[Kind]string{
	Other:              "unknown error",
	Canceled:           "operation was canceled",
	Timeout:            "operation timed out",
	NotExist:           "resource does not exist",
	NotAllowed:         "access denied",
	NotSupported:       "operation not supported",
	Exists:             "resource already exists",
	Integrity:          "integrity error",
	Invalid:            "invalid argument",
	Net:                "transport error",
	TooManyTries:       "too many tries",
	Precondition:       "precondition failed",
	ResourcesExhausted: "resources exhausted",
	Protocol:           "protocol violation",
}

var kindStdErrs = map[Kind]error{
	Canceled:   context.Canceled,
	Timeout:    context.DeadlineExceeded,
	NotExist:   os.ErrNotExist,
	NotAllowed: os.ErrPermission,
	Exists:     os.ErrExist,
	Invalid:    os.ErrInvalid,
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

var kindErrnos = map[Kind]syscall.Errno{
	Canceled:           syscall.EINTR,
	Timeout:            syscall.ETIMEDOUT,
	NotExist:           syscall.ENOENT,
	NotAllowed:         syscall.EACCES,
	NotSupported:       syscall.ENOTSUP,
	Exists:             syscall.EEXIST,
	Invalid:            syscall.EINVAL,
	Net:                syscall.ENETUNREACH,
	TooManyTries:       syscall.EINVAL,
	Precondition:       syscall.EAGAIN,
	ResourcesExhausted: syscall.ENOMEM,
}

// Errno maps k to an equivalent Errno, or returns false if there is no
// good match.
func (k Kind) Errno() (syscall.Errno, bool) {
	errno, ok := kindErrnos[k]
	return errno, ok
}

// Severity defines an Error's severity. The core's propagation policy
// (§7) treats nearly every severity as fatal to the process; Severity
// exists chiefly so that the small set of places the core does retry
// (transport short-reads) can mark an error Temporary without
// inventing a second error type.
type Severity int

const (
	// Retriable indicates the failing operation can safely be retried.
	Retriable Severity = -2
	// Temporary indicates the underlying condition is likely transient.
	Temporary Severity = -1
	// Unknown is the default severity.
	Unknown Severity = 0
	// Fatal indicates the condition is unrecoverable: the process
	// should abort as a whole, per the core's fail-fast policy.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Retriable: "retriable",
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the error severity s.
func (s Severity) String() string {
	return severities[s]
}

// Error is the standard error type, carrying a kind, an optional
// severity, a message, and potentially an underlying error. Errors
// should be constructed with E.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Err      error
}

// E constructs a new error from the provided arguments, interpreted
// according to their types:
//
//   - Kind sets the Error's kind.
//   - Severity sets the Error's severity.
//   - string appends to the Error's message.
//   - *Error copies the error and sets it as the cause.
//   - error sets the Error's cause.
//
// If no Kind is given but a cause is, E classifies common standard
// library error shapes (os.ErrNotExist, context.Canceled, Timeout()
// bool, Temporary() bool) into a Kind/Severity.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E: no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			cp := *arg
			if len(args) == 1 {
				return &cp
			}
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, arg)
			return &Error{Kind: Invalid, Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg)}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Severity == e.Severity || e.Severity == Unknown {
			e.Severity = prev.Severity
			prev.Severity = Unknown
		}
	default:
		if err, ok := e.Err.(interface{ Temporary() bool }); ok && err.Temporary() && e.Severity == Unknown {
			e.Severity = Temporary
		}
		if e.Kind != Other {
			break
		}
		for kind := Kind(0); kind < maxKind; kind++ {
			stdErr := kindStdErrs[kind]
			if stdErr != nil && errors.Is(e.Err, stdErr) {
				e.Kind = kind
				break
			}
		}
		if e.Kind == Other && isTimeoutErr(e.Err) {
			e.Kind = Timeout
		}
	}
	return e
}

func isTimeoutErr(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

// Recover recovers any error into an *Error, wrapping it with kind
// Other if necessary.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}
	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Timeout tells whether this error is a timeout error.
func (e *Error) Timeout() bool { return e.Kind == Timeout }

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool { return e.Severity <= Temporary }

// Unwrap returns e's cause, if any, letting the standard errors
// package's Is/As work with *Error.
func (e *Error) Unwrap() error { return e.Err }

// Is tells whether e.Kind corresponds to the standard error target.
func (e *Error) Is(err error) bool {
	if err == nil {
		return false
	}
	if err == kindStdErrs[e.Kind] {
		return true
	}
	if e.Kind == Timeout && isTimeoutErr(err) {
		return true
	}
	return false
}

// Is tells whether err's kind is kind, except for the indeterminate
// kind Other, in which case the chain is traversed until a non-Other
// error is found.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// IsTemporary tells whether the provided error is likely temporary.
func IsTemporary(err error) bool {
	return Recover(err).Temporary()
}

// Visit calls callback for every error object in the chain, including
// err itself, stopping after the first non-*Error cause.
func Visit(err error, callback func(err error)) {
	callback(err)
	for {
		next, ok := err.(*Error)
		if !ok {
			break
		}
		err = next.Err
		callback(err)
	}
}

// New is synonymous with the standard library's errors.New.
func New(msg string) error { return errors.New(msg) }

// Wrap attaches a stack trace to a low-level I/O or transport error
// (pkg/errors) before it is folded into E's structured chain, so a
// fatal abort diagnostic (§7) can print where the underlying error
// actually originated, not just where it was last re-wrapped.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, message)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
