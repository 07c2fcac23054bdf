// Package fault classifies errors raised by the moderation components.
//
// Every error that crosses a component boundary carries one Kind. Callers
// branch on the kind rather than on concrete error values. Capacity
// rejections are reported back to the user with a reset time. Dependency
// failures are absorbed (retried, or parked as queued). Validation failures
// are rejected synchronously, and only fatal errors propagate as hard
// failures. Content which fails moderation is not an error: it is an ordinary
// result with Allowed false.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// rate limit exceeded
	Capacity Kind = iota + 1
	// classifier or store unavailable
	Dependency
	// malformed input
	Validation
	// backing store could not complete a transaction at all
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Capacity:
		return "capacity"
	case Dependency:
		return "dependency"
	case Validation:
		return "validation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	// operation which failed, eg "ratelimit.check"
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError builds a validation failure which is shown to the caller verbatim.
func ValidationError(msg string) error {
	return &Error{Kind: Validation, Msg: msg}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

func CapacityError(msg string) error {
	return &Error{Kind: Capacity, Msg: msg}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain. Errors
// which were never classified are treated as Fatal, so unknown failures fail
// closed.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Fatal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsFatal(err error) bool {
	return Is(err, Fatal)
}

// Message returns the user-facing text for an error: the message of the
// outermost classified error if it has one, else the error string.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	return err.Error()
}
