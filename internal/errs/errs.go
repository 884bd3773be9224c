// Package errs defines the error kinds shared by the object log components.
// Every failure that crosses a component boundary is an *Error carrying a Kind
// and the underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	Unknown Kind = iota
	Configuration
	CapacityExceeded
	Encoding
	IO
	NotFound
	Decoding
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case CapacityExceeded:
		return "capacity exceeded"
	case Encoding:
		return "encoding"
	case IO:
		return "i/o"
	case NotFound:
		return "not found"
	case Decoding:
		return "decoding"
	case Invalid:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration    = &Error{Kind: Configuration}
	ErrCapacityExceeded = &Error{Kind: CapacityExceeded}
	ErrEncoding         = &Error{Kind: Encoding}
	ErrIO               = &Error{Kind: IO}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrDecoding         = &Error{Kind: Decoding}
	ErrInvalid          = &Error{Kind: Invalid}
)

// Error is a kind-tagged error with an optional operation and cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. A nil cause is allowed.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
