package backend

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures.
type Kind int

const (
	// KindIO means the file could not be read or written.
	KindIO Kind = iota + 1
	// KindEncode means the content could not be decoded, or a value could not be encoded.
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// ErrInvalid is wrapped by Load when the file exists but is not a state document.
var ErrInvalid = errors.New("invalid state document")

// Error is returned by every File operation.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state %s %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

func encodeErr(op, path string, err error) error {
	return &Error{Kind: KindEncode, Op: op, Path: path, Err: err}
}

// KindOf reports the kind of a backend error, or 0 when err is not one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

func IsIO(err error) bool     { return KindOf(err) == KindIO }
func IsEncode(err error) bool { return KindOf(err) == KindEncode }
