// Package errs defines the error kinds shared by every layer of the model
// manager. Lower layers wrap these with context; callers classify them with
// the IsXxx predicates, which see through wrapping.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindAmbiguous  Kind = "ambiguous"
	KindValidation Kind = "validation"
	KindCanceled   Kind = "canceled"
	KindIO         Kind = "io"
	KindProbe      Kind = "probe"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown model key or job id.
func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

// Ambiguous reports a name lookup that matched more than one entry.
func Ambiguous(format string, args ...any) error { return newf(KindAmbiguous, format, args...) }

// Validation reports malformed caller arguments.
func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

// Canceled reports work abandoned because its execution was canceled.
func Canceled(format string, args ...any) error { return newf(KindCanceled, format, args...) }

// IO wraps a filesystem or network failure.
func IO(err error, format string, args ...any) error {
	return &Error{Kind: KindIO, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Probe wraps a model-format probing failure.
func Probe(err error, format string, args ...any) error {
	return &Error{Kind: KindProbe, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsAmbiguous(err error) bool  { return KindOf(err) == KindAmbiguous }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsIO(err error) bool         { return KindOf(err) == KindIO }
func IsProbe(err error) bool      { return KindOf(err) == KindProbe }

// IsCanceled also matches context cancellation.
func IsCanceled(err error) bool {
	if KindOf(err) == KindCanceled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
