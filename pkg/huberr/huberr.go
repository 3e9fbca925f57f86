// Package huberr defines the error-kind taxonomy the orchestration core
// surfaces to its callers and ports.
package huberr

import "errors"

// Kind classifies an error for the caller's disposition logic.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindImageInvalid Kind = "image_invalid"
	KindFatal      Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can switch on
// disposition without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func NotFound(op string, err error) *Error   { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error   { return New(KindConflict, op, err) }
func Transient(op string, err error) *Error  { return New(KindTransient, op, err) }
func ImageInvalid(op string, err error) *Error { return New(KindImageInvalid, op, err) }
func Fatal(op string, err error) *Error      { return New(KindFatal, op, err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

var (
	// ErrAlreadySubmitted is returned by SubmitResult on a duplicate
	// (task_id, node_id) call after completion — the at-most-once
	// acceptance guarantee of spec.md §1.
	ErrAlreadySubmitted = errors.New("result already submitted for this assignment")
)
