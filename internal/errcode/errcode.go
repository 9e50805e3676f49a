// Package errcode implements the closed error-kind set every portal
// reply begins with (spec §7), plus a conversion to/from
// google.golang.org/grpc's status.Status: the teacher package exists to
// carry gRPC streams, and grpc's own codes.Code/status.Status is the
// one real example in the corpus of a closed, wire-friendly error-code
// enum, so it's reused here at the service dispatch boundary instead of
// inventing a parallel one.
package errcode

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is one of the closed set of portal reply codes.
type Code int32

const (
	Success Code = iota
	ArgsInvalid
	Capacity
	NotFound
	Exists
	Abort
	Failure
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case ArgsInvalid:
		return "ARGS_INVALID"
	case Capacity:
		return "CAPACITY"
	case NotFound:
		return "NOT_FOUND"
	case Exists:
		return "EXISTS"
	case Abort:
		return "ABORT"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// grpcCode maps a Code onto the nearest grpc/codes.Code.
func (c Code) grpcCode() codes.Code {
	switch c {
	case Success:
		return codes.OK
	case ArgsInvalid:
		return codes.InvalidArgument
	case Capacity:
		return codes.ResourceExhausted
	case NotFound:
		return codes.NotFound
	case Exists:
		return codes.AlreadyExists
	case Abort:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// ToStatus renders c as a *status.Status, suitable for handing to a
// caller that already speaks grpc/status (e.g. a peer-identity-aware
// client built on google.golang.org/grpc/peer).
func (c Code) ToStatus() *status.Status {
	return status.New(c.grpcCode(), c.String())
}

// FromStatus recovers the closest Code for a *status.Status received
// from ToStatus (or from any grpc call that used the same codes).
func FromStatus(s *status.Status) Code {
	switch s.Code() {
	case codes.OK:
		return Success
	case codes.InvalidArgument:
		return ArgsInvalid
	case codes.ResourceExhausted:
		return Capacity
	case codes.NotFound:
		return NotFound
	case codes.AlreadyExists:
		return Exists
	case codes.Aborted:
		return Abort
	default:
		return Failure
	}
}

// codeErr binds a Code to the error interface so sentinels below work
// with errors.Is/errors.As.
type codeErr struct{ code Code }

func (e *codeErr) Error() string { return "errcode: " + e.code.String() }

var (
	ErrArgsInvalid = &codeErr{ArgsInvalid}
	ErrCapacity    = &codeErr{Capacity}
	ErrNotFound    = &codeErr{NotFound}
	ErrExists      = &codeErr{Exists}
	ErrAbort       = &codeErr{Abort}
	ErrFailure     = &codeErr{Failure}
)

// Of returns the sentinel error for a Code (Success maps to nil).
func Of(c Code) error {
	switch c {
	case Success:
		return nil
	case ArgsInvalid:
		return ErrArgsInvalid
	case Capacity:
		return ErrCapacity
	case NotFound:
		return ErrNotFound
	case Exists:
		return ErrExists
	case Abort:
		return ErrAbort
	default:
		return ErrFailure
	}
}

// FromError recovers the Code an error was built from via Of, or
// Failure for any other non-nil error, or Success for nil.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var ce *codeErr
	if errors.As(err, &ce) {
		return ce.code
	}
	return Failure
}
