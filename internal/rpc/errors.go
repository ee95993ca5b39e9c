package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAlreadyExists matches backend failures caused by an object that is
// already present, such as a bdev or controller of the same name
var ErrAlreadyExists = errors.New("already exists")

// Error is a failed backend call
type Error struct {
	Method  Method
	Address string
	Code    codes.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %s failed (%s): %s", e.Address, e.Method, e.Code, e.Message)
}

// Is lets errors.Is match ErrAlreadyExists and context deadlines
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Code == codes.AlreadyExists
	case context.DeadlineExceeded:
		return e.Code == codes.DeadlineExceeded
	}
	return false
}

// IsAlreadyExists reports whether err is an "already exists" backend failure
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound reports whether err is a backend failure on a missing object
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == codes.NotFound
}

// IsTimeout reports whether err is a call that ran out of time
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// NewError builds an Error, mostly for fakes
func NewError(m Method, address string, code codes.Code, msg string) *Error {
	return &Error{Method: m, Address: address, Code: code, Message: msg}
}

func wrapError(m Method, address string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Method: m, Address: address, Code: codes.Unknown, Message: err.Error()}
	}
	return &Error{Method: m, Address: address, Code: st.Code(), Message: st.Message()}
}
