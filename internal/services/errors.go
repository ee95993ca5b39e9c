// Package services drives storage node lifecycles. Each operation takes
// the node's lock and calls discovery, onboarding, the mesh connector and
// the map distributor in order, persisting and announcing every status
// change on the way.
package services

import (
	"errors"
	"fmt"

	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/nodelock"
)

// ErrorKind classifies a failed operation
type ErrorKind string

const (
	// KindValidation is an unknown id or malformed input; nothing changed
	KindValidation ErrorKind = "validation"
	// KindPolicy is a refused transition: HA quorum, busy node, illegal state
	KindPolicy ErrorKind = "policy"
	// KindBackendRPC is a failed backend or agent call on the node itself
	KindBackendRPC ErrorKind = "backend_rpc"
	// KindPersistence is a failed metadata write
	KindPersistence ErrorKind = "persistence"
)

// ServiceError is returned by every NodeService operation that fails
type ServiceError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a ServiceError
func NewServiceError(kind ErrorKind, code, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message}
}

// WithDetail adds a detail and returns e
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsKind reports whether err is a ServiceError of kind
func IsKind(err error, kind ErrorKind) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Kind == kind
}

func validationError(code, format string, args ...interface{}) *ServiceError {
	return NewServiceError(KindValidation, code, fmt.Sprintf(format, args...))
}

func policyError(code, format string, args ...interface{}) *ServiceError {
	return NewServiceError(KindPolicy, code, fmt.Sprintf(format, args...))
}

func rpcError(code, message string, err error) *ServiceError {
	return &ServiceError{Kind: KindBackendRPC, Code: code, Message: message, Err: err}
}

func persistenceError(message string, err error) *ServiceError {
	return &ServiceError{Kind: KindPersistence, Code: "PERSISTENCE_FAILED", Message: message, Err: err}
}

// lookupError maps a failed metadata read: a missing record is a
// validation error, anything else a persistence failure
func lookupError(code, what, id string, err error) *ServiceError {
	if errors.Is(err, metadata.ErrNotFound) {
		return &ServiceError{Kind: KindValidation, Code: code, Message: fmt.Sprintf("%s %s not found", what, id), Err: err}
	}
	return persistenceError(fmt.Sprintf("failed to load %s %s", what, id), err)
}

// lockError maps a failed node lock acquisition
func lockError(nodeID string, err error) *ServiceError {
	if errors.Is(err, nodelock.ErrLockTimeout) {
		return &ServiceError{Kind: KindPolicy, Code: "NODE_BUSY", Message: fmt.Sprintf("node %s is busy", nodeID), Err: err}
	}
	return persistenceError(fmt.Sprintf("failed to lock node %s", nodeID), err)
}

// isBusy reports whether err is a lock timeout on a busy node
func isBusy(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Code == "NODE_BUSY"
}
