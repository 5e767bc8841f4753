package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the structural and runtime failure taxonomy. Structural
// errors (config, cycle, dependency) are detected during validation and abort
// a run before any node executes.
var (
	ErrConfig        = errors.New("invalid task configuration")
	ErrCycle         = errors.New("dependency cycle detected")
	ErrDependency    = errors.New("unresolved dependency reference")
	ErrActionFailed  = errors.New("action execution failed")
	ErrTimeout       = errors.New("deadline exceeded")
	ErrHumanRejected = errors.New("human gate rejected")
	ErrPersistence   = errors.New("state persistence failure")
)

// Error is the serializable error payload attached to node and run state.
type Error struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// CycleError reports a cycle in the combined containment+dependency graph,
// carrying the witness path for diagnostics.
type CycleError struct {
	Path []string
}

func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}
