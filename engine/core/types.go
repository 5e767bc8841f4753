package core

import (
	"github.com/segmentio/ksuid"
)

// -----------------------------------------------------------------------------
// ID
// -----------------------------------------------------------------------------

type ID string

// NewID returns a new time-sortable identifier. Saved-state listings rely on
// the lexicographic order of run IDs matching creation order.
func NewID() ID {
	return ID(ksuid.New().String())
}

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}

// -----------------------------------------------------------------------------
// Node Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending      StatusType = "PENDING"
	StatusReady        StatusType = "READY"
	StatusRunning      StatusType = "RUNNING"
	StatusWaitingHuman StatusType = "WAITING_HUMAN"
	StatusBlocked      StatusType = "BLOCKED"
	StatusSuccess      StatusType = "SUCCESS"
	StatusFailed       StatusType = "FAILED"
	StatusCanceled     StatusType = "CANCELED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether a node in this status will never run again.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsActive reports whether the node still participates in scheduling.
func (s StatusType) IsActive() bool {
	return !s.IsTerminal()
}

// -----------------------------------------------------------------------------
// Run Status
// -----------------------------------------------------------------------------

type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunSuccess  RunStatus = "SUCCESS"
	RunFailed   RunStatus = "FAILED"
	RunTimedOut RunStatus = "TIMED_OUT"
	RunCanceled RunStatus = "CANCELED"
)

func (s RunStatus) String() string {
	return string(s)
}

func (s RunStatus) IsTerminal() bool {
	return s != RunRunning
}
