package statesync

import (
	"errors"
	"fmt"

	"qrdag/models"
)

var ErrStateSyncFailed = errors.New("state sync failed")

var (
	ErrFork           = errors.New("same id with different content")
	ErrRejectedParent = errors.New("parent rejected locally")
	ErrCycle          = errors.New("remote vertices form a cycle")
)

// SyncError matches both ErrStateSyncFailed and its Reason
type SyncError struct {
	ID     models.VertexID
	Reason error
}

func (e *SyncError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v: %v", ErrStateSyncFailed, e.Reason)
	}
	return fmt.Sprintf("%v at %s: %v", ErrStateSyncFailed, e.ID, e.Reason)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrStateSyncFailed, e.Reason}
}
