package pipeline

import (
	"errors"
	"fmt"

	"qrdag/models"
)

var (
	ErrChannelClosed    = errors.New("pipeline closed")
	ErrConflictDetected = errors.New("conflict detected")
)

// ConflictError reports a submission that lost to already admitted vertices.
// It is an expected outcome, not a validation failure: the caller may resubmit
// with different parents.
type ConflictError struct {
	ID        models.VertexID
	Conflicts []models.VertexID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vertex %s: %v with %v", e.ID, ErrConflictDetected, e.Conflicts)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictDetected
}
