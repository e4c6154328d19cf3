package dag

import (
	"errors"
	"fmt"

	"qrdag/models"
)

var (
	ErrParentNotFound   = errors.New("parent not found")
	ErrSelfReference    = errors.New("vertex references itself")
	ErrDuplicateID      = errors.New("fork: vertex id already present")
	ErrInvalidSignature = errors.New("invalid signature")
)

// VertexError is returned when a vertex fails validation. Ref is the offending
// parent id, if any.
type VertexError struct {
	Err error
	ID  models.VertexID
	Ref models.VertexID
}

func (e *VertexError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("vertex %s: %v: %s", e.ID, e.Err, e.Ref)
	}
	return fmt.Sprintf("vertex %s: %v", e.ID, e.Err)
}

func (e *VertexError) Unwrap() error {
	return e.Err
}

func vertexError(err error, id, ref models.VertexID) *VertexError {
	return &VertexError{Err: err, ID: id, Ref: ref}
}
