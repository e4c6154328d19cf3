package consensus

import (
	"errors"
	"fmt"

	"qrdag/models"
)

var (
	ErrSamplingTimeout = errors.New("sampling failed")
	ErrSyncFailed      = errors.New("consensus sync failed")
	ErrUnknownVertex   = errors.New("vertex not in store")
	ErrByzantineVoter  = errors.New("peer changed its vote")
)

type ConsensusError struct {
	ID  models.VertexID
	Err error
}

func (e *ConsensusError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("consensus: %v", e.Err)
	}
	return fmt.Sprintf("consensus: vertex %s: %v", e.ID, e.Err)
}

func (e *ConsensusError) Unwrap() error {
	return e.Err
}
