package pipeline

import (
	"slices"
	"sync"

	"qrdag/models"
)

// processingState tracks submissions between slot acquisition and exit. Every
// entry is removed by end, whatever the outcome.
type processingState struct {
	mux        sync.Mutex
	processing map[models.VertexID]struct{}
	conflicts  map[models.VertexID][]models.VertexID
}

func newProcessingState() *processingState {
	return &processingState{
		processing: make(map[models.VertexID]struct{}),
		conflicts:  make(map[models.VertexID][]models.VertexID),
	}
}

// begin marks id in flight. It returns false if id is already in flight.
func (s *processingState) begin(id models.VertexID) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, busy := s.processing[id]; busy {
		return false
	}
	s.processing[id] = struct{}{}
	return true
}

func (s *processingState) end(id models.VertexID) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.processing, id)
	delete(s.conflicts, id)
}

func (s *processingState) setConflicts(id models.VertexID, conflicts []models.VertexID) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.conflicts[id] = slices.Clone(conflicts)
}

func (s *processingState) size() (processing, conflicts int) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.processing), len(s.conflicts)
}
