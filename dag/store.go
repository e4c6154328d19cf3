package dag

import (
	"slices"
	"sync"

	"github.com/gammazero/deque"

	"qrdag/models"
)

// Store owns admitted vertices and the current frontier. Writes are serialized
// by the caller (the ingestion pipeline); the internal lock only guarantees that
// readers never observe a partially inserted vertex.
type Store struct {
	mux      sync.RWMutex
	vertices map[models.VertexID]*models.Vertex
	children map[models.VertexID][]models.VertexID
	tips     map[models.VertexID]struct{}
	order    []models.VertexID
}

func NewStore() *Store {
	return &Store{
		vertices: make(map[models.VertexID]*models.Vertex),
		children: make(map[models.VertexID][]models.VertexID),
		tips:     make(map[models.VertexID]struct{}),
	}
}

// Validate checks a vertex against the store without inserting it
func (s *Store) Validate(v *models.Vertex) error {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.validate(v)
}

func (s *Store) validate(v *models.Vertex) error {
	if v.HasParent(v.ID) {
		return vertexError(ErrSelfReference, v.ID, v.ID)
	}
	if _, exists := s.vertices[v.ID]; exists {
		return vertexError(ErrDuplicateID, v.ID, "")
	}
	for _, pid := range v.Parents {
		if _, ok := s.vertices[pid]; !ok {
			return vertexError(ErrParentNotFound, v.ID, pid)
		}
	}
	return nil
}

// Insert adds a vertex. Its parents leave the tip set and the vertex becomes a tip.
func (s *Store) Insert(v *models.Vertex) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.validate(v); err != nil {
		return err
	}
	stored := v.Clone()
	stored.Parents = models.NormalizeParents(stored.Parents)

	s.vertices[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	for _, pid := range stored.Parents {
		s.children[pid] = append(s.children[pid], stored.ID)
		delete(s.tips, pid)
	}
	s.tips[stored.ID] = struct{}{}
	return nil
}

// Get returns a copy of the vertex
func (s *Store) Get(id models.VertexID) (*models.Vertex, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	v, ok := s.vertices[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (s *Store) Contains(id models.VertexID) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	_, ok := s.vertices[id]
	return ok
}

func (s *Store) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.vertices)
}

// Tips returns a sorted snapshot of the frontier
func (s *Store) Tips() []models.VertexID {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ret := make([]models.VertexID, 0, len(s.tips))
	for id := range s.tips {
		ret = append(ret, id)
	}
	slices.Sort(ret)
	return ret
}

// Children returns the direct children of id in admission order
func (s *Store) Children(id models.VertexID) []models.VertexID {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.children[id])
}

// MissingParents lists the parents of v not present in the store
func (s *Store) MissingParents(v *models.Vertex) []models.VertexID {
	s.mux.RLock()
	defer s.mux.RUnlock()
	var ret []models.VertexID
	for _, pid := range v.Parents {
		if _, ok := s.vertices[pid]; !ok {
			ret = append(ret, pid)
		}
	}
	return ret
}

// GetAllVertices returns copies of all vertices in admission order, so every
// parent precedes its children
func (s *Store) GetAllVertices() ([]*models.Vertex, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ret := make([]*models.Vertex, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, s.vertices[id].Clone())
	}
	return ret, nil
}

// Ancestors returns the transitive parents of id, breadth first
func (s *Store) Ancestors(id models.VertexID) []models.VertexID {
	s.mux.RLock()
	defer s.mux.RUnlock()

	v, ok := s.vertices[id]
	if !ok {
		return nil
	}
	var ret []models.VertexID
	seen := make(map[models.VertexID]struct{})
	var queue deque.Deque[models.VertexID]
	for _, pid := range v.Parents {
		queue.PushBack(pid)
	}
	for queue.Len() > 0 {
		cur := queue.PopFront()
		if _, done := seen[cur]; done {
			continue
		}
		seen[cur] = struct{}{}
		ret = append(ret, cur)
		if pv, ok := s.vertices[cur]; ok {
			for _, pid := range pv.Parents {
				queue.PushBack(pid)
			}
		}
	}
	return ret
}

// IsAncestor reports whether a is a transitive parent of b
func (s *Store) IsAncestor(a, b models.VertexID) bool {
	return slices.Contains(s.Ancestors(b), a)
}
