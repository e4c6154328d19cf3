// Package statesync merges the DAG of another replica into the local one.
package statesync

import (
	"context"
	"slices"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"qrdag/dag"
	"qrdag/logger"
	"qrdag/models"
)

// Source is anything that can list its vertices: a peer's store or a snapshot
type Source interface {
	GetAllVertices() ([]*models.Vertex, error)
}

// Target is the local replica
type Target interface {
	Get(id models.VertexID) (*models.Vertex, bool)
	Status(id models.VertexID) (models.Status, bool)
	// Import admits vertices listed parents first
	Import(ctx context.Context, vertices []*models.Vertex) error
	// Reconcile recomputes consensus status after an import
	Reconcile(ctx context.Context) error
}

// SyncState makes local hold the union of both vertex sets. The remote set is
// validated as a whole before anything is imported, so a failed sync leaves
// local untouched. Running it twice is a no-op.
func SyncState(ctx context.Context, local Target, remote Source) error {
	vertices, err := remote.GetAllVertices()
	if err != nil {
		return &SyncError{Reason: err}
	}
	missing, err := plan(local, vertices)
	if err != nil {
		logger.Logger.Warn("Refused state sync", zap.Error(err))
		return err
	}
	if len(missing) > 0 {
		if err := local.Import(ctx, missing); err != nil {
			return &SyncError{Reason: err}
		}
	}
	if err := local.Reconcile(ctx); err != nil {
		return &SyncError{Reason: err}
	}
	logger.Logger.Info("State sync complete",
		zap.Int("remote", len(vertices)),
		zap.Int("imported", len(missing)))
	return nil
}

// plan validates the remote vertices and returns the ones missing locally in
// causal order
func plan(local Target, vertices []*models.Vertex) ([]*models.Vertex, error) {
	remote := make(map[models.VertexID]*models.Vertex, len(vertices))
	for _, v := range vertices {
		if prev, dup := remote[v.ID]; dup && !prev.SameContent(v) {
			return nil, &SyncError{ID: v.ID, Reason: ErrFork}
		}
		remote[v.ID] = v
	}

	var missing []*models.Vertex
	for _, v := range vertices {
		if v.HasParent(v.ID) {
			return nil, &SyncError{ID: v.ID, Reason: dag.ErrSelfReference}
		}
		if have, ok := local.Get(v.ID); ok {
			if !have.SameContent(v) {
				return nil, &SyncError{ID: v.ID, Reason: ErrFork}
			}
			continue
		}
		if remote[v.ID] != v {
			// second copy of the same vertex
			continue
		}
		for _, pid := range v.Parents {
			_, inLocal := local.Get(pid)
			if _, inRemote := remote[pid]; !inLocal && !inRemote {
				return nil, &SyncError{ID: v.ID, Reason: dag.ErrParentNotFound}
			}
			if st, ok := local.Status(pid); ok && st == models.Rejected {
				return nil, &SyncError{ID: v.ID, Reason: ErrRejectedParent}
			}
		}
		missing = append(missing, v)
	}
	return causalOrder(missing)
}

// causalOrder sorts missing so that parents precede children (Kahn's algorithm,
// ties by (timestamp, id)). A leftover vertex means a cycle.
func causalOrder(missing []*models.Vertex) ([]*models.Vertex, error) {
	slices.SortFunc(missing, func(a, b *models.Vertex) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp < b.Timestamp {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	pending := make(map[models.VertexID]int, len(missing))
	children := make(map[models.VertexID][]*models.Vertex)
	byID := make(map[models.VertexID]*models.Vertex, len(missing))
	for _, v := range missing {
		byID[v.ID] = v
	}
	var ready deque.Deque[*models.Vertex]
	for _, v := range missing {
		n := 0
		for _, pid := range v.Parents {
			if _, ok := byID[pid]; ok {
				n++
				children[pid] = append(children[pid], v)
			}
		}
		pending[v.ID] = n
		if n == 0 {
			ready.PushBack(v)
		}
	}

	ret := make([]*models.Vertex, 0, len(missing))
	for ready.Len() > 0 {
		v := ready.PopFront()
		ret = append(ret, v)
		for _, c := range children[v.ID] {
			pending[c.ID]--
			if pending[c.ID] == 0 {
				ready.PushBack(c)
			}
		}
	}
	if len(ret) != len(missing) {
		for _, v := range missing {
			if pending[v.ID] > 0 {
				return nil, &SyncError{ID: v.ID, Reason: ErrCycle}
			}
		}
	}
	return ret, nil
}
