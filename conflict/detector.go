// Package conflict finds admitted vertices competing with a candidate for the
// same causal slot. The default ParentOverlap policy refuses any sibling of an
// admitted vertex, so independent branches off one parent need Equivocation.
package conflict

import (
	"bytes"
	"fmt"
	"slices"

	"qrdag/models"
)

// Index is the read side of the DAG store the detectors need
type Index interface {
	Get(id models.VertexID) (*models.Vertex, bool)
	Children(id models.VertexID) []models.VertexID
}

// Detector returns the ids of admitted vertices that conflict with candidate,
// sorted. An empty result means no conflict.
type Detector interface {
	Detect(candidate *models.Vertex, idx Index) []models.VertexID
}

const (
	PolicyOverlap      = "overlap"
	PolicyEquivocation = "equivocation"
)

// ParentOverlap treats any two vertices that reference a common parent as
// conflicting. It may flag independent vertices that only share a parent.
type ParentOverlap struct{}

func (ParentOverlap) Detect(candidate *models.Vertex, idx Index) []models.VertexID {
	return collect(candidate, idx, func(*models.Vertex) bool { return true })
}

// Equivocation only flags vertices sharing a parent that also carry the same
// payload under a different id, i.e. the same write issued twice on one slot.
type Equivocation struct{}

func (Equivocation) Detect(candidate *models.Vertex, idx Index) []models.VertexID {
	return collect(candidate, idx, func(other *models.Vertex) bool {
		return bytes.Equal(other.Payload, candidate.Payload)
	})
}

func collect(candidate *models.Vertex, idx Index, match func(*models.Vertex) bool) []models.VertexID {
	var ret []models.VertexID
	for _, pid := range candidate.Parents {
		for _, sibling := range idx.Children(pid) {
			if sibling == candidate.ID || slices.Contains(ret, sibling) {
				continue
			}
			other, ok := idx.Get(sibling)
			if !ok || !match(other) {
				continue
			}
			ret = append(ret, sibling)
		}
	}
	slices.Sort(ret)
	return ret
}

// ForPolicy returns the detector registered under name. Empty name means overlap.
func ForPolicy(name string) (Detector, error) {
	switch name {
	case "", PolicyOverlap:
		return ParentOverlap{}, nil
	case PolicyEquivocation:
		return Equivocation{}, nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}
