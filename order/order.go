// Package order linearizes the finalized part of the DAG.
package order

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"qrdag/models"
)

type Source interface {
	GetAllVertices() ([]*models.Vertex, error)
}

type Statuses interface {
	Status(id models.VertexID) (models.Status, bool)
}

func vertexHash(v *models.Vertex) models.VertexID {
	return v.ID
}

// Final builds the graph of Final vertices with an edge from every parent to
// its children
func Final(src Source, st Statuses) (graph.Graph[models.VertexID, *models.Vertex], error) {
	vertices, err := src.GetAllVertices()
	if err != nil {
		return nil, err
	}
	g := graph.New(vertexHash, graph.Directed(), graph.Acyclic())
	final := make(map[models.VertexID]struct{}, len(vertices))
	for _, v := range vertices {
		if s, ok := st.Status(v.ID); !ok || s != models.Final {
			continue
		}
		if err := g.AddVertex(v); err != nil {
			return nil, fmt.Errorf("add vertex %s: %w", v.ID, err)
		}
		final[v.ID] = struct{}{}
	}
	for _, v := range vertices {
		if _, ok := final[v.ID]; !ok {
			continue
		}
		for _, pid := range v.Parents {
			// a Final vertex only has Final parents; guard against stray input
			if _, ok := final[pid]; !ok {
				continue
			}
			if err := g.AddEdge(pid, v.ID); err != nil {
				return nil, fmt.Errorf("add edge %s -> %s: %w", pid, v.ID, err)
			}
		}
	}
	return g, nil
}

// Linearize returns the Final vertices in a total order that extends the
// causal order. Ties between unrelated vertices break on (timestamp, id), so
// every replica with the same Final set gets the same sequence.
func Linearize(src Source, st Statuses) ([]models.VertexID, error) {
	g, err := Final(src, st)
	if err != nil {
		return nil, err
	}
	less := func(a, b models.VertexID) bool {
		va, _ := g.Vertex(a)
		vb, _ := g.Vertex(b)
		if va.Timestamp != vb.Timestamp {
			return va.Timestamp < vb.Timestamp
		}
		return a < b
	}
	ret, err := graph.StableTopologicalSort(g, less)
	if err != nil {
		return nil, fmt.Errorf("linearize: %w", err)
	}
	return ret, nil
}

// WriteDOT renders the finalized graph in Graphviz DOT format
func WriteDOT(w io.Writer, src Source, st Statuses) error {
	g, err := Final(src, st)
	if err != nil {
		return err
	}
	return draw.DOT(g, w)
}
