package order_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"qrdag/dag"
	"qrdag/models"
	"qrdag/order"
)

type statusMap map[models.VertexID]models.Status

func (m statusMap) Status(id models.VertexID) (models.Status, bool) {
	s, ok := m[id]
	return s, ok
}

func insert(t *testing.T, s *dag.Store, id string, ts uint64, parents ...models.VertexID) {
	t.Helper()
	require.NoError(t, s.Insert(models.NewVertex(models.VertexID(id), []byte(id), parents, ts)))
}

func allFinal(s *dag.Store) statusMap {
	vs, _ := s.GetAllVertices()
	m := statusMap{}
	for _, v := range vs {
		m[v.ID] = models.Final
	}
	return m
}

func indexOf(ids []models.VertexID) map[models.VertexID]int {
	m := make(map[models.VertexID]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}

func TestLinearizeChain(t *testing.T) {
	s := dag.NewStore()
	insert(t, s, "A", 3)
	insert(t, s, "B", 2, "A")
	insert(t, s, "C", 1, "B")

	got, err := order.Linearize(s, allFinal(s))
	require.NoError(t, err)
	// causality wins over timestamps
	require.Equal(t, []models.VertexID{"A", "B", "C"}, got)
}

func TestLinearizeDiamondRespectsCausality(t *testing.T) {
	s := dag.NewStore()
	insert(t, s, "R", 1)
	insert(t, s, "B", 5, "R")
	insert(t, s, "A", 5, "R")
	insert(t, s, "M", 2, "A", "B")

	got, err := order.Linearize(s, allFinal(s))
	require.NoError(t, err)
	require.Equal(t, []models.VertexID{"R", "A", "B", "M"}, got)

	vs, _ := s.GetAllVertices()
	pos := indexOf(got)
	for _, v := range vs {
		for _, p := range v.Parents {
			require.Less(t, pos[p], pos[v.ID])
		}
	}
}

func TestLinearizeTieBreaksOnTimestamp(t *testing.T) {
	s := dag.NewStore()
	insert(t, s, "X", 9)
	insert(t, s, "Y", 4)
	insert(t, s, "Z", 4)

	got, err := order.Linearize(s, allFinal(s))
	require.NoError(t, err)
	require.Equal(t, []models.VertexID{"Y", "Z", "X"}, got)
}

func TestLinearizeOnlyFinal(t *testing.T) {
	s := dag.NewStore()
	insert(t, s, "A", 1)
	insert(t, s, "B", 2, "A")
	insert(t, s, "C", 3, "A")

	st := statusMap{"A": models.Final, "B": models.Accepted, "C": models.Rejected}
	got, err := order.Linearize(s, st)
	require.NoError(t, err)
	require.Equal(t, []models.VertexID{"A"}, got)

	got, err = order.Linearize(dag.NewStore(), statusMap{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWriteDOT(t *testing.T) {
	s := dag.NewStore()
	insert(t, s, "A", 1)
	insert(t, s, "B", 2, "A")

	var buf bytes.Buffer
	require.NoError(t, order.WriteDOT(&buf, s, allFinal(s)))
	require.Contains(t, buf.String(), "digraph")
	require.Contains(t, buf.String(), `"A" -> "B"`)
}
