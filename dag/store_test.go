package dag_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"qrdag/dag"
	"qrdag/models"
)

func vtx(id string, parents ...string) *models.Vertex {
	ps := make([]models.VertexID, len(parents))
	for i, p := range parents {
		ps[i] = models.VertexID(p)
	}
	return models.NewVertex(models.VertexID(id), []byte(id), ps, 0)
}

func TestInsertUpdatesTips(t *testing.T) {
	s := dag.NewStore()
	require.Empty(t, s.Tips())

	require.NoError(t, s.Insert(vtx("R")))
	require.Equal(t, []models.VertexID{"R"}, s.Tips())

	require.NoError(t, s.Insert(vtx("A", "R")))
	require.NoError(t, s.Insert(vtx("B", "R")))
	require.Equal(t, []models.VertexID{"A", "B"}, s.Tips())

	require.NoError(t, s.Insert(vtx("M", "A", "B")))
	require.Equal(t, []models.VertexID{"M"}, s.Tips())
	require.Equal(t, 4, s.Len())
	require.Equal(t, []models.VertexID{"A", "B"}, s.Children("R"))
}

func TestInsertMissingParent(t *testing.T) {
	s := dag.NewStore()
	err := s.Insert(vtx("C", "NOPE"))
	require.ErrorIs(t, err, dag.ErrParentNotFound)

	var verr *dag.VertexError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, models.VertexID("C"), verr.ID)
	require.Equal(t, models.VertexID("NOPE"), verr.Ref)
	require.False(t, s.Contains("C"))
	require.Empty(t, s.Tips())
}

func TestInsertSelfReference(t *testing.T) {
	s := dag.NewStore()
	require.NoError(t, s.Insert(vtx("R")))
	err := s.Insert(vtx("X", "R", "X"))
	require.ErrorIs(t, err, dag.ErrSelfReference)
	require.False(t, s.Contains("X"))
	require.Equal(t, []models.VertexID{"R"}, s.Tips())
}

func TestInsertDuplicateIsFork(t *testing.T) {
	s := dag.NewStore()
	require.NoError(t, s.Insert(vtx("A")))
	require.NoError(t, s.Insert(vtx("B", "A")))

	fork := models.NewVertex("A", []byte("other"), nil, 9)
	require.ErrorIs(t, s.Insert(fork), dag.ErrDuplicateID)

	got, ok := s.Get("A")
	require.True(t, ok)
	require.Equal(t, []byte("A"), got.Payload)
	require.Equal(t, []models.VertexID{"B"}, s.Tips())
}

func TestGetReturnsCopy(t *testing.T) {
	s := dag.NewStore()
	require.NoError(t, s.Insert(vtx("A")))
	got, _ := s.Get("A")
	got.Payload[0] = 'Z'
	again, _ := s.Get("A")
	require.Equal(t, []byte("A"), again.Payload)
}

func TestAncestorsAndOrder(t *testing.T) {
	s := dag.NewStore()
	for _, v := range []*models.Vertex{vtx("R"), vtx("A", "R"), vtx("B", "R"), vtx("M", "A", "B"), vtx("X")} {
		require.NoError(t, s.Insert(v))
	}
	require.ElementsMatch(t, []models.VertexID{"A", "B", "R"}, s.Ancestors("M"))
	require.True(t, s.IsAncestor("R", "M"))
	require.False(t, s.IsAncestor("X", "M"))
	require.Nil(t, s.Ancestors("unknown"))

	all, err := s.GetAllVertices()
	require.NoError(t, err)
	ids := make([]models.VertexID, len(all))
	for i, v := range all {
		ids[i] = v.ID
	}
	require.Equal(t, []models.VertexID{"R", "A", "B", "M", "X"}, ids)
	require.Equal(t, []models.VertexID{"NOPE"}, s.MissingParents(vtx("Q", "R", "NOPE")))
}
