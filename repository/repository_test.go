package repository_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"qrdag/db"
	"qrdag/models"
	"qrdag/repository"
)

func newRepo(t *testing.T) *repository.VertexRepository {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	repo, err := repository.NewVertexRepository(ldb)
	require.NoError(t, err)
	return repo
}

func TestPutAndGetVertex(t *testing.T) {
	repo := newRepo(t)
	v := models.NewVertex("B", []byte("b"), []models.VertexID{"A"}, 7)
	require.NoError(t, repo.PutVertex(v))

	got, err := repo.GetVertex("B")
	require.NoError(t, err)
	require.True(t, v.SameContent(got))

	_, err = repo.GetVertex("missing")
	require.ErrorIs(t, err, repository.ErrVertexNotFound)
}

func TestGetAllVerticesKeepsAdmissionOrder(t *testing.T) {
	repo := newRepo(t)
	ids := []models.VertexID{"z", "a", "m"}
	var parent []models.VertexID
	for _, id := range ids {
		require.NoError(t, repo.PutVertex(models.NewVertex(id, []byte(id), parent, 1)))
		parent = []models.VertexID{id}
	}
	// duplicates are ignored
	require.NoError(t, repo.PutVertex(models.NewVertex("z", []byte("z"), nil, 1)))

	all, err := repo.GetAllVertices()
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, v := range all {
		require.Equal(t, ids[i], v.ID)
	}
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ldb, err := db.NewLevelDB(path)
	require.NoError(t, err)
	repo, err := repository.NewVertexRepository(ldb)
	require.NoError(t, err)
	require.NoError(t, repo.PutVertex(models.NewVertex("A", []byte("a"), nil, 1)))
	require.NoError(t, ldb.Close())

	ldb, err = db.NewLevelDB(path)
	require.NoError(t, err)
	defer ldb.Close()
	repo, err = repository.NewVertexRepository(ldb)
	require.NoError(t, err)
	require.NoError(t, repo.PutVertex(models.NewVertex("B", []byte("b"), []models.VertexID{"A"}, 2)))

	all, err := repo.GetAllVertices()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, models.VertexID("A"), all[0].ID)
	require.Equal(t, models.VertexID("B"), all[1].ID)
}

func TestLatestCheckpoint(t *testing.T) {
	repo := newRepo(t)
	cp, err := repo.GetLatestCheckpoint()
	require.NoError(t, err)
	require.Nil(t, cp)

	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "one", Tips: []models.VertexID{"A"}, Timestamp: 10}))
	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "two", Tips: []models.VertexID{"B"}, Timestamp: 20}))
	require.NoError(t, repo.PutCheckpoint(&models.Checkpoint{ID: "three", Tips: []models.VertexID{"C"}, Timestamp: 15}))

	cp, err = repo.GetLatestCheckpoint()
	require.NoError(t, err)
	require.Equal(t, "two", cp.ID)
	require.Equal(t, []models.VertexID{"B"}, cp.Tips)

	// checkpoints never show up as vertices
	all, err := repo.GetAllVertices()
	require.NoError(t, err)
	require.Empty(t, all)
}
