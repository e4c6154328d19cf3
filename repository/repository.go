package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"qrdag/db"
	"qrdag/models"
)

const (
	vertexPrefix     = "vertex:"
	seqPrefix        = "seq:"
	checkpointPrefix = "checkpoint:"
)

var ErrVertexNotFound = errors.New("vertex not found in repository")

// It abstracts the storage layer from the business logic
type VertexRepositoryInterface interface {
	PutVertex(v *models.Vertex) error
	GetVertex(id models.VertexID) (*models.Vertex, error)
	GetAllVertices() ([]*models.Vertex, error)
	PutCheckpoint(cp *models.Checkpoint) error
	GetLatestCheckpoint() (*models.Checkpoint, error)
}

// VertexRepository snapshots admitted vertices into LevelDB. Vertices are also
// indexed by an admission sequence so they can be replayed parents first.
type VertexRepository struct {
	db *db.LevelDB

	mux  sync.Mutex
	next uint64
}

// NewVertexRepository creates a repository and resumes its admission sequence
func NewVertexRepository(ldb *db.LevelDB) (*VertexRepository, error) {
	r := &VertexRepository{db: ldb}
	iter := ldb.NewPrefixIterator([]byte(seqPrefix))
	defer iter.Release()
	if iter.Last() {
		key := iter.Key()
		if len(key) != len(seqPrefix)+8 {
			return nil, fmt.Errorf("malformed sequence key %q", key)
		}
		r.next = binary.BigEndian.Uint64(key[len(seqPrefix):]) + 1
	}
	return r, iter.Error()
}

func seqKey(n uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return seqPrefix + string(b[:])
}

// PutVertex stores a vertex once. Storing a present id again is a no-op.
func (r *VertexRepository) PutVertex(v *models.Vertex) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := vertexPrefix + v.ID.String()

	r.mux.Lock()
	defer r.mux.Unlock()

	exists, err := r.db.Has([]byte(key))
	if err != nil || exists {
		return err
	}
	if err := r.db.PutBatch(map[string][]byte{
		key:            data,
		seqKey(r.next): []byte(v.ID),
	}); err != nil {
		return err
	}
	r.next++
	return nil
}

// GetVertex retrieves a vertex from LevelDB storage by its ID
func (r *VertexRepository) GetVertex(id models.VertexID) (*models.Vertex, error) {
	data, err := r.db.Get([]byte(vertexPrefix + id.String()))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVertexNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var v models.Vertex
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetAllVertices returns every stored vertex in admission order
func (r *VertexRepository) GetAllVertices() ([]*models.Vertex, error) {
	iter := r.db.NewPrefixIterator([]byte(seqPrefix))
	defer iter.Release()

	var vertices []*models.Vertex
	for iter.Next() {
		v, err := r.GetVertex(models.VertexID(iter.Value()))
		if err != nil {
			return nil, err
		}
		vertices = append(vertices, v)
	}
	return vertices, iter.Error()
}

// Creates a new checkpoint by storing the current frontier of the DAG
func (r *VertexRepository) PutCheckpoint(cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(checkpointPrefix+cp.ID), data)
}

// Retrieves the most recent checkpoint, nil when none was stored
func (r *VertexRepository) GetLatestCheckpoint() (*models.Checkpoint, error) {
	iter := r.db.NewPrefixIterator([]byte(checkpointPrefix))
	defer iter.Release()

	var latest *models.Checkpoint
	for iter.Next() {
		var cp models.Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, err
		}
		if latest == nil || cp.Timestamp > latest.Timestamp {
			latest = &cp
		}
	}
	return latest, iter.Error()
}
