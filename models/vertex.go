package models

import (
	"bytes"
	"encoding/hex"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// VertexID identifies a vertex. Two vertices with the same id are the same vertex.
type VertexID string

func (id VertexID) String() string {
	return string(id)
}

// DeriveID returns the content id of the given bytes (hex encoded BLAKE2b-256)
func DeriveID(content []byte) VertexID {
	sum := blake2b.Sum256(content)
	return VertexID(hex.EncodeToString(sum[:]))
}

type Vertex struct {
	ID        VertexID   `json:"id"`        // content id
	Payload   []byte     `json:"payload"`   // opaque, already authenticated
	Parents   []VertexID `json:"parents"`   // sorted, no duplicates
	Timestamp uint64     `json:"timestamp"` // unix timestamp in ms
}

// NewVertex builds a vertex, normalizing the parent list into a sorted set
func NewVertex(id VertexID, payload []byte, parents []VertexID, timestamp uint64) *Vertex {
	return &Vertex{
		ID:        id,
		Payload:   payload,
		Parents:   NormalizeParents(parents),
		Timestamp: timestamp,
	}
}

// NormalizeParents sorts and dedups parent ids. A nil or empty input yields nil.
func NormalizeParents(parents []VertexID) []VertexID {
	if len(parents) == 0 {
		return nil
	}
	ret := slices.Clone(parents)
	slices.Sort(ret)
	return slices.Compact(ret)
}

func (v *Vertex) IsGenesis() bool {
	return len(v.Parents) == 0
}

func (v *Vertex) HasParent(id VertexID) bool {
	_, found := slices.BinarySearch(v.Parents, id)
	return found
}

// SharesParentWith reports whether both vertices reference at least one common parent
func (v *Vertex) SharesParentWith(other *Vertex) bool {
	for _, p := range other.Parents {
		if v.HasParent(p) {
			return true
		}
	}
	return false
}

// SameContent reports whether two vertices carry identical payload, parents and timestamp
func (v *Vertex) SameContent(other *Vertex) bool {
	return v.ID == other.ID &&
		v.Timestamp == other.Timestamp &&
		bytes.Equal(v.Payload, other.Payload) &&
		slices.Equal(v.Parents, other.Parents)
}

func (v *Vertex) Clone() *Vertex {
	return &Vertex{
		ID:        v.ID,
		Payload:   bytes.Clone(v.Payload),
		Parents:   slices.Clone(v.Parents),
		Timestamp: v.Timestamp,
	}
}
