package consensus

import (
	"slices"

	"qrdag/models"
)

// VotingRecord remembers every peer's vote per vertex. It is not safe for
// concurrent use; the engine guards it with its own lock.
type VotingRecord struct {
	votes     map[models.VertexID]map[PeerID]bool
	byzantine map[PeerID]struct{}
}

func NewVotingRecord() *VotingRecord {
	return &VotingRecord{
		votes:     make(map[models.VertexID]map[PeerID]bool),
		byzantine: make(map[PeerID]struct{}),
	}
}

// Record stores a vote. A peer contradicting its earlier vote on the same
// vertex is flagged and ErrByzantineVoter is returned.
func (r *VotingRecord) Record(vertex models.VertexID, peer PeerID, vote bool) error {
	perVertex, ok := r.votes[vertex]
	if !ok {
		perVertex = make(map[PeerID]bool)
		r.votes[vertex] = perVertex
	}
	if prev, seen := perVertex[peer]; seen && prev != vote {
		r.byzantine[peer] = struct{}{}
		return ErrByzantineVoter
	}
	perVertex[peer] = vote
	return nil
}

func (r *VotingRecord) IsByzantine(peer PeerID) bool {
	_, ok := r.byzantine[peer]
	return ok
}

// Counts returns positive and negative votes recorded for vertex
func (r *VotingRecord) Counts(vertex models.VertexID) (positive, negative int) {
	for _, v := range r.votes[vertex] {
		if v {
			positive++
		} else {
			negative++
		}
	}
	return
}

func (r *VotingRecord) ByzantineVoters() []PeerID {
	ret := make([]PeerID, 0, len(r.byzantine))
	for p := range r.byzantine {
		ret = append(ret, p)
	}
	slices.Sort(ret)
	return ret
}

// Tolerates reports whether flagged peers stay below a third of participants
func (r *VotingRecord) Tolerates(participants int) bool {
	if participants < 3 {
		return false
	}
	return len(r.byzantine) < participants/3
}
