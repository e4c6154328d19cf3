package consensus

import (
	"context"
	"fmt"

	"qrdag/models"
)

type PeerID string

// Query asks peers which of Vertex and its Conflicts they currently prefer
type Query struct {
	Vertex    models.VertexID
	Conflicts []models.VertexID
}

// PeerOpinion is one sampled answer. An empty Preferred means the peer abstained.
type PeerOpinion struct {
	Peer      PeerID
	Preferred models.VertexID
}

// VotingOracle samples up to n peers. It is supplied by the networking layer.
type VotingOracle interface {
	SamplePeers(ctx context.Context, n int, q Query) ([]PeerOpinion, error)
}

// OracleFunc adapts a function to VotingOracle
type OracleFunc func(ctx context.Context, n int, q Query) ([]PeerOpinion, error)

func (f OracleFunc) SamplePeers(ctx context.Context, n int, q Query) ([]PeerOpinion, error) {
	return f(ctx, n, q)
}

// LocalOracle answers on behalf of n local peers, all preferring the earliest
// admitted candidate by (timestamp, id). This is first-committed-wins without
// any network round.
type LocalOracle struct {
	graph Graph
}

func NewLocalOracle(graph Graph) *LocalOracle {
	return &LocalOracle{graph: graph}
}

func (o *LocalOracle) SamplePeers(ctx context.Context, n int, q Query) ([]PeerOpinion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	best, ok := o.graph.Get(q.Vertex)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVertex, q.Vertex)
	}
	for _, cid := range q.Conflicts {
		c, ok := o.graph.Get(cid)
		if !ok {
			continue
		}
		if c.Timestamp < best.Timestamp || (c.Timestamp == best.Timestamp && c.ID < best.ID) {
			best = c
		}
	}
	ret := make([]PeerOpinion, n)
	for i := range ret {
		ret[i] = PeerOpinion{Peer: PeerID(fmt.Sprintf("local-%d", i)), Preferred: best.ID}
	}
	return ret, nil
}
