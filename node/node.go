// Package node wires the DAG store, the consensus engine and the ingestion
// pipeline into one replica and exposes its public operations.
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"qrdag/auth"
	"qrdag/conflict"
	"qrdag/consensus"
	"qrdag/dag"
	"qrdag/logger"
	"qrdag/metrics"
	"qrdag/models"
	"qrdag/order"
	"qrdag/pipeline"
	"qrdag/repository"
	"qrdag/statesync"
	"qrdag/tips"
)

var ErrNoRepository = errors.New("node has no repository")

type Options struct {
	Consensus     consensus.Config
	MaxConcurrent int
	Detector      conflict.Detector
	Oracle        consensus.VotingOracle // defaults to consensus.LocalOracle
	Verifier      auth.Verifier          // defaults to auth.AcceptAll
	Repository    repository.VertexRepositoryInterface
	Registerer    prometheus.Registerer
	// SweepInterval is how often stale decisions are rejected. Zero means
	// the finality timeout; negative disables the sweeper.
	SweepInterval time.Duration
	Now           func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Consensus:     consensus.DefaultConfig(),
		MaxConcurrent: pipeline.DefaultMaxConcurrent,
		Detector:      conflict.ParentOverlap{},
	}
}

// Node is a single replica
type Node struct {
	store    *dag.Store
	engine   *consensus.Engine
	pipe     *pipeline.Pipeline
	verifier auth.Verifier
	repo     repository.VertexRepositoryInterface
	metrics  *metrics.Metrics
	selector *tips.Selector
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) (*Node, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.AcceptAll{}
	}
	m := metrics.New(opts.Registerer)
	store := dag.NewStore()

	engineOpts := []consensus.Option{consensus.WithMetrics(m), consensus.WithClock(opts.Now)}
	if opts.Oracle != nil {
		engineOpts = append(engineOpts, consensus.WithOracle(opts.Oracle))
	}
	engine, err := consensus.NewEngine(opts.Consensus, store, engineOpts...)
	if err != nil {
		return nil, err
	}

	var recorder pipeline.Recorder
	if opts.Repository != nil {
		recorder = opts.Repository
	}
	pipe := pipeline.New(store, engine, pipeline.Options{
		MaxConcurrent: opts.MaxConcurrent,
		Detector:      opts.Detector,
		Verifier:      opts.Verifier,
		Recorder:      recorder,
		Metrics:       m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		store:    store,
		engine:   engine,
		pipe:     pipe,
		verifier: opts.Verifier,
		repo:     opts.Repository,
		metrics:  m,
		selector: tips.NewSelector(),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = opts.Consensus.FinalityTimeout
	}
	if interval > 0 {
		n.wg.Add(1)
		go n.sweeper(interval)
	}
	return n, nil
}

func (n *Node) sweeper(interval time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if swept := n.engine.Sweep(n.now()); swept > 0 {
				logger.Logger.Info("Sweeper rejected stale vertices", zap.Int("count", swept))
			}
		}
	}
}

// Submit admits msg and waits for the consensus engine to process it
func (n *Node) Submit(ctx context.Context, msg *models.Message) error {
	return n.pipe.Submit(ctx, msg)
}

// AddVertex submits v through the pipeline, bound to the node lifetime
func (n *Node) AddVertex(v *models.Vertex) error {
	return n.pipe.Submit(n.ctx, models.MessageFromVertex(v))
}

// AddMessage admits payload as a genesis vertex identified by its content id
func (n *Node) AddMessage(payload []byte) (models.VertexID, error) {
	id := models.DeriveID(payload)
	v := models.NewVertex(id, payload, nil, uint64(n.now().UnixMilli()))
	return id, n.AddVertex(v)
}

func (n *Node) ContainsMessage(payload []byte) bool {
	return n.store.Contains(models.DeriveID(payload))
}

func (n *Node) VerifyMessage(payload, publicKey []byte) bool {
	return n.verifier.Verify(payload, publicKey)
}

// Confidence returns the consensus status of id, false if the engine never saw it
func (n *Node) Confidence(id models.VertexID) (models.Status, bool) {
	return n.engine.Status(id)
}

func (n *Node) ConfidenceDetail(id models.VertexID) (consensus.Confidence, bool) {
	return n.engine.Confidence(id)
}

func (n *Node) Vertex(id models.VertexID) (*models.Vertex, bool) {
	return n.store.Get(id)
}

func (n *Node) Conflicts(id models.VertexID) []models.VertexID {
	return n.engine.Conflicts(id)
}

// Tips returns the live frontier, sorted
func (n *Node) Tips() []models.VertexID {
	ret, err := tips.Frontier(n.store, n.engine)
	if err != nil {
		logger.Logger.Error("Failed computing tips", zap.Error(err))
		return nil
	}
	return ret
}

// SelectParents picks up to count tips for a new vertex to approve
func (n *Node) SelectParents(count int) ([]models.VertexID, error) {
	return n.selector.Select(n.store, n.engine, count)
}

// TotalOrder linearizes the finalized vertices
func (n *Node) TotalOrder() ([]models.VertexID, error) {
	return order.Linearize(n.store, n.engine)
}

// WriteDOT renders the finalized graph for Graphviz
func (n *Node) WriteDOT(w io.Writer) error {
	return order.WriteDOT(w, n.store, n.engine)
}

// SyncState merges the vertices of remote into this node
func (n *Node) SyncState(ctx context.Context, remote *Node) error {
	return statesync.SyncState(ctx, n, remote.store)
}

// SyncFrom merges the vertices of any source, e.g. a repository snapshot
func (n *Node) SyncFrom(ctx context.Context, src statesync.Source) error {
	return statesync.SyncState(ctx, n, src)
}

// Restore replays the repository snapshot into an empty or partial node
func (n *Node) Restore(ctx context.Context) error {
	if n.repo == nil {
		return ErrNoRepository
	}
	return n.SyncFrom(ctx, n.repo)
}

func (n *Node) Get(id models.VertexID) (*models.Vertex, bool) {
	return n.store.Get(id)
}

func (n *Node) Status(id models.VertexID) (models.Status, bool) {
	return n.engine.Status(id)
}

func (n *Node) Import(ctx context.Context, vertices []*models.Vertex) error {
	return n.pipe.Import(ctx, vertices)
}

func (n *Node) Reconcile(ctx context.Context) error {
	return n.engine.Sync(ctx)
}

// Checkpoint records the current frontier and the number of finalized vertices
func (n *Node) Checkpoint() (*models.Checkpoint, error) {
	if n.repo == nil {
		return nil, ErrNoRepository
	}
	vertices, err := n.store.GetAllVertices()
	if err != nil {
		return nil, err
	}
	finalized := 0
	for _, v := range vertices {
		if st, ok := n.engine.Status(v.ID); ok && st == models.Final {
			finalized++
		}
	}
	frontier := n.Tips()
	ts := n.now().UnixMilli()

	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	for _, id := range frontier {
		buf = append(buf, id.String()...)
		buf = append(buf, 0)
	}
	cp := &models.Checkpoint{
		ID:        models.DeriveID(buf).String(),
		Tips:      frontier,
		Finalized: finalized,
		Timestamp: ts,
	}
	if err := n.repo.PutCheckpoint(cp); err != nil {
		return nil, err
	}
	logger.Logger.Info("Checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("tips", len(cp.Tips)),
		zap.Int("finalized", cp.Finalized))
	return cp, nil
}

func (n *Node) LatestCheckpoint() (*models.Checkpoint, error) {
	if n.repo == nil {
		return nil, ErrNoRepository
	}
	return n.repo.GetLatestCheckpoint()
}

// Len returns the number of admitted vertices
func (n *Node) Len() int {
	return n.store.Len()
}

func (n *Node) InFlight() int {
	return n.pipe.InFlight()
}

func (n *Node) ByzantineVoters() []consensus.PeerID {
	return n.engine.ByzantineVoters()
}

// Close stops the sweeper and shuts the pipeline down. Pending submissions
// return pipeline.ErrChannelClosed.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.pipe.Close()
		n.cancel()
		close(n.done)
		n.wg.Wait()
		logger.Logger.Info("Node closed")
	})
}
