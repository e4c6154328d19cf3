package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"qrdag/auth"
	"qrdag/conflict"
	"qrdag/consensus"
	"qrdag/dag"
	"qrdag/models"
	"qrdag/pipeline"
)

type fixture struct {
	store  *dag.Store
	engine *consensus.Engine
	pipe   *pipeline.Pipeline
}

func newFixture(t *testing.T, opts pipeline.Options) *fixture {
	t.Helper()
	store := dag.NewStore()
	engine, err := consensus.NewEngine(consensus.DefaultConfig(), store)
	require.NoError(t, err)
	p := pipeline.New(store, engine, opts)
	t.Cleanup(p.Close)
	return &fixture{store: store, engine: engine, pipe: p}
}

func msg(id string, parents ...string) *models.Message {
	ps := make([]models.VertexID, len(parents))
	for i, p := range parents {
		ps[i] = models.VertexID(p)
	}
	return &models.Message{ID: models.VertexID(id), Payload: []byte("payload-" + id), Parents: ps}
}

func (f *fixture) submit(t *testing.T, m *models.Message) {
	t.Helper()
	require.NoError(t, f.pipe.Submit(context.Background(), m))
}

func (f *fixture) requireClean(t *testing.T) {
	t.Helper()
	processing, conflicts := f.pipe.Pending()
	require.Zero(t, processing)
	require.Zero(t, conflicts)
	require.Zero(t, f.pipe.InFlight())
}

func TestSubmitChainAndFork(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.submit(t, msg("A"))
	st, _ := f.engine.Status("A")
	require.Equal(t, models.Final, st)

	f.submit(t, msg("B", "A"))
	f.submit(t, msg("C", "B"))
	require.Equal(t, []models.VertexID{"C"}, f.store.Tips())

	err := f.pipe.Submit(context.Background(), msg("A"))
	require.ErrorIs(t, err, dag.ErrDuplicateID)
	require.False(t, errors.Is(err, pipeline.ErrConflictDetected))
	require.Equal(t, []models.VertexID{"C"}, f.store.Tips())
	st, _ = f.engine.Status("A")
	require.Equal(t, models.Final, st)
	f.requireClean(t)
}

func TestSubmitMissingParent(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	err := f.pipe.Submit(context.Background(), msg("C", "NOPE"))
	require.ErrorIs(t, err, dag.ErrParentNotFound)

	var verr *dag.VertexError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, models.VertexID("NOPE"), verr.Ref)
	require.False(t, f.store.Contains("C"))
	_, seen := f.engine.Status("C")
	require.False(t, seen)
	f.requireClean(t)
}

func TestSubmitSelfReference(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.submit(t, msg("R"))
	err := f.pipe.Submit(context.Background(), msg("X", "R", "X"))
	require.ErrorIs(t, err, dag.ErrSelfReference)
	require.False(t, f.store.Contains("X"))
}

func TestSubmitConflictCarriesIDs(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.submit(t, msg("R"))
	f.submit(t, msg("A", "R"))

	err := f.pipe.Submit(context.Background(), msg("B", "R"))
	require.ErrorIs(t, err, pipeline.ErrConflictDetected)
	var cerr *pipeline.ConflictError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, models.VertexID("B"), cerr.ID)
	require.Equal(t, []models.VertexID{"A"}, cerr.Conflicts)
	require.False(t, f.store.Contains("B"))
	f.requireClean(t)

	// the loser resubmits on top of the winner
	f.submit(t, msg("B", "A"))
	st, _ := f.engine.Status("B")
	require.Equal(t, models.Final, st)
}

func TestEquivocationPolicyAllowsParallelBranches(t *testing.T) {
	f := newFixture(t, pipeline.Options{Detector: conflict.Equivocation{}})
	f.submit(t, msg("R"))
	f.submit(t, msg("A", "R"))
	f.submit(t, msg("B", "R"))
	f.submit(t, msg("M", "A", "B"))
	require.Equal(t, []models.VertexID{"M"}, f.store.Tips())
	for _, id := range []models.VertexID{"R", "A", "B", "M"} {
		st, _ := f.engine.Status(id)
		require.Equal(t, models.Final, st, id)
	}

	replay := &models.Message{ID: "A2", Payload: []byte("payload-A"), Parents: []models.VertexID{"R"}}
	require.ErrorIs(t, f.pipe.Submit(context.Background(), replay), pipeline.ErrConflictDetected)
}

func TestSubmitInvalidSignature(t *testing.T) {
	f := newFixture(t, pipeline.Options{Verifier: auth.VerifierFunc(func(payload, key []byte) bool {
		return string(key) == "trusted"
	})})
	m := msg("A")
	err := f.pipe.Submit(context.Background(), m)
	require.ErrorIs(t, err, dag.ErrInvalidSignature)
	require.False(t, f.store.Contains("A"))

	m.PublicKey = []byte("trusted")
	f.submit(t, m)
	f.requireClean(t)
}

func TestConcurrentSubmissionsRespectBound(t *testing.T) {
	var current, peak atomic.Int64
	verifier := auth.VerifierFunc(func([]byte, []byte) bool {
		n := current.Inc()
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Dec()
		return true
	})
	f := newFixture(t, pipeline.Options{MaxConcurrent: 2, Verifier: verifier})

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		m := msg(fmt.Sprintf("G%02d", i))
		g.Go(func() error {
			return f.pipe.Submit(context.Background(), m)
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 20, f.store.Len())
	require.LessOrEqual(t, peak.Load(), int64(2))
	f.requireClean(t)
}

func TestConcurrentConflictsFirstCommittedWins(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.submit(t, msg("R"))

	var wg sync.WaitGroup
	var wins, losses atomic.Int64
	for i := 0; i < 16; i++ {
		m := msg(fmt.Sprintf("C%02d", i), "R")
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.pipe.Submit(context.Background(), m)
			switch {
			case err == nil:
				wins.Inc()
			case errors.Is(err, pipeline.ErrConflictDetected):
				losses.Inc()
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), wins.Load())
	require.Equal(t, int64(15), losses.Load())
	require.Equal(t, 2, f.store.Len())
	f.requireClean(t)
}

func TestSubmitBlocksInsteadOfDropping(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	verifier := auth.VerifierFunc(func(payload, _ []byte) bool {
		if string(payload) == "payload-slow" {
			entered <- struct{}{}
			<-release
		}
		return true
	})
	f := newFixture(t, pipeline.Options{MaxConcurrent: 1, Verifier: verifier})

	done := make(chan error, 1)
	go func() { done <- f.pipe.Submit(context.Background(), msg("slow")) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.pipe.Submit(ctx, msg("fast")), context.DeadlineExceeded)
	require.False(t, f.store.Contains("fast"))

	queued := make(chan error, 1)
	go func() { queued <- f.pipe.Submit(context.Background(), msg("queued")) }()
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-queued)
	require.True(t, f.store.Contains("queued"))
	f.requireClean(t)
}

func TestCloseRejectsAndReleasesWaiters(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	verifier := auth.VerifierFunc(func(payload, _ []byte) bool {
		if string(payload) == "payload-slow" {
			entered <- struct{}{}
			<-release
		}
		return true
	})
	f := newFixture(t, pipeline.Options{MaxConcurrent: 1, Verifier: verifier})

	go func() { _ = f.pipe.Submit(context.Background(), msg("slow")) }()
	<-entered

	waiting := make(chan error, 1)
	go func() { waiting <- f.pipe.Submit(context.Background(), msg("waiting")) }()
	time.Sleep(10 * time.Millisecond)

	f.pipe.Close()
	require.ErrorIs(t, <-waiting, pipeline.ErrChannelClosed)
	close(release)

	err := f.pipe.Submit(context.Background(), msg("late"))
	require.True(t, pipeline.IsClosed(err))
	require.ErrorIs(t, f.pipe.Import(context.Background(), nil), pipeline.ErrChannelClosed)
}

func TestImportRegistersConflicts(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.submit(t, msg("R"))
	f.submit(t, msg("A", "R"))

	b := models.NewVertex("B", []byte("b"), []models.VertexID{"R"}, 5)
	c := models.NewVertex("C", []byte("c"), []models.VertexID{"B"}, 6)
	a, _ := f.store.Get("A")
	require.NoError(t, f.pipe.Import(context.Background(), []*models.Vertex{a, b, c}))

	require.True(t, f.store.Contains("B"))
	require.True(t, f.store.Contains("C"))
	require.Equal(t, []models.VertexID{"A"}, f.engine.Conflicts("B"))
	require.Equal(t, []models.VertexID{"B"}, f.engine.Conflicts("A"))

	require.NoError(t, f.engine.Sync(context.Background()))
	st, _ := f.engine.Status("B")
	require.Equal(t, models.Rejected, st)
	st, _ = f.engine.Status("C")
	require.Equal(t, models.Rejected, st)
	st, _ = f.engine.Status("A")
	require.Equal(t, models.Final, st)
}

type memRecorder struct {
	mu  sync.Mutex
	ids []models.VertexID
}

func (r *memRecorder) PutVertex(v *models.Vertex) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, v.ID)
	return nil
}

func TestRecorderSeesAdmittedVertices(t *testing.T) {
	rec := &memRecorder{}
	f := newFixture(t, pipeline.Options{Recorder: rec})
	f.submit(t, msg("A"))
	require.Error(t, f.pipe.Submit(context.Background(), msg("B", "NOPE")))
	f.submit(t, msg("B", "A"))
	require.Equal(t, []models.VertexID{"A", "B"}, rec.ids)
}

// orderedRecorder fails when a vertex is recorded before one of its parents
type orderedRecorder struct {
	t    *testing.T
	mu   sync.Mutex
	seen map[models.VertexID]bool
}

func (r *orderedRecorder) PutVertex(v *models.Vertex) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range v.Parents {
		if !r.seen[p] {
			r.t.Errorf("%s recorded before its parent %s", v.ID, p)
		}
	}
	r.seen[v.ID] = true
	return nil
}

func TestRecorderSeesParentsFirstUnderConcurrency(t *testing.T) {
	rec := &orderedRecorder{t: t, seen: make(map[models.VertexID]bool)}
	f := newFixture(t, pipeline.Options{Detector: conflict.Equivocation{}, MaxConcurrent: 16, Recorder: rec})
	f.submit(t, msg("R"))

	var g errgroup.Group
	g.Go(func() error {
		return f.pipe.Submit(context.Background(), msg("P", "R"))
	})
	for i := 0; i < 8; i++ {
		m := msg(fmt.Sprintf("K%02d", i), "P")
		g.Go(func() error {
			for {
				err := f.pipe.Submit(context.Background(), m)
				if !errors.Is(err, dag.ErrParentNotFound) {
					return err
				}
				time.Sleep(50 * time.Microsecond)
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, rec.seen, 10)
}
