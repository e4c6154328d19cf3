// Package pipeline is the ingestion path of the DAG and the only writer of the
// DAG store. A submission validates parents, checks for conflicts, is admitted
// and finally handed to the consensus engine.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"qrdag/auth"
	"qrdag/conflict"
	"qrdag/consensus"
	"qrdag/dag"
	"qrdag/logger"
	"qrdag/metrics"
	"qrdag/models"
)

const DefaultMaxConcurrent = 100

// Recorder receives every admitted vertex, e.g. a snapshot repository.
// Recorder failures are logged and do not fail the submission.
type Recorder interface {
	PutVertex(v *models.Vertex) error
}

type Options struct {
	MaxConcurrent int
	Detector      conflict.Detector
	Verifier      auth.Verifier
	Recorder      Recorder
	Metrics       *metrics.Metrics
}

type Pipeline struct {
	store    *dag.Store
	engine   *consensus.Engine
	detector conflict.Detector
	verifier auth.Verifier
	recorder Recorder
	metrics  *metrics.Metrics

	slots    *semaphore.Weighted
	writeMux sync.Mutex
	state    *processingState
	inFlight atomic.Int64

	closed    atomic.Bool
	shutdown  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(store *dag.Store, engine *consensus.Engine, opts Options) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Detector == nil {
		opts.Detector = conflict.ParentOverlap{}
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.AcceptAll{}
	}
	shutdown, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:    store,
		engine:   engine,
		detector: opts.Detector,
		verifier: opts.Verifier,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		state:    newProcessingState(),
		shutdown: shutdown,
		cancel:   cancel,
	}
}

// Submit admits msg into the DAG and returns once the consensus engine has
// processed it. It blocks while all processing slots are taken.
func (p *Pipeline) Submit(ctx context.Context, msg *models.Message) error {
	ctx, cancel := p.bind(ctx)
	defer cancel()

	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	v := msg.Vertex()
	if !p.state.begin(v.ID) {
		return &dag.VertexError{Err: dag.ErrDuplicateID, ID: v.ID}
	}
	defer p.state.end(v.ID)

	if !p.verifier.Verify(msg.Payload, msg.PublicKey) {
		return &dag.VertexError{Err: dag.ErrInvalidSignature, ID: v.ID}
	}
	if err := p.admit(v); err != nil {
		logger.Logger.Info("Submission refused",
			zap.String("vertex_id", v.ID.String()), zap.Error(err))
		return err
	}

	status, err := p.engine.ProcessVertex(ctx, v.ID)
	if err != nil {
		logger.Logger.Warn("Consensus update failed",
			zap.String("vertex_id", v.ID.String()), zap.Error(err))
		return err
	}
	logger.Logger.Info("Admitted vertex",
		zap.String("vertex_id", v.ID.String()),
		zap.Int("parents", len(v.Parents)),
		zap.Stringer("status", status))
	return nil
}

// admit runs parent validation, conflict detection, insertion and recording
// under the writer lock so that the first committed of two conflicting
// vertices wins and the recorder sees admission order
func (p *Pipeline) admit(v *models.Vertex) error {
	p.writeMux.Lock()
	defer p.writeMux.Unlock()

	if err := p.store.Validate(v); err != nil {
		return err
	}
	if conflicts := p.detector.Detect(v, p.store); len(conflicts) > 0 {
		p.state.setConflicts(v.ID, conflicts)
		p.metrics.Conflict()
		return &ConflictError{ID: v.ID, Conflicts: conflicts}
	}
	if err := p.store.Insert(v); err != nil {
		return err
	}
	p.record(v)
	return nil
}

// Import merges vertices from a replica, parents first. Unlike Submit it does
// not refuse conflicting vertices; it registers the conflicts with the engine
// so that sampling arbitrates them. Present ids are skipped.
func (p *Pipeline) Import(ctx context.Context, vertices []*models.Vertex) error {
	ctx, cancel := p.bind(ctx)
	defer cancel()

	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	p.writeMux.Lock()
	defer p.writeMux.Unlock()

	for _, v := range vertices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.store.Contains(v.ID) {
			continue
		}
		conflicts := p.detector.Detect(v, p.store)
		if err := p.store.Insert(v); err != nil {
			return err
		}
		if len(conflicts) > 0 {
			p.engine.AddConflicts(v.ID, conflicts...)
			p.metrics.Conflict()
			logger.Logger.Info("Imported conflicting vertex",
				zap.String("vertex_id", v.ID.String()),
				zap.Any("conflicts", conflicts))
		}
		p.record(v)
	}
	return nil
}

func (p *Pipeline) record(v *models.Vertex) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.PutVertex(v); err != nil {
		logger.Logger.Warn("Failed recording vertex",
			zap.String("vertex_id", v.ID.String()), zap.Error(err))
	}
}

// bind derives a context that is also cancelled when the pipeline closes
func (p *Pipeline) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.shutdown, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Pipeline) acquire(ctx context.Context) error {
	if p.closed.Load() {
		return ErrChannelClosed
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		if p.closed.Load() {
			return ErrChannelClosed
		}
		return err
	}
	if p.closed.Load() {
		p.slots.Release(1)
		return ErrChannelClosed
	}
	p.inFlight.Inc()
	p.metrics.SlotAcquired()
	return nil
}

func (p *Pipeline) release() {
	p.inFlight.Dec()
	p.metrics.SlotReleased()
	p.slots.Release(1)
}

// InFlight returns the number of submissions holding a slot
func (p *Pipeline) InFlight() int {
	return int(p.inFlight.Load())
}

// Pending reports the in-flight markers and conflict entries still held
func (p *Pipeline) Pending() (processing, conflicts int) {
	return p.state.size()
}

// Close refuses further submissions and cancels the ones waiting or sampling
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
	})
}

// IsClosed reports whether err means the pipeline was shut down
func IsClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}
