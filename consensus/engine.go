// Package consensus implements the QR-Avalanche decision engine. It owns the
// status, confidence and vote state of every vertex and refers to vertices by
// id only; payloads stay in the DAG store.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"qrdag/logger"
	"qrdag/metrics"
	"qrdag/models"
)

// Graph is the read-only view of the DAG store used by the engine
type Graph interface {
	Get(id models.VertexID) (*models.Vertex, bool)
	Children(id models.VertexID) []models.VertexID
	GetAllVertices() ([]*models.Vertex, error)
}

// Confidence is the accumulated sampling evidence for a vertex
type Confidence struct {
	Value       float64   `json:"value"`    // affirmative share of the last round
	Streak      int       `json:"streak"`   // consecutive successful rounds
	Positive    int       `json:"positive"` // affirmative opinions over all rounds
	Negative    int       `json:"negative"` // opinions for a conflicting vertex
	Rounds      int       `json:"rounds"`
	LastUpdated time.Time `json:"last_updated"`
}

type record struct {
	status   models.Status
	conf     Confidence
	started  time.Time
	sampling bool
}

type Engine struct {
	cfg     Config
	graph   Graph
	oracle  VotingOracle
	metrics *metrics.Metrics
	now     func() time.Time

	mux       sync.RWMutex
	records   map[models.VertexID]*record
	conflicts map[models.VertexID]map[models.VertexID]struct{}
	votes     *VotingRecord
}

type Option func(*Engine)

func WithOracle(o VotingOracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over graph. Without WithOracle it samples a LocalOracle.
func NewEngine(cfg Config, graph Graph, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consensus config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		graph:     graph,
		now:       time.Now,
		records:   make(map[models.VertexID]*record),
		conflicts: make(map[models.VertexID]map[models.VertexID]struct{}),
		votes:     NewVotingRecord(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.oracle == nil {
		e.oracle = NewLocalOracle(graph)
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// AddConflicts records that id competes with each of others. The relation is symmetric.
func (e *Engine) AddConflicts(id models.VertexID, others ...models.VertexID) {
	e.mux.Lock()
	defer e.mux.Unlock()
	for _, o := range others {
		if o == id {
			continue
		}
		e.addConflictLocked(id, o)
		e.addConflictLocked(o, id)
	}
}

func (e *Engine) addConflictLocked(a, b models.VertexID) {
	set, ok := e.conflicts[a]
	if !ok {
		set = make(map[models.VertexID]struct{})
		e.conflicts[a] = set
	}
	set[b] = struct{}{}
}

// Conflicts returns the known conflicts of id, sorted
func (e *Engine) Conflicts(id models.VertexID) []models.VertexID {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.conflictListLocked(id)
}

func (e *Engine) conflictListLocked(id models.VertexID) []models.VertexID {
	ret := make([]models.VertexID, 0, len(e.conflicts[id]))
	for c := range e.conflicts[id] {
		ret = append(ret, c)
	}
	slices.Sort(ret)
	return ret
}

// liveConflictsLocked lists the conflicts of id that can still win, sorted
func (e *Engine) liveConflictsLocked(id models.VertexID) []models.VertexID {
	ret := make([]models.VertexID, 0, len(e.conflicts[id]))
	for _, c := range e.conflictListLocked(id) {
		if crec, ok := e.records[c]; ok && crec.status == models.Rejected {
			continue
		}
		ret = append(ret, c)
	}
	return ret
}

func (e *Engine) Status(id models.VertexID) (models.Status, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return models.Pending, false
	}
	return rec.status, true
}

func (e *Engine) Confidence(id models.VertexID) (Confidence, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return Confidence{}, false
	}
	return rec.conf, true
}

// Processed returns the number of vertices the engine has seen
func (e *Engine) Processed() int {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return len(e.records)
}

// ByzantineVoters returns peers flagged for contradicting themselves
func (e *Engine) ByzantineVoters() []PeerID {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.votes.ByzantineVoters()
}

// ProcessVertex seeds id as Pending, if not yet seen, and drives it as far as the
// current evidence allows. Descendants waiting on id are driven afterwards. The
// returned status is the status of id when driving stops.
func (e *Engine) ProcessVertex(ctx context.Context, id models.VertexID) (models.Status, error) {
	if _, ok := e.graph.Get(id); !ok {
		return models.Pending, &ConsensusError{ID: id, Err: ErrUnknownVertex}
	}

	var ret error
	var queue deque.Deque[models.VertexID]
	queue.PushBack(id)
	for queue.Len() > 0 {
		cur := queue.PopFront()
		next, err := e.drive(ctx, cur)
		if err != nil {
			if cur == id {
				ret = err
			} else {
				logger.Logger.Warn("Descendant consensus failed",
					zap.String("vertex_id", cur.String()), zap.Error(err))
			}
			if ctx.Err() != nil {
				break
			}
		}
		for _, n := range next {
			queue.PushBack(n)
		}
	}
	status, _ := e.Status(id)
	return status, ret
}

type action int

const (
	actSettle action = iota
	actWait
	actSample
)

// drive advances one vertex and returns the ids to drive next
func (e *Engine) drive(ctx context.Context, id models.VertexID) ([]models.VertexID, error) {
	v, ok := e.graph.Get(id)
	if !ok {
		return nil, &ConsensusError{ID: id, Err: ErrUnknownVertex}
	}

	e.mux.Lock()
	rec := e.ensureLocked(id)
	if rec.status.IsTerminal() || rec.sampling {
		e.mux.Unlock()
		return nil, nil
	}
	status, act := e.evaluateLocked(v)
	switch act {
	case actSettle:
		next := e.settleLocked(id, status)
		e.mux.Unlock()
		return next, nil
	case actWait:
		e.mux.Unlock()
		return nil, nil
	}
	rec.sampling = true
	e.mux.Unlock()

	status, err := e.sample(ctx, id)

	e.mux.Lock()
	defer e.mux.Unlock()
	rec.sampling = false
	if !status.IsTerminal() {
		return nil, err
	}
	return e.settleLocked(id, status), err
}

func (e *Engine) ensureLocked(id models.VertexID) *record {
	rec, ok := e.records[id]
	if !ok {
		rec = &record{status: models.Pending, started: e.now()}
		e.records[id] = rec
		e.metrics.Processed()
	}
	return rec
}

// evaluateLocked decides what can be concluded for v without sampling
func (e *Engine) evaluateLocked(v *models.Vertex) (models.Status, action) {
	if v.IsGenesis() {
		return models.Final, actSettle
	}
	waiting := false
	for _, pid := range v.Parents {
		prec, ok := e.records[pid]
		switch {
		case ok && prec.status == models.Rejected:
			return models.Rejected, actSettle
		case !ok || prec.status != models.Final:
			waiting = true
		}
	}
	if waiting {
		return models.Pending, actWait
	}
	if status, decided := e.conflictDecisionLocked(v.ID); decided {
		return status, actSettle
	}
	return models.Pending, actSample
}

// conflictDecisionLocked resolves id when its conflicts leave nothing to arbitrate
func (e *Engine) conflictDecisionLocked(id models.VertexID) (models.Status, bool) {
	live := 0
	for c := range e.conflicts[id] {
		crec, ok := e.records[c]
		switch {
		case ok && crec.status == models.Final:
			return models.Rejected, true
		case ok && crec.status == models.Rejected:
		default:
			live++
		}
	}
	if live == 0 {
		return models.Final, true
	}
	return models.Pending, false
}

// settleLocked moves id to a terminal status and returns the descendants and
// losing conflicts that need to be driven again
func (e *Engine) settleLocked(id models.VertexID, status models.Status) []models.VertexID {
	rec := e.records[id]
	if rec.status.IsTerminal() {
		return nil
	}
	if status == models.Final && e.finalConflictLocked(id) {
		status = models.Rejected
	}
	rec.status = status
	rec.conf.LastUpdated = e.now()

	var next []models.VertexID
	switch status {
	case models.Final:
		e.metrics.Finalized(e.now().Sub(rec.started))
		for _, c := range e.conflictListLocked(id) {
			crec, ok := e.records[c]
			if !ok || crec.status.IsTerminal() || crec.sampling {
				continue
			}
			crec.status = models.Rejected
			e.metrics.Rejected()
			logger.Logger.Info("Vertex lost conflict",
				zap.String("vertex_id", c.String()), zap.String("winner", id.String()))
			next = append(next, e.seenChildrenLocked(c)...)
		}
	case models.Rejected:
		e.metrics.Rejected()
	}
	logger.Logger.Debug("Vertex settled",
		zap.String("vertex_id", id.String()), zap.Stringer("status", status))
	return append(next, e.seenChildrenLocked(id)...)
}

// finalConflictLocked reports whether a conflict of id is already Final
func (e *Engine) finalConflictLocked(id models.VertexID) bool {
	for c := range e.conflicts[id] {
		if crec, ok := e.records[c]; ok && crec.status == models.Final {
			return true
		}
	}
	return false
}

func (e *Engine) seenChildrenLocked(id models.VertexID) []models.VertexID {
	var ret []models.VertexID
	for _, c := range e.graph.Children(id) {
		if rec, ok := e.records[c]; ok && !rec.status.IsTerminal() {
			ret = append(ret, c)
		}
	}
	return ret
}

// sample runs voting rounds until id is decided, the decision times out or the
// oracle keeps failing. The engine lock is not held while the oracle is queried.
func (e *Engine) sample(ctx context.Context, id models.VertexID) (models.Status, error) {
	e.mux.RLock()
	deadline := e.records[id].started.Add(e.cfg.FinalityTimeout)
	e.mux.RUnlock()

	failures := 0
	for round := 0; round < e.cfg.MaxRounds; round++ {
		if e.now().After(deadline) {
			logger.Logger.Info("Finality timeout, rejecting vertex",
				zap.String("vertex_id", id.String()), zap.Int("round", round))
			return models.Rejected, nil
		}

		e.mux.RLock()
		status, decided := e.conflictDecisionLocked(id)
		q := Query{Vertex: id, Conflicts: e.liveConflictsLocked(id)}
		e.mux.RUnlock()
		if decided {
			return status, nil
		}

		rctx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
		opinions, err := e.oracle.SamplePeers(rctx, e.cfg.QuerySampleSize, q)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return models.Pending, ctx.Err()
			}
			failures++
			e.metrics.SamplingFailure()
			logger.Logger.Warn("Sampling round failed",
				zap.String("vertex_id", id.String()), zap.Int("attempt", failures), zap.Error(err))
			if failures > e.cfg.MaxSampleRetries {
				return models.Rejected, &ConsensusError{
					ID:  id,
					Err: fmt.Errorf("%w after %d attempts: %w", ErrSamplingTimeout, failures, err),
				}
			}
			continue
		}
		failures = 0
		if status, done := e.applyRound(id, opinions); done {
			return status, nil
		}
	}
	logger.Logger.Info("Sampling rounds exhausted, rejecting vertex",
		zap.String("vertex_id", id.String()), zap.Int("rounds", e.cfg.MaxRounds))
	return models.Rejected, nil
}

// applyRound folds one round of opinions into the confidence of id
func (e *Engine) applyRound(id models.VertexID, opinions []PeerOpinion) (models.Status, bool) {
	e.mux.Lock()
	defer e.mux.Unlock()

	rec := e.records[id]
	if rec.status.IsTerminal() {
		return rec.status, true
	}
	// a conflict may have settled while the oracle was queried
	if e.finalConflictLocked(id) {
		return models.Rejected, true
	}
	yes, no := 0, 0
	for _, op := range opinions {
		if op.Preferred == "" || e.votes.IsByzantine(op.Peer) {
			continue
		}
		affirm := op.Preferred == id
		if err := e.votes.Record(id, op.Peer, affirm); err != nil {
			e.metrics.Byzantine()
			logger.Logger.Warn("Byzantine voter detected",
				zap.String("vertex_id", id.String()), zap.String("peer", string(op.Peer)))
			continue
		}
		if affirm {
			yes++
		} else {
			no++
		}
	}

	conf := &rec.conf
	conf.Rounds++
	conf.Positive += yes
	conf.Negative += no
	conf.LastUpdated = e.now()
	if len(opinions) > 0 {
		conf.Value = float64(yes) / float64(len(opinions))
	}

	if yes > 0 && yes >= e.cfg.affirmativeQuorum() {
		conf.Streak++
		if conf.Streak >= e.cfg.ConfirmationDepth {
			return models.Final, true
		}
		rec.status = models.Accepted
		return rec.status, false
	}
	// inconclusive rounds and conflicting super-majorities both break the streak
	conf.Streak = 0
	return rec.status, false
}

// Sweep rejects every undecided vertex first observed longer than the finality
// timeout ago, along with its seen descendants. It returns the number rejected.
func (e *Engine) Sweep(now time.Time) int {
	e.mux.Lock()
	defer e.mux.Unlock()

	var queue deque.Deque[models.VertexID]
	for id, rec := range e.records {
		if rec.status.IsTerminal() || rec.sampling {
			continue
		}
		if now.Sub(rec.started) > e.cfg.FinalityTimeout {
			queue.PushBack(id)
		}
	}
	count := 0
	for queue.Len() > 0 {
		id := queue.PopFront()
		rec := e.records[id]
		if rec.status.IsTerminal() || rec.sampling {
			continue
		}
		for _, n := range e.settleLocked(id, models.Rejected) {
			queue.PushBack(n)
		}
		count++
	}
	if count > 0 {
		logger.Logger.Info("Swept stale decisions", zap.Int("rejected", count))
	}
	return count
}

// Sync drives every stored vertex without a terminal status, in admission
// order. It is used after vertices were merged into the store from a replica.
func (e *Engine) Sync(ctx context.Context) error {
	vertices, err := e.graph.GetAllVertices()
	if err != nil {
		return &ConsensusError{Err: fmt.Errorf("%w: %w", ErrSyncFailed, err)}
	}
	var errs []error
	for _, v := range vertices {
		if status, ok := e.Status(v.ID); ok && status.IsTerminal() {
			continue
		}
		if _, err := e.ProcessVertex(ctx, v.ID); err != nil {
			if ctx.Err() != nil {
				return &ConsensusError{Err: fmt.Errorf("%w: %w", ErrSyncFailed, ctx.Err())}
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ConsensusError{Err: fmt.Errorf("%w: %w", ErrSyncFailed, errors.Join(errs...))}
	}
	return nil
}
