// Package tips computes the live frontier of the DAG and picks parents for new
// vertices with a weighted random walk.
package tips

import (
	"errors"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"qrdag/models"
)

var ErrEmptyDAG = errors.New("no vertices in DAG")

const (
	DefaultAlpha    = 0.01
	DefaultMaxSteps = 10000
)

// Graph is the read side of the DAG store
type Graph interface {
	Children(id models.VertexID) []models.VertexID
	GetAllVertices() ([]*models.Vertex, error)
}

// Statuses reports the consensus status of a vertex. Vertices the engine has
// not seen are treated as live.
type Statuses interface {
	Status(id models.VertexID) (models.Status, bool)
}

func rejected(st Statuses, id models.VertexID) bool {
	if st == nil {
		return false
	}
	s, ok := st.Status(id)
	return ok && s == models.Rejected
}

func liveChildren(g Graph, st Statuses, id models.VertexID) []models.VertexID {
	var ret []models.VertexID
	for _, c := range g.Children(id) {
		if !rejected(st, c) {
			ret = append(ret, c)
		}
	}
	return ret
}

// Frontier returns the non-rejected vertices without a non-rejected child,
// sorted by id. A vertex whose children were all rejected is a tip again.
func Frontier(g Graph, st Statuses) ([]models.VertexID, error) {
	vertices, err := g.GetAllVertices()
	if err != nil {
		return nil, err
	}
	var ret []models.VertexID
	for _, v := range vertices {
		if rejected(st, v.ID) {
			continue
		}
		if len(liveChildren(g, st, v.ID)) == 0 {
			ret = append(ret, v.ID)
		}
	}
	slices.Sort(ret)
	return ret, nil
}

// Selector picks tips by walking from an old vertex towards the frontier,
// biased by exp(alpha * cumulative weight) of each child.
type Selector struct {
	alpha    float64
	maxSteps int

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Selector)

func WithAlpha(alpha float64) Option {
	return func(s *Selector) { s.alpha = alpha }
}

func WithMaxSteps(n int) Option {
	return func(s *Selector) { s.maxSteps = n }
}

// WithSeed makes the walk reproducible
func WithSeed(seed int64) Option {
	return func(s *Selector) { s.rnd = rand.New(rand.NewSource(seed)) }
}

func NewSelector(opts ...Option) *Selector {
	s := &Selector{alpha: DefaultAlpha, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

type walkView struct {
	byID      map[models.VertexID]*models.Vertex
	children  map[models.VertexID][]models.VertexID
	cumWeight map[models.VertexID]float64
	start     *models.Vertex
}

func (s *Selector) view(g Graph, st Statuses) (*walkView, error) {
	vertices, err := g.GetAllVertices()
	if err != nil {
		return nil, err
	}
	w := &walkView{
		byID:      make(map[models.VertexID]*models.Vertex, len(vertices)),
		children:  make(map[models.VertexID][]models.VertexID),
		cumWeight: make(map[models.VertexID]float64),
	}
	for _, v := range vertices {
		if rejected(st, v.ID) {
			continue
		}
		w.byID[v.ID] = v
		w.children[v.ID] = liveChildren(g, st, v.ID)
	}
	if len(w.byID) == 0 {
		return nil, ErrEmptyDAG
	}

	// vertices arrive parents first, so children are weighed before parents
	// when walking the admission order backwards
	for i := len(vertices) - 1; i >= 0; i-- {
		id := vertices[i].ID
		if _, ok := w.byID[id]; !ok {
			continue
		}
		sum := 1.0
		for _, c := range w.children[id] {
			sum += w.cumWeight[c]
		}
		w.cumWeight[id] = sum
	}

	// start from the earliest vertex that has been approved
	for _, v := range vertices {
		if len(w.children[v.ID]) == 0 || w.byID[v.ID] == nil {
			continue
		}
		if w.start == nil || v.Timestamp < w.start.Timestamp ||
			(v.Timestamp == w.start.Timestamp && v.ID < w.start.ID) {
			w.start = v
		}
	}
	return w, nil
}

func (s *Selector) walk(w *walkView) (models.VertexID, error) {
	cur := w.start
	for steps := 0; ; steps++ {
		if steps > s.maxSteps {
			return "", errors.New("tip selection exceeded max steps")
		}
		ch := w.children[cur.ID]
		if len(ch) == 0 {
			return cur.ID, nil
		}
		weights := make([]float64, len(ch))
		var total float64
		for i, cid := range ch {
			weights[i] = math.Exp(s.alpha * w.cumWeight[cid])
			total += weights[i]
		}
		chosen := ch[0]
		if total <= 0 || math.IsInf(total, 0) {
			chosen = ch[s.rnd.Intn(len(ch))]
		} else {
			p := s.rnd.Float64() * total
			acc := 0.0
			for i, weight := range weights {
				acc += weight
				if p <= acc {
					chosen = ch[i]
					break
				}
			}
		}
		cur = w.byID[chosen]
	}
}

// Select returns up to n distinct tips to approve, sorted by id. Fewer are
// returned when the frontier is smaller than n.
func (s *Selector) Select(g Graph, st Statuses, n int) ([]models.VertexID, error) {
	if n <= 0 {
		return nil, nil
	}
	w, err := s.view(g, st)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var frontier []models.VertexID
	for id := range w.byID {
		if len(w.children[id]) == 0 {
			frontier = append(frontier, id)
		}
	}
	slices.Sort(frontier)

	if w.start == nil {
		// nothing approved yet, every vertex is a tip
		s.rnd.Shuffle(len(frontier), func(i, j int) {
			frontier[i], frontier[j] = frontier[j], frontier[i]
		})
		ret := frontier[:min(n, len(frontier))]
		slices.Sort(ret)
		return ret, nil
	}

	var ret []models.VertexID
	for attempts := 0; attempts < 4*n && len(ret) < n; attempts++ {
		id, err := s.walk(w)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ret, id) {
			ret = append(ret, id)
		}
	}
	// top up deterministically when the walk keeps landing on the same tips
	for _, id := range frontier {
		if len(ret) >= n {
			break
		}
		if !slices.Contains(ret, id) {
			ret = append(ret, id)
		}
	}
	slices.Sort(ret)
	return ret, nil
}
