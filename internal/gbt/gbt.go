// Package gbt implements squared-error gradient-boosted regression trees with
// second-order split gain, shrinkage, row subsampling and per-tree column
// sampling. Trees are grown level-wise with an exact greedy split search over
// presorted feature columns.
package gbt

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/rotisserie/eris"
)

// Params are the boosting hyperparameters.
type Params struct {
	MaxDepth        int     `json:"max_depth"`
	LearningRate    float64 `json:"learning_rate"`
	NEstimators     int     `json:"n_estimators"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Gamma           float64 `json:"gamma"`
	Lambda          float64 `json:"lambda"`
	Seed            uint64  `json:"seed"`
}

// DefaultParams mirrors the usual XGBoost defaults.
func DefaultParams() Params {
	return Params{
		MaxDepth:        6,
		LearningRate:    0.3,
		NEstimators:     100,
		Subsample:       1,
		ColsampleByTree: 1,
		MinChildWeight:  1,
		Lambda:          1,
	}
}

func (p Params) validate() error {
	switch {
	case p.MaxDepth < 1:
		return eris.Errorf("gbt: max_depth %d must be >= 1", p.MaxDepth)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return eris.Errorf("gbt: learning_rate %g must be in (0,1]", p.LearningRate)
	case p.NEstimators < 1:
		return eris.Errorf("gbt: n_estimators %d must be >= 1", p.NEstimators)
	case p.Subsample <= 0 || p.Subsample > 1:
		return eris.Errorf("gbt: subsample %g must be in (0,1]", p.Subsample)
	case p.ColsampleByTree <= 0 || p.ColsampleByTree > 1:
		return eris.Errorf("gbt: colsample_bytree %g must be in (0,1]", p.ColsampleByTree)
	case p.MinChildWeight < 0 || p.Gamma < 0 || p.Lambda < 0:
		return eris.New("gbt: min_child_weight, gamma and lambda must not be negative")
	}
	return nil
}

// Node is one tree node. Leaves have Feature == -1 and carry Value, already
// scaled by the learning rate.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(row []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Model is a fitted ensemble.
type Model struct {
	NumFeatures int     `json:"num_features"`
	BaseScore   float64 `json:"base_score"`
	Params      Params  `json:"params"`
	Trees       []Tree  `json:"trees"`
}

// Predict returns the model output for one feature row.
func (m *Model) Predict(row []float64) float64 {
	out := m.BaseScore
	for i := range m.Trees {
		out += m.Trees[i].predict(row)
	}
	return out
}

// PredictAll predicts every row of x.
func (m *Model) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Predict(row)
	}
	return out
}

// Marshal serializes the model to JSON.
func (m *Model) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "gbt: marshal model")
	}
	return data, nil
}

// Unmarshal decodes a model produced by Marshal and checks its structure.
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "gbt: unmarshal model")
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return nil, eris.Errorf("gbt: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Feature >= m.NumFeatures || n.Left <= ni || n.Right <= ni ||
				n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, eris.Errorf("gbt: tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return &m, nil
}

// Fit trains a model on x (rows of equal width) and targets y.
func Fit(x [][]float64, y []float64, p Params) (*Model, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(x) == 0 || len(x) != len(y) {
		return nil, eris.Errorf("gbt: need matching non-empty x and y (got %d, %d)", len(x), len(y))
	}
	nf := len(x[0])
	if nf == 0 {
		return nil, eris.New("gbt: rows have no features")
	}
	var sum float64
	for i, row := range x {
		if len(row) != nf {
			return nil, eris.Errorf("gbt: row %d has %d features, want %d", i, len(row), nf)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, eris.Errorf("gbt: row %d has a non-finite feature", i)
			}
		}
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, eris.Errorf("gbt: target %d is not finite", i)
		}
		sum += y[i]
	}

	m := &Model{NumFeatures: nf, BaseScore: sum / float64(len(y)), Params: p}
	b := newBuilder(x, y, p)
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = m.BaseScore
	}
	for range p.NEstimators {
		t := b.grow(pred)
		for i, row := range x {
			pred[i] += t.predict(row)
		}
		m.Trees = append(m.Trees, t)
	}
	return m, nil
}

type builder struct {
	x      [][]float64
	y      []float64
	p      Params
	rng    *rand.Rand
	sorted [][]int // per feature, row indices ordered by value
	grad   []float64
	pos    []int // row -> open node index in the current tree, -1 when inactive
}

func newBuilder(x [][]float64, y []float64, p Params) *builder {
	nf := len(x[0])
	b := &builder{
		x:      x,
		y:      y,
		p:      p,
		rng:    rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)),
		sorted: make([][]int, nf),
		grad:   make([]float64, len(y)),
		pos:    make([]int, len(y)),
	}
	for f := range nf {
		idx := make([]int, len(x))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, c int) int {
			switch {
			case x[a][f] < x[c][f]:
				return -1
			case x[a][f] > x[c][f]:
				return 1
			}
			return 0
		})
		b.sorted[f] = idx
	}
	return b
}

// split tracks the scan state and best split of one open node for one level.
type split struct {
	g, h     float64 // node totals
	gl, hl   float64 // running left sums during a feature scan
	last     float64
	seen     bool
	gain     float64
	feature  int
	thresh   float64
	hasSplit bool
}

// sampleColumns picks ceil(colsample * nf) features, returned in ascending order.
func (b *builder) sampleColumns() []int {
	nf := len(b.sorted)
	k := int(math.Ceil(b.p.ColsampleByTree * float64(nf)))
	k = min(max(k, 1), nf)
	cols := b.rng.Perm(nf)[:k]
	slices.Sort(cols)
	return cols
}

func (b *builder) grow(pred []float64) Tree {
	// Squared error: gradient = pred - y, hessian = 1.
	active := 0
	for i := range b.y {
		b.grad[i] = pred[i] - b.y[i]
		if b.p.Subsample < 1 && b.rng.Float64() >= b.p.Subsample {
			b.pos[i] = -1
			continue
		}
		b.pos[i] = 0
		active++
	}
	if active == 0 {
		i := b.rng.IntN(len(b.y))
		b.pos[i] = 0
	}
	cols := b.sampleColumns()

	t := Tree{Nodes: []Node{{Feature: -1}}}
	open := []int{0} // node indices being split at this level
	lambda := b.p.Lambda

	for depth := 0; len(open) > 0; depth++ {
		state := make([]split, len(t.Nodes))
		for i, n := range b.pos {
			if n >= 0 {
				state[n].g += b.grad[i]
				state[n].h++
			}
		}

		if depth < b.p.MaxDepth {
			for _, f := range cols {
				for _, n := range open {
					state[n].gl, state[n].hl, state[n].seen = 0, 0, false
				}
				for _, i := range b.sorted[f] {
					n := b.pos[i]
					if n < 0 {
						continue
					}
					s := &state[n]
					v := b.x[i][f]
					if s.seen && v != s.last {
						thresh := s.last + (v-s.last)/2
						if thresh <= s.last {
							thresh = v
						}
						b.consider(s, f, thresh, lambda)
					}
					s.gl += b.grad[i]
					s.hl++
					s.last = v
					s.seen = true
				}
			}
		}

		var next []int
		for _, n := range open {
			s := &state[n]
			if !s.hasSplit {
				t.Nodes[n] = Node{Feature: -1, Value: -s.g / (s.h + lambda) * b.p.LearningRate}
				continue
			}
			left, right := len(t.Nodes), len(t.Nodes)+1
			t.Nodes = append(t.Nodes, Node{Feature: -1}, Node{Feature: -1})
			t.Nodes[n] = Node{Feature: s.feature, Threshold: s.thresh, Left: left, Right: right}
			next = append(next, left, right)
		}

		for i, n := range b.pos {
			if n < 0 {
				continue
			}
			node := t.Nodes[n]
			switch {
			case node.Feature < 0:
				b.pos[i] = -1
			case b.x[i][node.Feature] < node.Threshold:
				b.pos[i] = node.Left
			default:
				b.pos[i] = node.Right
			}
		}
		open = next
	}
	return t
}

func (b *builder) consider(s *split, f int, thresh, lambda float64) {
	hr := s.h - s.hl
	if s.hl < b.p.MinChildWeight || hr < b.p.MinChildWeight || s.hl == 0 || hr == 0 {
		return
	}
	gr := s.g - s.gl
	gain := 0.5*(s.gl*s.gl/(s.hl+lambda)+gr*gr/(hr+lambda)-s.g*s.g/(s.h+lambda)) - b.p.Gamma
	if gain > 0 && (!s.hasSplit || gain > s.gain) {
		s.gain, s.feature, s.thresh, s.hasSplit = gain, f, thresh, true
	}
}
