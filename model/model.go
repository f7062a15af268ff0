// Package model assembles the warning-light classifier: a bottleneck ResNet backbone followed by a
// small regularized head. It owns the ordered state dictionary that checkpoints persist.
package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/layers"
	"github.com/tsawler/warninglights/tensor"
)

// BackbonePrefix starts the name of every backbone state entry.
const BackbonePrefix = "backbone."

type Model struct {
	cfg      Config
	spec     BackboneSpec
	Backbone *Backbone
	Head     *Head

	all    []*layers.Parameter
	byName map[string]*layers.Parameter
	frozen bool
}

// New creates a new randomly initialized model. Dropout masks are later drawn from the same rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spec, _ := LookupBackbone(cfg.Backbone)
	head, err := newHead(spec.EmbeddingSize(), cfg, rng)
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		spec:     spec,
		Backbone: newBackbone(spec, rng),
		Head:     head,
		byName:   make(map[string]*layers.Parameter),
	}
	m.all = append(m.Backbone.Parameters(), m.Head.Parameters()...)
	for _, p := range m.all {
		m.byName[p.Name] = p
	}
	return m, nil
}

func (m *Model) Config() Config             { return m.cfg }
func (m *Model) BackboneSpec() BackboneSpec { return m.spec }
func (m *Model) NumClasses() int            { return m.cfg.NumClasses }
func (m *Model) InputShape() []int          { return []int{3, m.cfg.ImageSize, m.cfg.ImageSize} }

// Parameter returns the named parameter or buffer, or nil.
func (m *Model) Parameter(name string) *layers.Parameter { return m.byName[name] }

// Forward maps a batch [N,3,S,S] to logits [N,numClasses]. With training=false nothing in the model
// changes, so concurrent inference calls are safe.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	want := m.InputShape()
	if x.Rank() != 4 || !tensor.SameShape(x.Shape[1:], want) {
		return nil, errdefs.ShapeMismatch("model input", append([]int{-1}, want...), x.Shape)
	}
	emb, err := m.Backbone.Forward(x, training)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	logits, err := m.Head.Forward(emb, training)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return logits, nil
}

// Backward accumulates parameter gradients for the last training Forward.
func (m *Model) Backward(gradLogits *tensor.Tensor) error {
	g, err := m.Head.Backward(gradLogits)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if m.frozen {
		return nil
	}
	if _, err := m.Backbone.Backward(g); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	return nil
}

// FreezeBackbone excludes the backbone from Parameters so only the head is optimized.
func (m *Model) FreezeBackbone(frozen bool) { m.frozen = frozen }

// Parameters returns the parameters the optimizer updates.
func (m *Model) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, p := range m.all {
		if !p.Learnable || (m.frozen && strings.HasPrefix(p.Name, BackbonePrefix)) {
			continue
		}
		params = append(params, p)
	}
	return params
}

// ZeroGrad clears every accumulated gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.all {
		p.ZeroGrad()
	}
}

// ParameterCount mirrors the total/trainable/frozen breakdown reported at startup.
type ParameterCount struct {
	Total     int
	Trainable int
	Frozen    int
}

func (c ParameterCount) String() string {
	return fmt.Sprintf("%s total, %s trainable, %s frozen",
		humanize.Comma(int64(c.Total)), humanize.Comma(int64(c.Trainable)), humanize.Comma(int64(c.Frozen)))
}

func (m *Model) NumParameters() ParameterCount {
	var c ParameterCount
	for _, p := range m.all {
		if p.Learnable {
			c.Total += p.Value.Size()
		}
	}
	for _, p := range m.Parameters() {
		c.Trainable += p.Value.Size()
	}
	c.Frozen = c.Total - c.Trainable
	return c
}

// State returns a copy of every parameter and buffer in a stable order.
func (m *Model) State() []tensor.NamedTensor {
	state := make([]tensor.NamedTensor, len(m.all))
	for i, p := range m.all {
		state[i] = p.Value.Named(p.Name)
	}
	return state
}

// LoadState replaces every parameter and buffer. The entries must match the architecture exactly;
// nothing is modified when they do not.
func (m *Model) LoadState(entries []tensor.NamedTensor) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := m.checkEntry(e); err != nil {
			return err
		}
		if seen[e.Name] {
			return errdefs.ShapeMismatch("duplicate state entry "+e.Name, nil, e.Shape)
		}
		seen[e.Name] = true
	}
	for _, p := range m.all {
		if !seen[p.Name] {
			return errdefs.ShapeMismatch("missing state entry "+p.Name, p.Value.Shape, nil)
		}
	}
	for _, e := range entries {
		copy(m.byName[e.Name].Value.Data, e.Data)
	}
	return nil
}

// LoadBackboneState applies only the backbone entries, leaving the head at its initialization.
// It returns the number of entries applied.
func (m *Model) LoadBackboneState(entries []tensor.NamedTensor) (int, error) {
	var apply []tensor.NamedTensor
	for _, e := range entries {
		if !strings.HasPrefix(e.Name, BackbonePrefix) {
			continue
		}
		if err := m.checkEntry(e); err != nil {
			return 0, err
		}
		apply = append(apply, e)
	}
	for _, e := range apply {
		copy(m.byName[e.Name].Value.Data, e.Data)
	}
	return len(apply), nil
}

func (m *Model) checkEntry(e tensor.NamedTensor) error {
	p, ok := m.byName[e.Name]
	if !ok {
		return errdefs.ShapeMismatch("unexpected state entry "+e.Name, nil, e.Shape)
	}
	if !tensor.SameShape(p.Value.Shape, e.Shape) {
		return errdefs.ShapeMismatch(e.Name, p.Value.Shape, e.Shape)
	}
	if len(e.Data) != p.Value.Size() {
		return errdefs.ShapeMismatch(e.Name+" data", []int{p.Value.Size()}, []int{len(e.Data)})
	}
	return nil
}

// Summary lists every state entry with its layer type and shape.
func (m *Model) Summary() string {
	mods := append(m.Backbone.modules(), m.Head.modules()...)
	return fmt.Sprintf("Model %s\n%s%s\n", m.cfg, layers.Summary(mods...), m.NumParameters())
}
