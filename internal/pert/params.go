package pert

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"pertnet/internal/tensor"
)

// Softplus is the positivity transform for decay and sensitivity parameters.
// The result is floored at the smallest positive float so it stays strictly
// positive even where exp underflows.
func Softplus(x float64) float64 {
	var y float64
	if x > 0 {
		y = x + math.Log1p(math.Exp(-x))
	} else {
		y = math.Log1p(math.Exp(x))
	}
	if y == 0 {
		y = math.SmallestNonzeroFloat64
	}
	return y
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// BuildInteractionMask returns the structural 0/1 constraint mask for an
// interaction matrix over the node partition: no self regulation, no edges
// into drug nodes, no edges out of activity-only nodes, and no direct edges
// from drug nodes into activity-only nodes.
func BuildInteractionMask(nx, nProtein, nActivity int) (*tensor.Dense, error) {
	if nProtein < 0 || nProtein > nActivity || nActivity > nx {
		return nil, fmt.Errorf("%w: node partition needs 0 <= n_protein_nodes (%d) <= n_activity_nodes (%d) <= n_x (%d)",
			ErrConfig, nProtein, nActivity, nx)
	}
	mask := tensor.NewDense(nx, nx)
	for i := range mask.Data {
		mask.Data[i] = 1
	}
	for i := 0; i < nx; i++ {
		mask.Set(i, i, 0)
	}
	for i := nActivity; i < nx; i++ {
		for j := 0; j < nx; j++ {
			mask.Set(i, j, 0)
		}
	}
	for i := 0; i < nx; i++ {
		for j := nProtein; j < nActivity; j++ {
			mask.Set(i, j, 0)
		}
	}
	for i := nProtein; i < nActivity; i++ {
		for j := nActivity; j < nx; j++ {
			mask.Set(i, j, 0)
		}
	}
	return mask, nil
}

// ParamSet is the shared store of learnable tensors for one built model. All
// three forward passes read it; only the optimize operation writes it, whole
// vector at a time, so readers never observe a partial update.
type ParamSet struct {
	mu       sync.RWMutex
	names    []string
	tensors  map[string]*tensor.Dense
	masks    map[string]*tensor.Dense
	positive map[string]bool
	offsets  map[string]int
	dim      int
}

func newParamSet() *ParamSet {
	return &ParamSet{
		tensors:  make(map[string]*tensor.Dense),
		masks:    make(map[string]*tensor.Dense),
		positive: make(map[string]bool),
		offsets:  make(map[string]int),
	}
}

func (p *ParamSet) add(name string, t *tensor.Dense) {
	p.names = append(p.names, name)
	p.tensors[name] = t
	p.offsets[name] = p.dim
	p.dim += len(t.Data)
}

func (p *ParamSet) setMask(name string, mask *tensor.Dense) error {
	t, ok := p.tensors[name]
	if !ok {
		return fmt.Errorf("pert: mask for unknown parameter %q", name)
	}
	if t.Rows != mask.Rows || t.Cols != mask.Cols {
		return fmt.Errorf("%w: mask %dx%d for parameter %q %dx%d",
			tensor.ErrShape, mask.Rows, mask.Cols, name, t.Rows, t.Cols)
	}
	p.masks[name] = mask
	return nil
}

func (p *ParamSet) markPositive(name string) {
	p.positive[name] = true
}

// Names returns parameter names in vector order.
func (p *ParamSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Dim returns the flat parameter count.
func (p *ParamSet) Dim() int { return p.dim }

// Mask returns the structural mask for name, or nil when unconstrained.
func (p *ParamSet) Mask(name string) *tensor.Dense {
	m, ok := p.masks[name]
	if !ok {
		return nil
	}
	return m.Clone()
}

// Raw returns a copy of the stored (untransformed) tensor.
func (p *ParamSet) Raw(name string) (*tensor.Dense, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tensors[name]
	if !ok {
		return nil, fmt.Errorf("pert: unknown parameter %q", name)
	}
	return t.Clone(), nil
}

// RawSet copies several tensors under one lock so callers that read more
// than one parameter see a coherent snapshot.
func (p *ParamSet) RawSet(names ...string) (map[string]*tensor.Dense, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*tensor.Dense, len(names))
	for _, name := range names {
		t, ok := p.tensors[name]
		if !ok {
			return nil, fmt.Errorf("pert: unknown parameter %q", name)
		}
		out[name] = t.Clone()
	}
	return out, nil
}

// Effective returns a copy of the tensor as the model reads it: the
// structural mask is applied multiplicatively on every read, and positive
// parameters pass through the softplus transform.
func (p *ParamSet) Effective(name string) (*tensor.Dense, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tensors[name]
	if !ok {
		return nil, fmt.Errorf("pert: unknown parameter %q", name)
	}
	out := t.Clone()
	if mask, ok := p.masks[name]; ok {
		for i := range out.Data {
			out.Data[i] *= mask.Data[i]
		}
	}
	if p.positive[name] {
		for i := range out.Data {
			out.Data[i] = Softplus(out.Data[i])
		}
	}
	return out, nil
}

// PositiveVec returns the softplus-transformed values of a column parameter.
func (p *ParamSet) PositiveVec(name string) ([]float64, error) {
	eff, err := p.Effective(name)
	if err != nil {
		return nil, err
	}
	return eff.Data, nil
}

// Vector returns a copy of all raw parameters flattened in declaration order.
func (p *ParamSet) Vector() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]float64, 0, p.dim)
	for _, name := range p.names {
		out = append(out, p.tensors[name].Data...)
	}
	return out
}

// SetVector replaces all raw parameters from a flat vector in one atomic
// write.
func (p *ParamSet) SetVector(vec []float64) error {
	if len(vec) != p.dim {
		return fmt.Errorf("%w: vector length %d for %d parameters", tensor.ErrShape, len(vec), p.dim)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	off := 0
	for _, name := range p.names {
		data := p.tensors[name].Data
		copy(data, vec[off:off+len(data)])
		off += len(data)
	}
	return nil
}

// Snapshot copies every raw tensor, keyed by name.
func (p *ParamSet) Snapshot() map[string][]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]float64, len(p.names))
	for _, name := range p.names {
		out[name] = append([]float64(nil), p.tensors[name].Data...)
	}
	return out
}

// Restore writes a snapshot back, atomically.
func (p *ParamSet) Restore(snap map[string][]float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.names {
		data, ok := snap[name]
		if !ok {
			return fmt.Errorf("pert: snapshot missing parameter %q", name)
		}
		if len(data) != len(p.tensors[name].Data) {
			return fmt.Errorf("%w: snapshot %q length %d, want %d",
				tensor.ErrShape, name, len(data), len(p.tensors[name].Data))
		}
	}
	for _, name := range p.names {
		copy(p.tensors[name].Data, snap[name])
	}
	return nil
}

// Shape returns the dimensions of a parameter tensor.
func (p *ParamSet) Shape(name string) (int, int, error) {
	t, ok := p.tensors[name]
	if !ok {
		return 0, 0, fmt.Errorf("pert: unknown parameter %q", name)
	}
	return t.Rows, t.Cols, nil
}

// PackGrad assembles a flat gradient aligned with Vector from per-parameter
// parts. Missing parts stay zero.
func (p *ParamSet) PackGrad(parts map[string][]float64) ([]float64, error) {
	out := make([]float64, p.dim)
	for name, part := range parts {
		off, ok := p.offsets[name]
		if !ok {
			return nil, fmt.Errorf("pert: gradient for unknown parameter %q", name)
		}
		if len(part) != len(p.tensors[name].Data) {
			return nil, fmt.Errorf("%w: gradient %q length %d, want %d",
				tensor.ErrShape, name, len(part), len(p.tensors[name].Data))
		}
		copy(out[off:off+len(part)], part)
	}
	return out, nil
}

// RegGrad returns the gradient of l1*mean|eff| + l2*mean(eff^2) with respect
// to the raw parameter, where eff is the masked value. The result is aligned
// with Vector.
func (p *ParamSet) RegGrad(name string, l1, l2 float64) ([]float64, error) {
	p.mu.RLock()
	t, ok := p.tensors[name]
	if !ok {
		p.mu.RUnlock()
		return nil, fmt.Errorf("pert: unknown parameter %q", name)
	}
	mask := p.masks[name]
	part := make([]float64, len(t.Data))
	n := float64(len(t.Data))
	for i, raw := range t.Data {
		m := 1.0
		if mask != nil {
			m = mask.Data[i]
		}
		eff := m * raw
		g := 0.0
		if eff > 0 {
			g = l1
		} else if eff < 0 {
			g = -l1
		}
		part[i] = m * (g + 2*l2*eff) / n
	}
	p.mu.RUnlock()
	return p.PackGrad(map[string][]float64{name: part})
}

// initNormal fills a matrix with draws from a normal distribution.
func initNormal(rng *rand.Rand, rows, cols int, mean, sd float64) *tensor.Dense {
	out := tensor.NewDense(rows, cols)
	for i := range out.Data {
		out.Data[i] = rng.NormFloat64()*sd + mean
	}
	return out
}

// onesColumn is the raw initializer for positive parameters.
func onesColumn(n int) *tensor.Dense {
	out := tensor.NewDense(n, 1)
	for i := range out.Data {
		out.Data[i] = 1
	}
	return out
}
