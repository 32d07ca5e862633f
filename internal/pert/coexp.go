package pert

import (
	"fmt"
	"math"

	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

// PairIndex returns the first and last nonzero positions of one perturbation
// row. Single-target conditions yield the same index twice.
func PairIndex(row []float64) (int, int, error) {
	first, last := -1, -1
	for k, v := range row {
		if v == 0 {
			continue
		}
		if first < 0 {
			first = k
		}
		last = k
	}
	if first < 0 {
		return 0, 0, fmt.Errorf("%w: perturbation row has no nonzero entry", ErrConfig)
	}
	return first, last, nil
}

type pair struct{ i, j int }

func batchPairs(mu *tensor.Dense) ([]pair, error) {
	pairs := make([]pair, 0, mu.Rows)
	for s := 0; s < mu.Rows; s++ {
		i, j, err := PairIndex(mu.Row(s))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", s, err)
		}
		pairs = append(pairs, pair{i, j})
	}
	return pairs, nil
}

// CoExp is the legacy co-expression variant: each perturbation-target pair
// owns an affine unit that reconstructs the perturbation matrix. Training
// averages every unit named by the batch; evaluation uses each sample's own
// pair.
type CoExp struct {
	cfg Config
	ps  *ParamSet
}

func newCoExp(cfg Config) (*CoExp, error) {
	nx := cfg.NX
	ps := newParamSet()
	ps.add("Ws", tensor.NewDense(nx*nx*2, nx))
	ps.add("bs", tensor.NewDense(nx*nx, nx))
	return &CoExp{cfg: cfg, ps: ps}, nil
}

func (m *CoExp) Kind() string { return ModelCoExp }

func (m *CoExp) Params() *ParamSet { return m.ps }

func (m *CoExp) InitialState(pert tensor.Batch) (*tensor.Dense, error) {
	batch, nodes := pert.Dims()
	if nodes != m.cfg.NX {
		return nil, fmt.Errorf("%w: perturbation batch %dx%d for %d nodes",
			tensor.ErrShape, batch, nodes, m.cfg.NX)
	}
	return tensor.NewDense(m.cfg.NX, batch), nil
}

// unit writes the affine reconstruction of x through pair p into out, scaled
// by w.
func (m *CoExp) unit(ws, bs *tensor.Dense, x []float64, p pair, w float64, out []float64) {
	nx := m.cfg.NX
	base := (p.i*nx + p.j) * 2
	wi := ws.Row(base)
	wj := ws.Row(base + 1)
	bias := bs.Row(p.i*nx + p.j)
	for c := range out {
		out[c] += w * (x[p.i]*wi[c] + x[p.j]*wj[c] + bias[c])
	}
}

func (m *CoExp) Forward(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	raws, err := m.ps.RawSet("Ws", "bs")
	if err != nil {
		return nil, err
	}
	mu := pert.Dense()
	pred := tensor.NewDense(mu.Rows, m.cfg.NX)
	for s := 0; s < mu.Rows; s++ {
		i, j, err := PairIndex(mu.Row(s))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", s, err)
		}
		m.unit(raws["Ws"], raws["bs"], mu.Row(s), pair{i, j}, 1, pred.Row(s))
	}
	return &Result{Prediction: pred}, nil
}

func (m *CoExp) ForwardTrain(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	mu := pert.Dense()
	pred, _, err := m.trainPrediction(mu)
	if err != nil {
		return nil, err
	}
	return &Result{Prediction: pred}, nil
}

func (m *CoExp) trainPrediction(mu *tensor.Dense) (*tensor.Dense, []pair, error) {
	raws, err := m.ps.RawSet("Ws", "bs")
	if err != nil {
		return nil, nil, err
	}
	pairs, err := batchPairs(mu)
	if err != nil {
		return nil, nil, err
	}
	w := 1 / float64(len(pairs))
	pred := tensor.NewDense(mu.Rows, m.cfg.NX)
	for s := 0; s < mu.Rows; s++ {
		for _, p := range pairs {
			m.unit(raws["Ws"], raws["bs"], mu.Row(s), p, w, pred.Row(s))
		}
	}
	return pred, pairs, nil
}

func (m *CoExp) ReconGrad(pert tensor.Batch, target, weights *tensor.Dense) (*tensor.Dense, []float64, error) {
	mu := pert.Dense()
	pred, pairs, err := m.trainPrediction(mu)
	if err != nil {
		return nil, nil, err
	}
	seed, err := train.ReconSeed(target, pred, weights)
	if err != nil {
		return nil, nil, err
	}
	nx := m.cfg.NX
	gws := tensor.NewDense(nx*nx*2, nx)
	gbs := tensor.NewDense(nx*nx, nx)
	w := 1 / float64(len(pairs))
	for s := 0; s < mu.Rows; s++ {
		x := mu.Row(s)
		srow := seed.Row(s)
		for _, p := range pairs {
			base := (p.i*nx + p.j) * 2
			gi := gws.Row(base)
			gj := gws.Row(base + 1)
			gb := gbs.Row(p.i*nx + p.j)
			for c, g := range srow {
				gi[c] += w * x[p.i] * g
				gj[c] += w * x[p.j] * g
				gb[c] += w * g
			}
		}
	}
	grad, err := m.ps.PackGrad(map[string][]float64{"Ws": gws.Data, "bs": gbs.Data})
	if err != nil {
		return nil, nil, err
	}
	return pred, grad, nil
}

// CoExpNonlinear adds a shared tanh readout over per-pair hidden units. It is
// a best-effort reconstruction of a legacy research path; only the spsa
// gradient provider is wired for it.
type CoExpNonlinear struct {
	cfg Config
	ps  *ParamSet
}

func newCoExpNonlinear(cfg Config) (*CoExpNonlinear, error) {
	nx := cfg.NX
	ps := newParamSet()
	ps.add("Ws", tensor.NewDense(nx*nx*nx, nx))
	ps.add("bs", tensor.NewDense(nx*nx, nx))
	ps.add("W", tensor.NewDense(nx, 1))
	ps.add("b", tensor.NewDense(nx, 1))
	return &CoExpNonlinear{cfg: cfg, ps: ps}, nil
}

func (m *CoExpNonlinear) Kind() string { return ModelCoExpNonlinear }

func (m *CoExpNonlinear) Params() *ParamSet { return m.ps }

func (m *CoExpNonlinear) InitialState(pert tensor.Batch) (*tensor.Dense, error) {
	batch, nodes := pert.Dims()
	if nodes != m.cfg.NX {
		return nil, fmt.Errorf("%w: perturbation batch %dx%d for %d nodes",
			tensor.ErrShape, batch, nodes, m.cfg.NX)
	}
	return tensor.NewDense(m.cfg.NX, batch), nil
}

// unit folds x through pair p's hidden layer and the shared readout.
func (m *CoExpNonlinear) unit(raws map[string]*tensor.Dense, x []float64, p pair, w float64, out []float64) {
	nx := m.cfg.NX
	blk := (p.i*nx + p.j) * nx
	bias := raws["bs"].Row(p.i*nx + p.j)
	dot := 0.0
	for k := 0; k < nx; k++ {
		h := bias[k]
		wrow := raws["Ws"].Row(blk + k)
		for c, v := range x {
			h += wrow[c] * v
		}
		dot += math.Tanh(h) * raws["W"].Data[k]
	}
	for c := range out {
		out[c] += w * (dot + raws["b"].Data[c])
	}
}

func (m *CoExpNonlinear) Forward(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	raws, err := m.ps.RawSet("Ws", "bs", "W", "b")
	if err != nil {
		return nil, err
	}
	mu := pert.Dense()
	pred := tensor.NewDense(mu.Rows, m.cfg.NX)
	for s := 0; s < mu.Rows; s++ {
		i, j, err := PairIndex(mu.Row(s))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", s, err)
		}
		m.unit(raws, mu.Row(s), pair{i, j}, 1, pred.Row(s))
	}
	return &Result{Prediction: pred}, nil
}

func (m *CoExpNonlinear) ForwardTrain(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	raws, err := m.ps.RawSet("Ws", "bs", "W", "b")
	if err != nil {
		return nil, err
	}
	mu := pert.Dense()
	pairs, err := batchPairs(mu)
	if err != nil {
		return nil, err
	}
	w := 1 / float64(len(pairs))
	pred := tensor.NewDense(mu.Rows, m.cfg.NX)
	for s := 0; s < mu.Rows; s++ {
		for _, p := range pairs {
			m.unit(raws, mu.Row(s), p, w, pred.Row(s))
		}
	}
	return &Result{Prediction: pred}, nil
}
