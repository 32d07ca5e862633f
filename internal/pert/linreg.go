package pert

import (
	"fmt"
	"math"
	"math/rand"

	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

// LinReg is the linear baseline: responses are an affine map of the
// perturbation matrix, with no dynamics and no convergence diagnostic.
type LinReg struct {
	cfg Config
	ps  *ParamSet
}

func newLinReg(cfg Config, rng *rand.Rand) (*LinReg, error) {
	ps := newParamSet()
	ps.add("W", initNormal(rng, cfg.NX, cfg.NX, 0.01, 1))
	ps.add("b", initNormal(rng, cfg.NX, 1, 0.01, 1))
	return &LinReg{cfg: cfg, ps: ps}, nil
}

func (m *LinReg) Kind() string { return ModelLinReg }

func (m *LinReg) Params() *ParamSet { return m.ps }

// InitialState exists to satisfy the variant surface; the forward pass is
// stateless and ignores it.
func (m *LinReg) InitialState(pert tensor.Batch) (*tensor.Dense, error) {
	batch, nodes := pert.Dims()
	if nodes != m.cfg.NX {
		return nil, fmt.Errorf("%w: perturbation batch %dx%d for %d nodes",
			tensor.ErrShape, batch, nodes, m.cfg.NX)
	}
	return tensor.NewDense(m.cfg.NX, batch), nil
}

func (m *LinReg) Forward(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	raws, err := m.ps.RawSet("W", "b")
	if err != nil {
		return nil, err
	}
	pred, err := affine(pert.Dense(), raws["W"], raws["b"])
	if err != nil {
		return nil, err
	}
	return &Result{Prediction: pred}, nil
}

func (m *LinReg) ReconGrad(pert tensor.Batch, target, weights *tensor.Dense) (*tensor.Dense, []float64, error) {
	raws, err := m.ps.RawSet("W", "b")
	if err != nil {
		return nil, nil, err
	}
	mu := pert.Dense()
	pred, err := affine(mu, raws["W"], raws["b"])
	if err != nil {
		return nil, nil, err
	}
	seed, err := train.ReconSeed(target, pred, weights)
	if err != nil {
		return nil, nil, err
	}
	gw, err := tensor.MatMul(mu.T(), seed)
	if err != nil {
		return nil, nil, err
	}
	grad, err := m.ps.PackGrad(map[string][]float64{
		"W": gw.Data,
		"b": colSums(seed),
	})
	if err != nil {
		return nil, nil, err
	}
	return pred, grad, nil
}

// NN is the two-layer baseline: a tanh hidden layer between the perturbation
// matrix and the response readout.
type NN struct {
	cfg Config
	ps  *ParamSet
}

func newNN(cfg Config, rng *rand.Rand) (*NN, error) {
	ps := newParamSet()
	ps.add("W_h", initNormal(rng, cfg.NX, cfg.NHidden, 0.01, 1))
	ps.add("b_h", initNormal(rng, cfg.NHidden, 1, 0.01, 1))
	ps.add("W", initNormal(rng, cfg.NHidden, cfg.NX, 0.01, 1))
	ps.add("b", initNormal(rng, cfg.NX, 1, 0.01, 1))
	return &NN{cfg: cfg, ps: ps}, nil
}

func (m *NN) Kind() string { return ModelNN }

func (m *NN) Params() *ParamSet { return m.ps }

func (m *NN) InitialState(pert tensor.Batch) (*tensor.Dense, error) {
	batch, nodes := pert.Dims()
	if nodes != m.cfg.NX {
		return nil, fmt.Errorf("%w: perturbation batch %dx%d for %d nodes",
			tensor.ErrShape, batch, nodes, m.cfg.NX)
	}
	return tensor.NewDense(m.cfg.NX, batch), nil
}

func (m *NN) Forward(_ *tensor.Dense, pert tensor.Batch) (*Result, error) {
	raws, err := m.ps.RawSet("W_h", "b_h", "W", "b")
	if err != nil {
		return nil, err
	}
	_, pred, err := m.layers(pert.Dense(), raws)
	if err != nil {
		return nil, err
	}
	return &Result{Prediction: pred}, nil
}

// layers returns the hidden activation and the prediction.
func (m *NN) layers(mu *tensor.Dense, raws map[string]*tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	hidden, err := affine(mu, raws["W_h"], raws["b_h"])
	if err != nil {
		return nil, nil, err
	}
	for i := range hidden.Data {
		hidden.Data[i] = math.Tanh(hidden.Data[i])
	}
	pred, err := affine(hidden, raws["W"], raws["b"])
	if err != nil {
		return nil, nil, err
	}
	return hidden, pred, nil
}

func (m *NN) ReconGrad(pert tensor.Batch, target, weights *tensor.Dense) (*tensor.Dense, []float64, error) {
	raws, err := m.ps.RawSet("W_h", "b_h", "W", "b")
	if err != nil {
		return nil, nil, err
	}
	mu := pert.Dense()
	hidden, pred, err := m.layers(mu, raws)
	if err != nil {
		return nil, nil, err
	}
	seed, err := train.ReconSeed(target, pred, weights)
	if err != nil {
		return nil, nil, err
	}
	gw, err := tensor.MatMul(hidden.T(), seed)
	if err != nil {
		return nil, nil, err
	}
	dHidden, err := tensor.MatMul(seed, raws["W"].T())
	if err != nil {
		return nil, nil, err
	}
	for i, v := range hidden.Data {
		dHidden.Data[i] *= 1 - v*v
	}
	gwh, err := tensor.MatMul(mu.T(), dHidden)
	if err != nil {
		return nil, nil, err
	}
	grad, err := m.ps.PackGrad(map[string][]float64{
		"W_h": gwh.Data,
		"b_h": colSums(dHidden),
		"W":   gw.Data,
		"b":   colSums(seed),
	})
	if err != nil {
		return nil, nil, err
	}
	return pred, grad, nil
}

// affine computes x*W + b with the bias column broadcast across rows.
func affine(x, w, b *tensor.Dense) (*tensor.Dense, error) {
	out, err := tensor.MatMul(x, w)
	if err != nil {
		return nil, err
	}
	if b.Rows != out.Cols || b.Cols != 1 {
		return nil, fmt.Errorf("%w: bias %dx%d for %d outputs", tensor.ErrShape, b.Rows, b.Cols, out.Cols)
	}
	for i := 0; i < out.Rows; i++ {
		row := out.Row(i)
		for j := range row {
			row[j] += b.Data[j]
		}
	}
	return out, nil
}

// colSums reduces a sample-major matrix over the batch axis.
func colSums(a *tensor.Dense) []float64 {
	out := make([]float64, a.Cols)
	for i := 0; i < a.Rows; i++ {
		row := a.Row(i)
		for j, v := range row {
			out[j] += v
		}
	}
	return out
}
