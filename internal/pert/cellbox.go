package pert

import (
	"fmt"
	"math/rand"

	"pertnet/internal/kernel"
	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

// CellBox is the dynamical variant: perturbation responses come from
// integrating a structurally masked interaction network to convergence.
type CellBox struct {
	cfg      Config
	ps       *ParamSet
	mask     *tensor.Dense
	env      kernel.Envelope
	boundary int
}

func newCellBox(cfg Config, rng *rand.Rand) (*CellBox, error) {
	mask, err := BuildInteractionMask(cfg.NX, cfg.NProteinNodes, cfg.NActivityNodes)
	if err != nil {
		return nil, err
	}
	env, err := kernel.EnvelopeByName(cfg.EnvelopeForm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	ps := newParamSet()
	ps.add("W", initNormal(rng, cfg.NX, cfg.NX, 0.01, 1))
	if err := ps.setMask("W", mask); err != nil {
		return nil, err
	}
	ps.add("alpha", onesColumn(cfg.NX))
	ps.markPositive("alpha")
	ps.add("eps", onesColumn(cfg.NX))
	ps.markPositive("eps")
	if cfg.Envelope == kernel.EnvelopeScaled {
		ps.add("psi", onesColumn(cfg.NX))
		ps.markPositive("psi")
	}
	boundary := 0
	if cfg.PertForm == PertFormFixNodeLevel {
		boundary = cfg.NActivityNodes
	}
	return &CellBox{cfg: cfg, ps: ps, mask: mask, env: env, boundary: boundary}, nil
}

func (m *CellBox) Kind() string { return ModelCellBox }

func (m *CellBox) Params() *ParamSet { return m.ps }

func (m *CellBox) solveSpec() kernel.SolveSpec {
	return kernel.SolveSpec{Method: m.cfg.ODESolver, DT: m.cfg.DT, Steps: m.cfg.NT, ZeroFrom: m.boundary}
}

// InitialState builds the node-major initial condition for one batch: zeros
// under "by input", the transposed perturbation matrix under "fix node level".
func (m *CellBox) InitialState(pert tensor.Batch) (*tensor.Dense, error) {
	batch, nodes := pert.Dims()
	if nodes != m.cfg.NX {
		return nil, fmt.Errorf("%w: perturbation batch %dx%d for %d nodes",
			tensor.ErrShape, batch, nodes, m.cfg.NX)
	}
	if m.cfg.PertForm == PertFormFixNodeLevel {
		return pert.T().Dense(), nil
	}
	return tensor.NewDense(m.cfg.NX, batch), nil
}

// derivative assembles the Hopfield system from one coherent parameter
// snapshot. The returned raw map backs the positivity chain in ReconGrad; its
// "W" entry has the mask already applied.
func (m *CellBox) derivative() (*kernel.Hopfield, map[string]*tensor.Dense, error) {
	withPsi := m.cfg.Envelope == kernel.EnvelopeScaled
	names := []string{"W", "alpha", "eps"}
	if withPsi {
		names = append(names, "psi")
	}
	raws, err := m.ps.RawSet(names...)
	if err != nil {
		return nil, nil, err
	}
	w := raws["W"]
	for i := range w.Data {
		w.Data[i] *= m.mask.Data[i]
	}
	var psi []float64
	if withPsi {
		psi = positives(raws["psi"].Data)
	}
	h, err := kernel.NewHopfield(w, positives(raws["alpha"].Data), positives(raws["eps"].Data),
		psi, m.cfg.Envelope, m.env)
	if err != nil {
		return nil, nil, err
	}
	return h, raws, nil
}

func positives(raw []float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = Softplus(v)
	}
	return out
}

// Forward integrates the network and reports the converged prediction along
// with the trajectory-tail statistics used as the convergence diagnostic.
func (m *CellBox) Forward(y0 *tensor.Dense, pert tensor.Batch) (*Result, error) {
	h, _, err := m.derivative()
	if err != nil {
		return nil, err
	}
	ut := pert.T().Dense()
	states, err := kernel.Solve(m.solveSpec(), y0, ut, h.Eval)
	if err != nil {
		return nil, err
	}
	final := states[len(states)-1]
	tail := states[len(states)-m.cfg.ODELastSteps:]
	mean, sd, err := tensor.Moments(tail)
	if err != nil {
		return nil, err
	}
	dxdt, err := h.Eval(final, ut)
	if err != nil {
		return nil, err
	}
	diag, err := tensor.ConcatRows(mean, sd, dxdt)
	if err != nil {
		return nil, err
	}
	return &Result{Prediction: final.T(), Diagnostic: diag}, nil
}

// ReconGrad backpropagates the weighted reconstruction loss through the
// integrator. It returns the prediction and the flat raw-parameter gradient,
// chained through the structural mask and the softplus transform.
func (m *CellBox) ReconGrad(pert tensor.Batch, target, weights *tensor.Dense) (*tensor.Dense, []float64, error) {
	h, raws, err := m.derivative()
	if err != nil {
		return nil, nil, err
	}
	y0, err := m.InitialState(pert)
	if err != nil {
		return nil, nil, err
	}
	ut := pert.T().Dense()
	spec := m.solveSpec()
	states, err := kernel.Solve(spec, y0, ut, h.Eval)
	if err != nil {
		return nil, nil, err
	}
	pred := states[len(states)-1].T()
	seed, err := train.ReconSeed(target, pred, weights)
	if err != nil {
		return nil, nil, err
	}
	withPsi := m.cfg.Envelope == kernel.EnvelopeScaled
	acc := kernel.NewHopfieldGrads(m.cfg.NX, withPsi)
	vjp := func(x, u, g *tensor.Dense) (*tensor.Dense, error) {
		return h.VJP(x, u, g, acc)
	}
	full := append([]*tensor.Dense{y0}, states...)
	if _, err := kernel.SolveAdjoint(spec, full, ut, h.Eval, vjp, seed.T()); err != nil {
		return nil, nil, err
	}
	gw, err := tensor.Mul(acc.W, m.mask)
	if err != nil {
		return nil, nil, err
	}
	parts := map[string][]float64{
		"W":     gw.Data,
		"alpha": chainSoftplus(acc.Alpha, raws["alpha"].Data),
		"eps":   chainSoftplus(acc.Eps, raws["eps"].Data),
	}
	if withPsi {
		parts["psi"] = chainSoftplus(acc.Psi, raws["psi"].Data)
	}
	grad, err := m.ps.PackGrad(parts)
	if err != nil {
		return nil, nil, err
	}
	return pred, grad, nil
}

// chainSoftplus converts a gradient with respect to the positive value into
// one with respect to the raw parameter.
func chainSoftplus(g, raw []float64) []float64 {
	out := make([]float64, len(g))
	for i := range g {
		out[i] = g[i] * sigmoid(raw[i])
	}
	return out
}
