package pert

import (
	"math"
	"math/rand"
	"testing"

	"pertnet/internal/kernel"
	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

func denseOf(t *testing.T, rows, cols int, vals ...float64) *tensor.Dense {
	t.Helper()
	d, err := tensor.NewDenseFrom(rows, cols, vals)
	if err != nil {
		t.Fatalf("build %dx%d: %v", rows, cols, err)
	}
	return d
}

func cellboxConfig(code int) Config {
	return Config{
		Model:          ModelCellBox,
		NX:             3,
		NProteinNodes:  2,
		NActivityNodes: 2,
		PertForm:       PertFormByInput,
		Envelope:       code,
		EnvelopeForm:   kernel.EnvelopeFormTanh,
		ODESolver:      kernel.SolverHeun,
		DT:             0.1,
		NT:             4,
		ODELastSteps:   2,
		Seed:           7,
	}.WithDefaults()
}

// fdGrad central-differences the loss closure over the flat parameter vector.
func fdGrad(t *testing.T, ps *ParamSet, lossAt func() float64, eps float64) []float64 {
	t.Helper()
	base := ps.Vector()
	grad := make([]float64, len(base))
	probe := make([]float64, len(base))
	for i := range base {
		copy(probe, base)
		probe[i] = base[i] + eps
		if err := ps.SetVector(probe); err != nil {
			t.Fatalf("probe up: %v", err)
		}
		up := lossAt()
		probe[i] = base[i] - eps
		if err := ps.SetVector(probe); err != nil {
			t.Fatalf("probe down: %v", err)
		}
		down := lossAt()
		grad[i] = (up - down) / (2 * eps)
	}
	if err := ps.SetVector(base); err != nil {
		t.Fatalf("restore: %v", err)
	}
	return grad
}

func TestCellBoxParamLayout(t *testing.T) {
	m, err := newCellBox(cellboxConfig(kernel.EnvelopeInside), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	names := m.Params().Names()
	want := []string{"W", "alpha", "eps"}
	if len(names) != len(want) {
		t.Fatalf("param names: got=%v want=%v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("param names: got=%v want=%v", names, want)
		}
	}

	m2, err := newCellBox(cellboxConfig(kernel.EnvelopeScaled), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build scaled: %v", err)
	}
	if got := m2.Params().Names(); len(got) != 4 || got[3] != "psi" {
		t.Fatalf("scaled param names: got=%v", got)
	}
}

func TestCellBoxInitialState(t *testing.T) {
	mu := denseOf(t, 3, 2, 1, 0, 0, 2, 3, 4)

	cfg := cellboxConfig(kernel.EnvelopeInside)
	cfg.NX = 2
	cfg.NProteinNodes = 1
	cfg.NActivityNodes = 1
	m, err := newCellBox(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	y0, err := m.InitialState(tensor.DenseBatch(mu))
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	if y0.Rows != 2 || y0.Cols != 3 {
		t.Fatalf("initial state dims: got=%dx%d want=2x3", y0.Rows, y0.Cols)
	}
	for _, v := range y0.Data {
		if v != 0 {
			t.Fatalf("by-input initial state not zero: %v", y0.Data)
		}
	}

	cfg.PertForm = PertFormFixNodeLevel
	m, err = newCellBox(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build fix: %v", err)
	}
	y0, err = m.InitialState(tensor.DenseBatch(mu))
	if err != nil {
		t.Fatalf("initial state fix: %v", err)
	}
	want := []float64{1, 0, 3, 0, 2, 4}
	for i := range want {
		if y0.Data[i] != want[i] {
			t.Fatalf("fix-node-level y0[%d]: got=%v want=%v", i, y0.Data[i], want[i])
		}
	}
	if m.boundary != cfg.NActivityNodes {
		t.Fatalf("gradient boundary: got=%d want=%d", m.boundary, cfg.NActivityNodes)
	}

	if _, err := m.InitialState(tensor.DenseBatch(denseOf(t, 1, 3, 1, 2, 3))); err == nil {
		t.Fatalf("wrong node count accepted")
	}
}

func TestCellBoxZeroFixedPoint(t *testing.T) {
	m, err := newCellBox(cellboxConfig(kernel.EnvelopeInside), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	mu := tensor.NewDense(2, 3)
	batch := tensor.DenseBatch(mu)
	y0, err := m.InitialState(batch)
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	res, err := m.Forward(y0, batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Prediction.Rows != 2 || res.Prediction.Cols != 3 {
		t.Fatalf("prediction dims: got=%dx%d want=2x3", res.Prediction.Rows, res.Prediction.Cols)
	}
	if res.Diagnostic.Rows != 9 || res.Diagnostic.Cols != 2 {
		t.Fatalf("diagnostic dims: got=%dx%d want=9x2", res.Diagnostic.Rows, res.Diagnostic.Cols)
	}
	// Zero input from a zero state is an exact fixed point: prediction, tail
	// moments and final derivative all stay zero.
	for i, v := range res.Prediction.Data {
		if v != 0 {
			t.Fatalf("prediction[%d] moved off the fixed point: %v", i, v)
		}
	}
	for i, v := range res.Diagnostic.Data {
		if v != 0 {
			t.Fatalf("diagnostic[%d] moved off the fixed point: %v", i, v)
		}
	}
}

// With zero coupling, a linear envelope and alpha == eps, the clamped state
// x = u is an exact fixed point: the trajectory never moves, so the
// prediction returns the perturbation and every diagnostic band is exact.
func TestCellBoxSteadyStateScenario(t *testing.T) {
	cfg := Config{
		Model:          ModelCellBox,
		NX:             4,
		NProteinNodes:  1,
		NActivityNodes: 2,
		PertForm:       PertFormFixNodeLevel,
		Envelope:       kernel.EnvelopeInside,
		EnvelopeForm:   kernel.EnvelopeFormLinear,
		ODESolver:      kernel.SolverHeun,
		DT:             0.1,
		NT:             3,
		ODELastSteps:   1,
		Seed:           11,
	}.WithDefaults()
	m, err := newCellBox(cfg, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	snap := m.ps.Snapshot()
	for i := range snap["W"] {
		snap["W"][i] = 0
	}
	if err := m.ps.Restore(snap); err != nil {
		t.Fatalf("zero W: %v", err)
	}

	mu := denseOf(t, 1, 4, 0.5, -0.25, 0.75, 1)
	batch := tensor.DenseBatch(mu)
	y0, err := m.InitialState(batch)
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	for i := range mu.Data {
		if y0.Data[i] != mu.Data[i] {
			t.Fatalf("y0[%d]: got=%v want=%v", i, y0.Data[i], mu.Data[i])
		}
	}
	res, err := m.Forward(y0, batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Prediction.Rows != 1 || res.Prediction.Cols != 4 {
		t.Fatalf("prediction dims: got=%dx%d want=1x4", res.Prediction.Rows, res.Prediction.Cols)
	}
	if res.Diagnostic.Rows != 12 || res.Diagnostic.Cols != 1 {
		t.Fatalf("diagnostic dims: got=%dx%d want=12x1", res.Diagnostic.Rows, res.Diagnostic.Cols)
	}
	for i := 0; i < 4; i++ {
		if math.Abs(res.Prediction.At(0, i)-mu.At(0, i)) > 1e-12 {
			t.Fatalf("prediction[%d] drifted: got=%v want=%v", i, res.Prediction.At(0, i), mu.At(0, i))
		}
		if math.Abs(res.Diagnostic.At(i, 0)-mu.At(0, i)) > 1e-12 {
			t.Fatalf("tail mean[%d]: got=%v want=%v", i, res.Diagnostic.At(i, 0), mu.At(0, i))
		}
		if res.Diagnostic.At(4+i, 0) != 0 {
			t.Fatalf("tail sd[%d] nonzero: %v", i, res.Diagnostic.At(4+i, 0))
		}
		if math.Abs(res.Diagnostic.At(8+i, 0)) > 1e-12 {
			t.Fatalf("final derivative[%d] nonzero: %v", i, res.Diagnostic.At(8+i, 0))
		}
	}
}

func TestCellBoxForwardShapes(t *testing.T) {
	m, err := newCellBox(cellboxConfig(kernel.EnvelopeInside), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	mu := denseOf(t, 2, 3, 0.5, 0, -0.3, 0, 0.8, 0.2)
	batch := tensor.DenseBatch(mu)
	y0, err := m.InitialState(batch)
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	res, err := m.Forward(y0, batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Prediction.Rows != 2 || res.Prediction.Cols != 3 {
		t.Fatalf("prediction dims: got=%dx%d want=2x3", res.Prediction.Rows, res.Prediction.Cols)
	}
	if res.Diagnostic.Rows != 9 || res.Diagnostic.Cols != 2 {
		t.Fatalf("diagnostic dims: got=%dx%d want=9x2", res.Diagnostic.Rows, res.Diagnostic.Cols)
	}
	// The middle band carries tail standard deviations.
	for i := 3; i < 6; i++ {
		for j := 0; j < 2; j++ {
			if res.Diagnostic.At(i, j) < 0 {
				t.Fatalf("negative tail sd at %d,%d: %v", i, j, res.Diagnostic.At(i, j))
			}
		}
	}
}

func TestCellBoxSparseMatchesDense(t *testing.T) {
	m, err := newCellBox(cellboxConfig(kernel.EnvelopeInside), rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	mu := denseOf(t, 2, 3, 0.5, 0, -0.3, 0, 0.8, 0)
	sp := tensor.NewSparse(2, 3)
	sp.Append(0, 0, 0.5)
	sp.Append(0, 2, -0.3)
	sp.Append(1, 1, 0.8)

	run := func(batch tensor.Batch) *tensor.Dense {
		y0, err := m.InitialState(batch)
		if err != nil {
			t.Fatalf("initial state: %v", err)
		}
		res, err := m.Forward(y0, batch)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return res.Prediction
	}
	dense := run(tensor.DenseBatch(mu))
	sparse := run(tensor.SparseBatch(sp))
	for i := range dense.Data {
		if dense.Data[i] != sparse.Data[i] {
			t.Fatalf("sparse path diverged at %d: got=%v want=%v", i, sparse.Data[i], dense.Data[i])
		}
	}
}

func TestCellBoxGradMatchesFiniteDifference(t *testing.T) {
	mu := denseOf(t, 2, 3, 0.5, 0, -0.3, 0, 0.8, 0.2)
	target := denseOf(t, 2, 3, 0.2, -0.1, 0.4, 0, 0.3, -0.5)
	batch := tensor.DenseBatch(mu)

	cases := []struct {
		name     string
		code     int
		pertForm string
		weighted bool
	}{
		{"inside", kernel.EnvelopeInside, PertFormByInput, false},
		{"inside weighted", kernel.EnvelopeInside, PertFormByInput, true},
		{"outside", kernel.EnvelopeOutside, PertFormByInput, false},
		{"scaled", kernel.EnvelopeScaled, PertFormByInput, false},
		{"fix node level", kernel.EnvelopeInside, PertFormFixNodeLevel, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := cellboxConfig(tc.code)
			cfg.PertForm = tc.pertForm
			if tc.pertForm == PertFormFixNodeLevel {
				// A full-width activity block keeps every state row in the
				// gradient, so finite differences remain the reference.
				cfg.NActivityNodes = cfg.NX
			}
			m, err := newCellBox(cfg, rand.New(rand.NewSource(11)))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			var wts *tensor.Dense
			if tc.weighted {
				wts = train.MagnitudeWeights(target, DefaultWeightAlpha)
			}
			_, grad, err := m.ReconGrad(batch, target, wts)
			if err != nil {
				t.Fatalf("recon grad: %v", err)
			}
			lossAt := func() float64 {
				y0, err := m.InitialState(batch)
				if err != nil {
					t.Fatalf("initial state: %v", err)
				}
				res, err := m.Forward(y0, batch)
				if err != nil {
					t.Fatalf("forward: %v", err)
				}
				_, recon, err := train.Loss(target, res.Prediction, nil, 0, 0, wts)
				if err != nil {
					t.Fatalf("loss: %v", err)
				}
				return recon
			}
			fd := fdGrad(t, m.Params(), lossAt, 1e-6)
			for i := range fd {
				if diff := math.Abs(grad[i] - fd[i]); diff > 1e-5 {
					t.Fatalf("grad[%d]: got=%v fd=%v", i, grad[i], fd[i])
				}
			}
		})
	}
}

func TestCellBoxMaskedGradientsZero(t *testing.T) {
	cfg := cellboxConfig(kernel.EnvelopeInside)
	m, err := newCellBox(cfg, rand.New(rand.NewSource(13)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	mu := denseOf(t, 2, 3, 0.5, 0, -0.3, 0, 0.8, 0.2)
	target := denseOf(t, 2, 3, 0.2, -0.1, 0.4, 0, 0.3, -0.5)
	_, grad, err := m.ReconGrad(tensor.DenseBatch(mu), target, nil)
	if err != nil {
		t.Fatalf("recon grad: %v", err)
	}
	mask := m.Params().Mask("W")
	for i := range mask.Data {
		if mask.Data[i] == 0 && grad[i] != 0 {
			t.Fatalf("masked entry %d received gradient %v", i, grad[i])
		}
	}
}
