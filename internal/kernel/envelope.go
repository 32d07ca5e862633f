package kernel

import (
	"errors"
	"fmt"
	"math"

	"pertnet/internal/tensor"
)

// Envelope structure codes: where the perturbation input enters the
// derivative.
const (
	// EnvelopeInside folds the perturbation into the envelope argument:
	// dx/dt = eps*phi(W*x + u) - alpha*x.
	EnvelopeInside = 0
	// EnvelopeOutside adds the perturbation after the envelope:
	// dx/dt = eps*phi(W*x) + u - alpha*x.
	EnvelopeOutside = 1
	// EnvelopeScaled applies a learnable per-node slope to the coupling term:
	// dx/dt = eps*phi(psi*(W*x) + u) - alpha*x.
	EnvelopeScaled = 2
)

const (
	EnvelopeFormTanh   = "tanh"
	EnvelopeFormLinear = "linear"
	EnvelopeFormClip   = "clip"
)

var ErrEnvelope = errors.New("kernel: unknown envelope")

// Envelope is a pointwise nonlinearity with its derivative.
type Envelope struct {
	Name string
	F    func(float64) float64
	DF   func(float64) float64
}

// NormalizeEnvelopeFormName maps the empty form to the default.
func NormalizeEnvelopeFormName(name string) string {
	if name == "" {
		return EnvelopeFormTanh
	}
	return name
}

// EnvelopeByName returns the envelope form for name; "" selects tanh.
func EnvelopeByName(name string) (Envelope, error) {
	switch NormalizeEnvelopeFormName(name) {
	case EnvelopeFormTanh:
		return Envelope{
			Name: EnvelopeFormTanh,
			F:    math.Tanh,
			DF: func(z float64) float64 {
				t := math.Tanh(z)
				return 1 - t*t
			},
		}, nil
	case EnvelopeFormLinear:
		return Envelope{
			Name: EnvelopeFormLinear,
			F:    func(z float64) float64 { return z },
			DF:   func(float64) float64 { return 1 },
		}, nil
	case EnvelopeFormClip:
		return Envelope{
			Name: EnvelopeFormClip,
			F: func(z float64) float64 {
				if z > 1 {
					return 1
				}
				if z < -1 {
					return -1
				}
				return z
			},
			DF: func(z float64) float64 {
				if z > 1 || z < -1 {
					return 0
				}
				return 1
			},
		}, nil
	default:
		return Envelope{}, fmt.Errorf("%w form %q", ErrEnvelope, name)
	}
}

// Hopfield is the coupled nonlinear derivative of the interaction network.
// W must already have structural constraints applied; Alpha, Eps and Psi must
// already be positive.
type Hopfield struct {
	W     *tensor.Dense
	Alpha []float64
	Eps   []float64
	Psi   []float64
	Code  int
	Env   Envelope
}

// NewHopfield validates dimensions and the envelope code.
func NewHopfield(w *tensor.Dense, alpha, eps, psi []float64, code int, env Envelope) (*Hopfield, error) {
	n := w.Rows
	if w.Cols != n {
		return nil, fmt.Errorf("%w: interaction matrix %dx%d is not square", tensor.ErrShape, w.Rows, w.Cols)
	}
	if len(alpha) != n || len(eps) != n {
		return nil, fmt.Errorf("%w: alpha/eps length %d/%d for %d nodes", tensor.ErrShape, len(alpha), len(eps), n)
	}
	switch code {
	case EnvelopeInside, EnvelopeOutside:
	case EnvelopeScaled:
		if len(psi) != n {
			return nil, fmt.Errorf("%w: psi length %d for %d nodes", tensor.ErrShape, len(psi), n)
		}
	default:
		return nil, fmt.Errorf("%w code %d", ErrEnvelope, code)
	}
	return &Hopfield{W: w, Alpha: alpha, Eps: eps, Psi: psi, Code: code, Env: env}, nil
}

// preactivation returns s = W*x and the envelope argument z for the code.
func (h *Hopfield) preactivation(x, u *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	s, err := tensor.MatMul(h.W, x)
	if err != nil {
		return nil, nil, err
	}
	z := s.Clone()
	switch h.Code {
	case EnvelopeInside:
		for i, v := range u.Data {
			z.Data[i] += v
		}
	case EnvelopeOutside:
	case EnvelopeScaled:
		for i := 0; i < z.Rows; i++ {
			row := z.Row(i)
			for j := range row {
				row[j] = h.Psi[i]*row[j] + u.At(i, j)
			}
		}
	}
	return s, z, nil
}

// Eval computes dx/dt for node-major state x and perturbation u.
func (h *Hopfield) Eval(x, u *tensor.Dense) (*tensor.Dense, error) {
	if x.Rows != h.W.Rows || u.Rows != h.W.Rows || x.Cols != u.Cols {
		return nil, fmt.Errorf("%w: dxdt state %dx%d pert %dx%d nodes %d",
			tensor.ErrShape, x.Rows, x.Cols, u.Rows, u.Cols, h.W.Rows)
	}
	_, z, err := h.preactivation(x, u)
	if err != nil {
		return nil, err
	}
	out := tensor.NewDense(x.Rows, x.Cols)
	for i := 0; i < x.Rows; i++ {
		zrow := z.Row(i)
		xrow := x.Row(i)
		orow := out.Row(i)
		for j := range orow {
			orow[j] = h.Eps[i]*h.Env.F(zrow[j]) - h.Alpha[i]*xrow[j]
		}
	}
	if h.Code == EnvelopeOutside {
		for i, v := range u.Data {
			out.Data[i] += v
		}
	}
	return out, nil
}

// HopfieldGrads accumulates parameter gradients across derivative
// evaluations. Values are with respect to the effective (masked) W and the
// positive alpha/eps/psi; chaining through mask and positivity transform is
// the caller's concern.
type HopfieldGrads struct {
	W     *tensor.Dense
	Alpha []float64
	Eps   []float64
	Psi   []float64
}

// NewHopfieldGrads returns a zeroed accumulator for n nodes.
func NewHopfieldGrads(n int, withPsi bool) *HopfieldGrads {
	g := &HopfieldGrads{
		W:     tensor.NewDense(n, n),
		Alpha: make([]float64, n),
		Eps:   make([]float64, n),
	}
	if withPsi {
		g.Psi = make([]float64, n)
	}
	return g
}

// VJP propagates the adjoint g = dL/d(dx/dt) backward through one derivative
// evaluation at (x, u). It accumulates parameter gradients into acc and
// returns dL/dx.
func (h *Hopfield) VJP(x, u, g *tensor.Dense, acc *HopfieldGrads) (*tensor.Dense, error) {
	s, z, err := h.preactivation(x, u)
	if err != nil {
		return nil, err
	}
	n, b := x.Rows, x.Cols
	// H = g * eps * phi'(z), the adjoint at the envelope argument.
	hmat := tensor.NewDense(n, b)
	for i := 0; i < n; i++ {
		grow := g.Row(i)
		zrow := z.Row(i)
		hrow := hmat.Row(i)
		for j := range hrow {
			hrow[j] = grow[j] * h.Eps[i] * h.Env.DF(zrow[j])
		}
	}
	for i := 0; i < n; i++ {
		grow := g.Row(i)
		zrow := z.Row(i)
		xrow := x.Row(i)
		for j := 0; j < b; j++ {
			acc.Eps[i] += grow[j] * h.Env.F(zrow[j])
			acc.Alpha[i] -= grow[j] * xrow[j]
		}
		if h.Code == EnvelopeScaled {
			hrow := hmat.Row(i)
			srow := s.Row(i)
			for j := 0; j < b; j++ {
				acc.Psi[i] += hrow[j] * srow[j]
			}
		}
	}
	// The coupling adjoint picks up the psi slope under the scaled code.
	coup := hmat
	if h.Code == EnvelopeScaled {
		coup = tensor.NewDense(n, b)
		for i := 0; i < n; i++ {
			hrow := hmat.Row(i)
			crow := coup.Row(i)
			for j := range crow {
				crow[j] = h.Psi[i] * hrow[j]
			}
		}
	}
	dw, err := tensor.MatMul(coup, x.T())
	if err != nil {
		return nil, err
	}
	if err := acc.W.AXPY(1, dw); err != nil {
		return nil, err
	}
	dx, err := tensor.MatMul(h.W.T(), coup)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		grow := g.Row(i)
		drow := dx.Row(i)
		for j := range drow {
			drow[j] -= h.Alpha[i] * grow[j]
		}
	}
	return dx, nil
}
