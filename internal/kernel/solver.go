package kernel

import (
	"errors"
	"fmt"

	"pertnet/internal/tensor"
)

// Solver method names.
const (
	SolverEuler    = "euler"
	SolverMidpoint = "midpoint"
	SolverHeun     = "heun"
	SolverRK4      = "rk4"
)

var ErrSolver = errors.New("kernel: unknown solver")

// Deriv is the system derivative dx/dt = f(x, u).
type Deriv func(x, u *tensor.Dense) (*tensor.Dense, error)

// DerivVJP propagates an adjoint dL/d(dx/dt) backward through one derivative
// evaluation at (x, u), returning dL/dx. Parameter gradients accumulate in
// whatever the closure captures.
type DerivVJP func(x, u, g *tensor.Dense) (*tensor.Dense, error)

// SolveSpec fixes the integration scheme. ZeroFrom marks the node row from
// which state gradients are cut at every step boundary; 0 disables the cut.
// Forward values are unaffected by ZeroFrom.
type SolveSpec struct {
	Method   string
	DT       float64
	Steps    int
	ZeroFrom int
}

// NormalizeSolverName maps the empty method to the default.
func NormalizeSolverName(name string) string {
	if name == "" {
		return SolverHeun
	}
	return name
}

func (s SolveSpec) validate() error {
	switch NormalizeSolverName(s.Method) {
	case SolverEuler, SolverMidpoint, SolverHeun, SolverRK4:
	default:
		return fmt.Errorf("%w %q", ErrSolver, s.Method)
	}
	if s.DT <= 0 {
		return fmt.Errorf("kernel: step size must be positive, got %v", s.DT)
	}
	if s.Steps <= 0 {
		return fmt.Errorf("kernel: step count must be positive, got %d", s.Steps)
	}
	return nil
}

// stepAdd returns x + s*d as a new matrix.
func stepAdd(x *tensor.Dense, s float64, d *tensor.Dense) (*tensor.Dense, error) {
	out := x.Clone()
	if err := out.AXPY(s, d); err != nil {
		return nil, err
	}
	return out, nil
}

// Solve integrates exactly spec.Steps steps of size spec.DT from y0 and
// returns the trajectory, most recent state last. The returned slice never
// includes y0.
func Solve(spec SolveSpec, y0, u *tensor.Dense, f Deriv) ([]*tensor.Dense, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	states := make([]*tensor.Dense, 0, spec.Steps)
	x := y0
	h := spec.DT
	for k := 0; k < spec.Steps; k++ {
		next, err := advance(spec.Method, h, x, u, f)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", k, err)
		}
		states = append(states, next)
		x = next
	}
	return states, nil
}

func advance(method string, h float64, x, u *tensor.Dense, f Deriv) (*tensor.Dense, error) {
	switch NormalizeSolverName(method) {
	case SolverEuler:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		return stepAdd(x, h, k1)
	case SolverMidpoint:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h/2, k1)
		if err != nil {
			return nil, err
		}
		k2, err := f(s2, u)
		if err != nil {
			return nil, err
		}
		return stepAdd(x, h, k2)
	case SolverHeun:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h, k1)
		if err != nil {
			return nil, err
		}
		k2, err := f(s2, u)
		if err != nil {
			return nil, err
		}
		out := x.Clone()
		if err := out.AXPY(h/2, k1); err != nil {
			return nil, err
		}
		if err := out.AXPY(h/2, k2); err != nil {
			return nil, err
		}
		return out, nil
	case SolverRK4:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h/2, k1)
		if err != nil {
			return nil, err
		}
		k2, err := f(s2, u)
		if err != nil {
			return nil, err
		}
		s3, err := stepAdd(x, h/2, k2)
		if err != nil {
			return nil, err
		}
		k3, err := f(s3, u)
		if err != nil {
			return nil, err
		}
		s4, err := stepAdd(x, h, k3)
		if err != nil {
			return nil, err
		}
		k4, err := f(s4, u)
		if err != nil {
			return nil, err
		}
		out := x.Clone()
		if err := out.AXPY(h/6, k1); err != nil {
			return nil, err
		}
		if err := out.AXPY(h/3, k2); err != nil {
			return nil, err
		}
		if err := out.AXPY(h/3, k3); err != nil {
			return nil, err
		}
		if err := out.AXPY(h/6, k4); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrSolver, method)
	}
}

// cutRows zeroes adjoint rows at and past the gradient boundary, mirroring a
// stop-gradient applied to the clamped node block after every step.
func cutRows(a *tensor.Dense, zeroFrom int) *tensor.Dense {
	if zeroFrom <= 0 || zeroFrom >= a.Rows {
		return a
	}
	out := a.Clone()
	for i := zeroFrom; i < out.Rows; i++ {
		row := out.Row(i)
		for j := range row {
			row[j] = 0
		}
	}
	return out
}

// SolveAdjoint replays a forward trajectory in reverse. states must hold y0
// followed by the spec.Steps states Solve produced. seed is dL/d(final
// state); the returned matrix is dL/dy0. Parameter gradients accumulate
// through vjp.
func SolveAdjoint(spec SolveSpec, states []*tensor.Dense, u *tensor.Dense, f Deriv, vjp DerivVJP, seed *tensor.Dense) (*tensor.Dense, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if len(states) != spec.Steps+1 {
		return nil, fmt.Errorf("%w: adjoint needs %d states, got %d", tensor.ErrShape, spec.Steps+1, len(states))
	}
	a := seed
	h := spec.DT
	for k := spec.Steps; k >= 1; k-- {
		a = cutRows(a, spec.ZeroFrom)
		prev, err := retreat(spec.Method, h, states[k-1], u, f, vjp, a)
		if err != nil {
			return nil, fmt.Errorf("adjoint step %d: %w", k, err)
		}
		a = prev
	}
	return a, nil
}

// retreat runs the reverse-mode step for one integration step that started at
// x, given the adjoint a at the step result. It returns the adjoint at x.
func retreat(method string, h float64, x, u *tensor.Dense, f Deriv, vjp DerivVJP, a *tensor.Dense) (*tensor.Dense, error) {
	switch NormalizeSolverName(method) {
	case SolverEuler:
		xbar := a.Clone()
		k1bar := a.Clone().Scale(h)
		s1bar, err := vjp(x, u, k1bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s1bar); err != nil {
			return nil, err
		}
		return xbar, nil
	case SolverMidpoint:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h/2, k1)
		if err != nil {
			return nil, err
		}
		xbar := a.Clone()
		k2bar := a.Clone().Scale(h)
		s2bar, err := vjp(s2, u, k2bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s2bar); err != nil {
			return nil, err
		}
		k1bar := s2bar.Clone().Scale(h / 2)
		s1bar, err := vjp(x, u, k1bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s1bar); err != nil {
			return nil, err
		}
		return xbar, nil
	case SolverHeun:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h, k1)
		if err != nil {
			return nil, err
		}
		xbar := a.Clone()
		k2bar := a.Clone().Scale(h / 2)
		s2bar, err := vjp(s2, u, k2bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s2bar); err != nil {
			return nil, err
		}
		k1bar := a.Clone().Scale(h / 2)
		if err := k1bar.AXPY(h, s2bar); err != nil {
			return nil, err
		}
		s1bar, err := vjp(x, u, k1bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s1bar); err != nil {
			return nil, err
		}
		return xbar, nil
	case SolverRK4:
		k1, err := f(x, u)
		if err != nil {
			return nil, err
		}
		s2, err := stepAdd(x, h/2, k1)
		if err != nil {
			return nil, err
		}
		k2, err := f(s2, u)
		if err != nil {
			return nil, err
		}
		s3, err := stepAdd(x, h/2, k2)
		if err != nil {
			return nil, err
		}
		k3, err := f(s3, u)
		if err != nil {
			return nil, err
		}
		s4, err := stepAdd(x, h, k3)
		if err != nil {
			return nil, err
		}
		xbar := a.Clone()
		k4bar := a.Clone().Scale(h / 6)
		s4bar, err := vjp(s4, u, k4bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s4bar); err != nil {
			return nil, err
		}
		k3bar := a.Clone().Scale(h / 3)
		if err := k3bar.AXPY(h, s4bar); err != nil {
			return nil, err
		}
		s3bar, err := vjp(s3, u, k3bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s3bar); err != nil {
			return nil, err
		}
		k2bar := a.Clone().Scale(h / 3)
		if err := k2bar.AXPY(h/2, s3bar); err != nil {
			return nil, err
		}
		s2bar, err := vjp(s2, u, k2bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s2bar); err != nil {
			return nil, err
		}
		k1bar := a.Clone().Scale(h / 6)
		if err := k1bar.AXPY(h/2, s2bar); err != nil {
			return nil, err
		}
		s1bar, err := vjp(x, u, k1bar)
		if err != nil {
			return nil, err
		}
		if err := xbar.AXPY(1, s1bar); err != nil {
			return nil, err
		}
		return xbar, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrSolver, method)
	}
}
