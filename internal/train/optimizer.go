package train

import (
	"errors"
	"fmt"
	"math"

	"pertnet/internal/tensor"
)

var ErrOptimizer = errors.New("train: unknown optimizer")

// Optimizer applies one gradient step to a flat parameter vector in place.
type Optimizer interface {
	Name() string
	SetLR(lr float64)
	Step(params, grad []float64) error
}

// NewOptimizer constructs an optimizer by name.
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	switch name {
	case "", "adam":
		return NewAdam(lr), nil
	case "sgd":
		return NewSGD(lr), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrOptimizer, name)
	}
}

// SGD is plain gradient descent.
type SGD struct {
	lr float64
}

func NewSGD(lr float64) *SGD { return &SGD{lr: lr} }

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) SetLR(lr float64) { s.lr = lr }

func (s *SGD) Step(params, grad []float64) error {
	if len(params) != len(grad) {
		return fmt.Errorf("%w: sgd step %d params, %d gradients", tensor.ErrShape, len(params), len(grad))
	}
	for i, g := range grad {
		params[i] -= s.lr * g
	}
	return nil
}

// Adam keeps bias-corrected first and second moment estimates per parameter.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	m     []float64
	v     []float64
	t     int
}

func NewAdam(lr float64) *Adam {
	return &Adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) SetLR(lr float64) { a.lr = lr }

func (a *Adam) Step(params, grad []float64) error {
	if len(params) != len(grad) {
		return fmt.Errorf("%w: adam step %d params, %d gradients", tensor.ErrShape, len(params), len(grad))
	}
	if a.m == nil {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
	}
	if len(a.m) != len(params) {
		return fmt.Errorf("%w: adam state %d for %d params", tensor.ErrShape, len(a.m), len(params))
	}
	a.t++
	b1Corr := 1 - math.Pow(a.beta1, float64(a.t))
	b2Corr := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mhat := a.m[i] / b1Corr
		vhat := a.v[i] / b2Corr
		params[i] -= a.lr * mhat / (math.Sqrt(vhat) + a.eps)
	}
	return nil
}
