package pert

import (
	"errors"

	"pertnet/internal/tensor"
)

// ErrNotImplemented signals a model variant or operation outside the
// implemented set.
var ErrNotImplemented = errors.New("pert: not implemented")

// Result is the outcome of one forward pass.
type Result struct {
	// Prediction is sample-major, one row per perturbation condition.
	Prediction *tensor.Dense
	// Diagnostic stacks tail mean, tail standard deviation and the final
	// derivative along the node axis (3*n_x rows, one column per sample).
	// Non-dynamical variants leave it nil.
	Diagnostic *tensor.Dense
}

// Variant is the capability surface shared by every model family: parameter
// construction happens in the constructor, initial-state policy and the
// forward pass are per-variant.
type Variant interface {
	Kind() string
	Params() *ParamSet
	InitialState(pert tensor.Batch) (*tensor.Dense, error)
	Forward(y0 *tensor.Dense, pert tensor.Batch) (*Result, error)
}

// trainForwarder is implemented by variants whose training-time forward pass
// differs from evaluation (the co-expression family averages over the batch
// pair set when training).
type trainForwarder interface {
	ForwardTrain(y0 *tensor.Dense, pert tensor.Batch) (*Result, error)
}

// reconGradder is implemented by variants with an exact reverse-mode path
// for the reconstruction term. The returned gradient is aligned with the
// parameter vector and excludes regularization.
type reconGradder interface {
	ReconGrad(pert tensor.Batch, target, weights *tensor.Dense) (*tensor.Dense, []float64, error)
}
