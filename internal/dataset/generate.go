package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"pertnet/internal/tensor"
)

// GenerateOptions fixes the synthetic table dimensions. Perturbations target
// nodes below ActivityNodes so every row has a usable pair index; responses
// come from a squashed random linear map over the same node partition.
type GenerateOptions struct {
	Samples       int
	Nodes         int
	ProteinNodes  int
	ActivityNodes int
	MaxTargets    int
	Seed          int64
}

// Generate builds a reproducible synthetic perturbation/response pair for
// smoke runs and examples.
func Generate(opts GenerateOptions) (*Dataset, error) {
	if opts.Samples < 1 || opts.Nodes < 2 {
		return nil, fmt.Errorf("%w: generate needs at least 1 sample and 2 nodes, got %d/%d",
			ErrData, opts.Samples, opts.Nodes)
	}
	if opts.ProteinNodes < 0 || opts.ProteinNodes > opts.ActivityNodes || opts.ActivityNodes > opts.Nodes {
		return nil, fmt.Errorf("%w: node partition needs 0 <= protein (%d) <= activity (%d) <= nodes (%d)",
			ErrData, opts.ProteinNodes, opts.ActivityNodes, opts.Nodes)
	}
	if opts.ActivityNodes < 1 {
		return nil, fmt.Errorf("%w: generate needs at least one perturbable node", ErrData)
	}
	maxTargets := opts.MaxTargets
	if maxTargets < 1 {
		maxTargets = 2
	}
	if maxTargets > opts.ActivityNodes {
		maxTargets = opts.ActivityNodes
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	pert := tensor.NewDense(opts.Samples, opts.Nodes)
	for s := 0; s < opts.Samples; s++ {
		row := pert.Row(s)
		targets := 1 + rng.Intn(maxTargets)
		for k := 0; k < targets; k++ {
			node := rng.Intn(opts.ActivityNodes)
			amp := 0.5 + rng.Float64()
			if rng.Intn(2) == 0 {
				amp = -amp
			}
			row[node] = amp
		}
	}

	// Hidden ground-truth coupling with the usual structural zeros.
	coupling := tensor.NewDense(opts.Nodes, opts.Nodes)
	for i := 0; i < opts.Nodes; i++ {
		for j := 0; j < opts.Nodes; j++ {
			if i == j {
				continue
			}
			coupling.Set(i, j, rng.NormFloat64()*0.5)
		}
	}
	resp, err := tensor.MatMul(pert, coupling)
	if err != nil {
		return nil, err
	}
	for i := range resp.Data {
		resp.Data[i] = math.Tanh(resp.Data[i] + rng.NormFloat64()*0.01)
	}
	return &Dataset{Name: "synthetic", Pert: pert, Resp: resp}, nil
}
