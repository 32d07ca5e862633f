package train

import (
	"errors"
	"math/rand"
	"sync"
)

// SPSA estimates a gradient from paired loss probes at symmetric random
// parameter perturbations. It needs only a loss evaluation, so it serves
// variants without an exact reverse-mode path.
type SPSA struct {
	C      float64 // probe radius
	Probes int     // averaged two-sided estimates per call

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSPSA returns an estimator with the given probe radius and probe count;
// non-positive values select the defaults (1e-4, 1).
func NewSPSA(c float64, probes int, rng *rand.Rand) *SPSA {
	if c <= 0 {
		c = 1e-4
	}
	if probes < 1 {
		probes = 1
	}
	return &SPSA{C: c, Probes: probes, rand: rng}
}

func (s *SPSA) flipSign() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand.Intn(2) == 0 {
		return -1
	}
	return 1
}

// Estimate returns an averaged simultaneous-perturbation gradient estimate
// at the parameter vector at. lossAt must evaluate the loss at an arbitrary
// vector of the same length and leave no lasting state behind.
func (s *SPSA) Estimate(at []float64, lossAt func([]float64) (float64, error)) ([]float64, error) {
	dim := len(at)
	if dim == 0 {
		return nil, errors.New("train: spsa on empty parameter vector")
	}
	grad := make([]float64, dim)
	delta := make([]float64, dim)
	probe := make([]float64, dim)
	for p := 0; p < s.Probes; p++ {
		for i := range delta {
			delta[i] = s.flipSign()
		}
		for i := range probe {
			probe[i] = at[i] + s.C*delta[i]
		}
		up, err := lossAt(probe)
		if err != nil {
			return nil, err
		}
		for i := range probe {
			probe[i] = at[i] - s.C*delta[i]
		}
		down, err := lossAt(probe)
		if err != nil {
			return nil, err
		}
		scale := 1 / (2 * s.C * float64(s.Probes))
		for i := range grad {
			grad[i] += (up - down) * scale / delta[i]
		}
	}
	return grad, nil
}
