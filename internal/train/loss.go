package train

import (
	"fmt"
	"math"

	"pertnet/internal/tensor"
)

// MagnitudeWeights returns |target|^alpha elementwise, the expr weighting
// matrix: entries with larger measured responses weigh more, entries with no
// response drop out of the fit.
func MagnitudeWeights(target *tensor.Dense, alpha float64) *tensor.Dense {
	return target.Apply(func(v float64) float64 {
		return math.Pow(math.Abs(v), alpha)
	})
}

// Loss computes the composite fitting loss: mean squared reconstruction
// error, optionally sample-weighted, plus mean L1 and L2 penalties on the
// regularized tensor. It returns the total and the bare reconstruction term.
func Loss(target, pred, reg *tensor.Dense, l1, l2 float64, weights *tensor.Dense) (float64, float64, error) {
	if target.Rows != pred.Rows || target.Cols != pred.Cols {
		return 0, 0, fmt.Errorf("%w: loss target %dx%d vs prediction %dx%d",
			tensor.ErrShape, target.Rows, target.Cols, pred.Rows, pred.Cols)
	}
	if weights != nil && (weights.Rows != target.Rows || weights.Cols != target.Cols) {
		return 0, 0, fmt.Errorf("%w: loss weights %dx%d vs target %dx%d",
			tensor.ErrShape, weights.Rows, weights.Cols, target.Rows, target.Cols)
	}
	recon := 0.0
	for i := range target.Data {
		diff := target.Data[i] - pred.Data[i]
		sq := diff * diff
		if weights != nil {
			sq *= weights.Data[i]
		}
		recon += sq
	}
	recon /= float64(len(target.Data))

	total := recon
	if reg != nil && len(reg.Data) > 0 {
		n := float64(len(reg.Data))
		total += l1 * reg.SumAbs() / n
		total += l2 * reg.SumSquares() / n
	}
	return total, recon, nil
}

// ReconSeed returns d(recon)/d(prediction) for the weighted mean squared
// reconstruction term: 2*w*(pred-target)/N.
func ReconSeed(target, pred, weights *tensor.Dense) (*tensor.Dense, error) {
	if target.Rows != pred.Rows || target.Cols != pred.Cols {
		return nil, fmt.Errorf("%w: seed target %dx%d vs prediction %dx%d",
			tensor.ErrShape, target.Rows, target.Cols, pred.Rows, pred.Cols)
	}
	out := tensor.NewDense(target.Rows, target.Cols)
	n := float64(len(target.Data))
	for i := range out.Data {
		g := 2 * (pred.Data[i] - target.Data[i]) / n
		if weights != nil {
			g *= weights.Data[i]
		}
		out.Data[i] = g
	}
	return out, nil
}
