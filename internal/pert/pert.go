package pert

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"pertnet/internal/tensor"
	"pertnet/internal/train"
)

// BatchSource yields perturbation/response batches for one split. The
// perturbation matrix may be sparse; responses are always dense. Both are
// sample-major.
type BatchSource interface {
	Next(ctx context.Context) (tensor.Batch, *tensor.Dense, error)
}

// DataSplits wires one source per forward pass.
type DataSplits struct {
	Train   BatchSource
	Monitor BatchSource
	Eval    BatchSource
}

// SplitEval reports one forward pass over one batch. Diagnostic is nil for
// non-dynamical variants and for optimize steps.
type SplitEval struct {
	Loss       float64
	Recon      float64
	Yhat       *tensor.Dense
	Diagnostic *tensor.Dense
}

// opsProfile fixes, per model family, which tensor is regularized and what
// the reconstruction target is.
type opsProfile struct {
	regName    string
	useL2      bool
	lossOnPert bool
	weighting  bool
}

func opsProfileFor(cfg Config) opsProfile {
	switch cfg.Model {
	case ModelCoExp, ModelCoExpNonlinear:
		return opsProfile{regName: "Ws", lossOnPert: true}
	default:
		return opsProfile{
			regName:   "W",
			useL2:     true,
			weighting: cfg.WeightLoss == WeightLossExpr,
		}
	}
}

// newVariant allocates parameters for the configured model kind.
func newVariant(cfg Config) (Variant, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	switch cfg.Model {
	case ModelCellBox:
		return newCellBox(cfg, rng)
	case ModelLinReg:
		return newLinReg(cfg, rng)
	case ModelNN:
		return newNN(cfg, rng)
	case ModelCoExp:
		return newCoExp(cfg)
	case ModelCoExpNonlinear:
		return newCoExpNonlinear(cfg)
	default:
		return nil, fmt.Errorf("%w: model %q", ErrNotImplemented, cfg.Model)
	}
}

// Compiled is a built model: three independently wired forward passes sharing
// one parameter store, plus the optimize operation that mutates it.
type Compiled struct {
	cfg     Config
	variant Variant
	data    DataSplits
	profile opsProfile
	opt     train.Optimizer
	spsa    *train.SPSA

	mu sync.Mutex // serializes optimize and the fitting knobs
	l1 float64
	l2 float64
}

// Build configures, allocates and wires a model in one call. Each stage
// failure is wrapped with the stage name so a bad config points at itself.
func Build(cfg Config, data DataSplits) (*Compiled, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configure: %w", err)
	}
	variant, err := newVariant(cfg)
	if err != nil {
		return nil, fmt.Errorf("build parameters: %w", err)
	}
	if data.Train == nil || data.Monitor == nil || data.Eval == nil {
		return nil, fmt.Errorf("wire forward: %w: train, monitor and eval sources are all required", ErrConfig)
	}
	opt, err := train.NewOptimizer(cfg.Optimizer, cfg.LR)
	if err != nil {
		return nil, fmt.Errorf("build ops: %w", err)
	}
	c := &Compiled{
		cfg:     cfg,
		variant: variant,
		data:    data,
		profile: opsProfileFor(cfg),
		opt:     opt,
		l1:      cfg.L1Lambda,
		l2:      cfg.L2Lambda,
	}
	if cfg.Gradient == GradientSPSA {
		c.spsa = train.NewSPSA(0, 0, rand.New(rand.NewSource(cfg.Seed+1)))
	} else if _, ok := variant.(reconGradder); !ok {
		return nil, fmt.Errorf("build ops: %w: model %q has no exact gradient, use the %q provider",
			ErrNotImplemented, cfg.Model, GradientSPSA)
	}
	return c, nil
}

func (c *Compiled) Kind() string { return c.variant.Kind() }

// Config returns the normalized configuration the model was built from.
func (c *Compiled) Config() Config { return c.cfg }

// Params exposes the shared parameter store.
func (c *Compiled) Params() *ParamSet { return c.variant.Params() }

// Snapshot copies the raw parameters for later Restore.
func (c *Compiled) Snapshot() map[string][]float64 { return c.variant.Params().Snapshot() }

// Restore writes a snapshot back atomically.
func (c *Compiled) Restore(snap map[string][]float64) error { return c.variant.Params().Restore(snap) }

// SetLambdas swaps the regularization strengths between training substages.
func (c *Compiled) SetLambdas(l1, l2 float64) {
	c.mu.Lock()
	c.l1, c.l2 = l1, l2
	c.mu.Unlock()
}

// SetLR swaps the optimizer step size between training substages.
func (c *Compiled) SetLR(lr float64) {
	c.mu.Lock()
	c.opt.SetLR(lr)
	c.mu.Unlock()
}

func (c *Compiled) lambdas() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l2 := c.l2
	if !c.profile.useL2 {
		l2 = 0
	}
	return c.l1, l2
}

// lossTarget picks the reconstruction target and optional magnitude weights
// for one batch. The co-expression family reconstructs the perturbation
// matrix itself.
func (c *Compiled) lossTarget(pertB tensor.Batch, resp *tensor.Dense) (*tensor.Dense, *tensor.Dense) {
	if c.profile.lossOnPert {
		return pertB.Dense(), nil
	}
	var wts *tensor.Dense
	if c.profile.weighting {
		wts = train.MagnitudeWeights(resp, DefaultWeightAlpha)
	}
	return resp, wts
}

func (c *Compiled) forward(pertB tensor.Batch, training bool) (*Result, error) {
	y0, err := c.variant.InitialState(pertB)
	if err != nil {
		return nil, err
	}
	if training {
		if tf, ok := c.variant.(trainForwarder); ok {
			return tf.ForwardTrain(y0, pertB)
		}
	}
	return c.variant.Forward(y0, pertB)
}

func (c *Compiled) step(ctx context.Context, src BatchSource, training bool) (*SplitEval, error) {
	pertB, resp, err := src.Next(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.forward(pertB, training)
	if err != nil {
		return nil, err
	}
	target, wts := c.lossTarget(pertB, resp)
	reg, err := c.Params().Effective(c.profile.regName)
	if err != nil {
		return nil, err
	}
	l1, l2 := c.lambdas()
	total, recon, err := train.Loss(target, res.Prediction, reg, l1, l2, wts)
	if err != nil {
		return nil, err
	}
	return &SplitEval{Loss: total, Recon: recon, Yhat: res.Prediction, Diagnostic: res.Diagnostic}, nil
}

// Predict runs the evaluation forward pass on an arbitrary perturbation
// batch, outside the wired splits. Parameters are only read, so concurrent
// calls are safe as long as nothing optimizes.
func (c *Compiled) Predict(pertB tensor.Batch) (*tensor.Dense, error) {
	res, err := c.forward(pertB, false)
	if err != nil {
		return nil, err
	}
	return res.Prediction, nil
}

// TrainStep evaluates the loss on the next training batch without touching
// parameters.
func (c *Compiled) TrainStep(ctx context.Context) (*SplitEval, error) {
	return c.step(ctx, c.data.Train, true)
}

// MonitorStep evaluates the loss on the next monitoring batch.
func (c *Compiled) MonitorStep(ctx context.Context) (*SplitEval, error) {
	return c.step(ctx, c.data.Monitor, false)
}

// EvalStep evaluates the loss on the next held-out batch.
func (c *Compiled) EvalStep(ctx context.Context) (*SplitEval, error) {
	return c.step(ctx, c.data.Eval, false)
}

// Optimize draws one training batch, estimates the gradient with the
// configured provider and applies one optimizer update. The reported loss is
// measured before the update.
func (c *Compiled) Optimize(ctx context.Context) (*SplitEval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pertB, resp, err := c.data.Train.Next(ctx)
	if err != nil {
		return nil, err
	}
	target, wts := c.lossTarget(pertB, resp)
	l1 := c.l1
	l2 := c.l2
	if !c.profile.useL2 {
		l2 = 0
	}
	var pred *tensor.Dense
	var grad []float64
	if c.spsa != nil {
		pred, grad, err = c.spsaGrad(pertB, target, wts, l1, l2)
	} else {
		pred, grad, err = c.exactGrad(pertB, target, wts, l1, l2)
	}
	if err != nil {
		return nil, err
	}
	ps := c.Params()
	reg, err := ps.Effective(c.profile.regName)
	if err != nil {
		return nil, err
	}
	total, recon, err := train.Loss(target, pred, reg, l1, l2, wts)
	if err != nil {
		return nil, err
	}
	vec := ps.Vector()
	if err := c.opt.Step(vec, grad); err != nil {
		return nil, err
	}
	if err := ps.SetVector(vec); err != nil {
		return nil, err
	}
	return &SplitEval{Loss: total, Recon: recon, Yhat: pred}, nil
}

func (c *Compiled) exactGrad(pertB tensor.Batch, target, wts *tensor.Dense, l1, l2 float64) (*tensor.Dense, []float64, error) {
	g, ok := c.variant.(reconGradder)
	if !ok {
		return nil, nil, fmt.Errorf("%w: model %q has no exact gradient, use the %q provider",
			ErrNotImplemented, c.variant.Kind(), GradientSPSA)
	}
	pred, grad, err := g.ReconGrad(pertB, target, wts)
	if err != nil {
		return nil, nil, err
	}
	regGrad, err := c.Params().RegGrad(c.profile.regName, l1, l2)
	if err != nil {
		return nil, nil, err
	}
	for i, v := range regGrad {
		grad[i] += v
	}
	return pred, grad, nil
}

// spsaGrad estimates the full-loss gradient by probing the flat parameter
// vector, then restores it.
func (c *Compiled) spsaGrad(pertB tensor.Batch, target, wts *tensor.Dense, l1, l2 float64) (*tensor.Dense, []float64, error) {
	ps := c.Params()
	base := ps.Vector()
	lossAt := func(v []float64) (float64, error) {
		if err := ps.SetVector(v); err != nil {
			return 0, err
		}
		res, err := c.forward(pertB, true)
		if err != nil {
			return 0, err
		}
		reg, err := ps.Effective(c.profile.regName)
		if err != nil {
			return 0, err
		}
		total, _, err := train.Loss(target, res.Prediction, reg, l1, l2, wts)
		return total, err
	}
	grad, err := c.spsa.Estimate(base, lossAt)
	if restoreErr := ps.SetVector(base); err == nil {
		err = restoreErr
	}
	if err != nil {
		return nil, nil, err
	}
	res, err := c.forward(pertB, true)
	if err != nil {
		return nil, nil, err
	}
	return res.Prediction, grad, nil
}
