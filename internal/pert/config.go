package pert

import (
	"errors"
	"fmt"

	"pertnet/internal/kernel"
)

// Model kinds. CoExp and CoExpNonlinear are kept for compatibility with
// legacy co-expression fits and get no further investment.
const (
	ModelCellBox        = "CellBox"
	ModelLinReg         = "LinReg"
	ModelNN             = "NN"
	ModelCoExp          = "CoExp"
	ModelCoExpNonlinear = "CoExp_nonlinear"
)

// Perturbation handling modes.
const (
	PertFormByInput      = "by input"
	PertFormFixNodeLevel = "fix node level"

	// legacy spellings, accepted and normalized
	pertFormByInputLegacy      = "by u"
	pertFormFixNodeLevelLegacy = "fix x"
)

// Loss weighting modes.
const (
	WeightLossExpr = "expr"
	WeightLossNone = "none"

	weightLossNoneLegacy = "None"
)

// Gradient providers.
const (
	GradientExact = "exact"
	GradientSPSA  = "spsa"
)

// Optimizers.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// ErrConfig wraps every build-time configuration failure.
var ErrConfig = errors.New("pert: invalid config")

// DefaultWeightAlpha is the magnitude exponent used by expr weighting.
const DefaultWeightAlpha = 0.5

// Config selects a model variant and fixes its structure, integration scheme
// and fitting knobs. Zero values for mode strings select documented defaults;
// structural and integration fields must be explicit.
type Config struct {
	Model string `json:"model"`

	NX             int `json:"n_x"`
	NProteinNodes  int `json:"n_protein_nodes"`
	NActivityNodes int `json:"n_activity_nodes"`

	PertForm     string  `json:"pert_form"`
	Envelope     int     `json:"envelope"`
	EnvelopeForm string  `json:"envelope_form"`
	ODESolver    string  `json:"ode_solver"`
	DT           float64 `json:"dt"`
	NT           int     `json:"n_t"`
	ODELastSteps int     `json:"ode_last_steps"`

	NHidden int `json:"n_hidden"`

	WeightLoss string  `json:"weight_loss"`
	L1Lambda   float64 `json:"l1_lambda"`
	L2Lambda   float64 `json:"l2_lambda"`
	LR         float64 `json:"lr"`

	Gradient  string `json:"gradient"`
	Optimizer string `json:"optimizer"`
	Seed      int64  `json:"seed"`
}

// NormalizePertFormName maps legacy spellings and the empty string onto the
// canonical mode names. Unknown names pass through for Validate to reject.
func NormalizePertFormName(name string) string {
	switch name {
	case "", PertFormByInput, pertFormByInputLegacy:
		return PertFormByInput
	case PertFormFixNodeLevel, pertFormFixNodeLevelLegacy:
		return PertFormFixNodeLevel
	default:
		return name
	}
}

// NormalizeWeightLossName maps legacy spellings and the empty string onto the
// canonical weighting names.
func NormalizeWeightLossName(name string) string {
	switch name {
	case "", WeightLossNone, weightLossNoneLegacy:
		return WeightLossNone
	case WeightLossExpr:
		return WeightLossExpr
	default:
		return name
	}
}

// NormalizeGradientName maps the empty string onto the default provider.
func NormalizeGradientName(name string) string {
	if name == "" {
		return GradientExact
	}
	return name
}

// NormalizeOptimizerName maps the empty string onto the default optimizer.
func NormalizeOptimizerName(name string) string {
	if name == "" {
		return OptimizerAdam
	}
	return name
}

// WithDefaults returns the config with canonical mode names and defaulted
// fitting knobs filled in.
func (c Config) WithDefaults() Config {
	c.PertForm = NormalizePertFormName(c.PertForm)
	c.WeightLoss = NormalizeWeightLossName(c.WeightLoss)
	c.EnvelopeForm = kernel.NormalizeEnvelopeFormName(c.EnvelopeForm)
	c.ODESolver = kernel.NormalizeSolverName(c.ODESolver)
	c.Gradient = NormalizeGradientName(c.Gradient)
	c.Optimizer = NormalizeOptimizerName(c.Optimizer)
	if c.LR == 0 {
		c.LR = 0.001
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Validate rejects inconsistent configurations before any parameter is
// allocated. All failures wrap ErrConfig.
func (c Config) Validate() error {
	if c.NX < 1 {
		return fmt.Errorf("%w: n_x must be at least 1, got %d", ErrConfig, c.NX)
	}
	if c.NProteinNodes < 0 || c.NProteinNodes > c.NActivityNodes || c.NActivityNodes > c.NX {
		return fmt.Errorf("%w: node partition needs 0 <= n_protein_nodes (%d) <= n_activity_nodes (%d) <= n_x (%d)",
			ErrConfig, c.NProteinNodes, c.NActivityNodes, c.NX)
	}
	switch NormalizePertFormName(c.PertForm) {
	case PertFormByInput, PertFormFixNodeLevel:
	default:
		return fmt.Errorf("%w: unknown pert_form %q", ErrConfig, c.PertForm)
	}
	switch NormalizeWeightLossName(c.WeightLoss) {
	case WeightLossExpr, WeightLossNone:
	default:
		return fmt.Errorf("%w: unknown weight_loss %q", ErrConfig, c.WeightLoss)
	}
	switch NormalizeGradientName(c.Gradient) {
	case GradientExact, GradientSPSA:
	default:
		return fmt.Errorf("%w: unknown gradient provider %q", ErrConfig, c.Gradient)
	}
	switch NormalizeOptimizerName(c.Optimizer) {
	case OptimizerAdam, OptimizerSGD:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrConfig, c.Optimizer)
	}
	if c.LR < 0 {
		return fmt.Errorf("%w: lr must not be negative, got %v", ErrConfig, c.LR)
	}
	if c.L1Lambda < 0 || c.L2Lambda < 0 {
		return fmt.Errorf("%w: regularization lambdas must not be negative", ErrConfig)
	}
	if c.Model == ModelCellBox {
		if _, err := kernel.EnvelopeByName(c.EnvelopeForm); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		switch c.Envelope {
		case kernel.EnvelopeInside, kernel.EnvelopeOutside, kernel.EnvelopeScaled:
		default:
			return fmt.Errorf("%w: unknown envelope code %d", ErrConfig, c.Envelope)
		}
		switch kernel.NormalizeSolverName(c.ODESolver) {
		case kernel.SolverEuler, kernel.SolverMidpoint, kernel.SolverHeun, kernel.SolverRK4:
		default:
			return fmt.Errorf("%w: unknown ode_solver %q", ErrConfig, c.ODESolver)
		}
		if c.DT <= 0 {
			return fmt.Errorf("%w: dt must be positive, got %v", ErrConfig, c.DT)
		}
		if c.NT < 1 {
			return fmt.Errorf("%w: n_t must be at least 1, got %d", ErrConfig, c.NT)
		}
		if c.ODELastSteps < 1 || c.ODELastSteps > c.NT {
			return fmt.Errorf("%w: ode_last_steps must be in [1, n_t], got %d with n_t %d",
				ErrConfig, c.ODELastSteps, c.NT)
		}
	}
	if c.Model == ModelNN && c.NHidden < 1 {
		return fmt.Errorf("%w: n_hidden must be at least 1, got %d", ErrConfig, c.NHidden)
	}
	return nil
}
