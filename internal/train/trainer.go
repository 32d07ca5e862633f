package train

import (
	"context"
	"errors"
	"fmt"
	"math"

	"pertnet/internal/model"
)

// Stop reasons recorded on a finished run.
const (
	StopCompleted = "completed"
	StopPatience  = "patience"
	StopCanceled  = "canceled"
)

// Substage is one fitting phase with its own regularization and iteration
// budget. Runs usually anneal from strong to weak regularization.
type Substage struct {
	L1    float64 `json:"l1_lambda"`
	L2    float64 `json:"l2_lambda"`
	LR    float64 `json:"lr"`
	Iters int     `json:"n_iter"`
}

// Config drives Run. Buffer smooths the monitor loss over a trailing window
// before the improvement test; Patience caps iterations without smoothed
// improvement per substage (0 disables early stopping).
type Config struct {
	Substages []Substage `json:"substages"`
	Buffer    int        `json:"n_iter_buffer"`
	Patience  int        `json:"n_iter_patience"`
}

// StepReport carries the losses of one operation on one minibatch.
type StepReport struct {
	Loss  float64
	Recon float64
}

// Trainable is the compiled-model surface the harness drives: an optimize
// step bound to the train split, read-only monitor and eval passes, runtime
// regularization knobs, and parameter snapshots for best-state tracking.
type Trainable interface {
	Optimize(ctx context.Context) (StepReport, error)
	Monitor(ctx context.Context) (StepReport, error)
	Eval(ctx context.Context) (StepReport, error)
	SetLambdas(l1, l2 float64)
	SetLR(lr float64)
	Snapshot() map[string][]float64
	Restore(map[string][]float64) error
}

// Summary is the outcome of a Run.
type Summary struct {
	Iterations  int
	StopReason  string
	BestMonitor float64
	Final       StepReport
	Points      []model.LossPoint
}

type smoothWindow struct {
	size int
	buf  []float64
}

func (w *smoothWindow) push(v float64) float64 {
	w.buf = append(w.buf, v)
	if len(w.buf) > w.size {
		w.buf = w.buf[1:]
	}
	sum := 0.0
	for _, b := range w.buf {
		sum += b
	}
	return sum / float64(len(w.buf))
}

// Run fits m through every substage, tracking the parameter snapshot with the
// best smoothed monitor loss. The best snapshot is restored before the final
// eval pass. On cancellation the summary built so far is returned together
// with the context error.
func Run(ctx context.Context, m Trainable, cfg Config) (*Summary, error) {
	if len(cfg.Substages) == 0 {
		return nil, errors.New("train: at least one substage is required")
	}
	buffer := cfg.Buffer
	if buffer < 1 {
		buffer = 1
	}
	sum := &Summary{BestMonitor: math.Inf(1), StopReason: StopCompleted}
	var bestSnap map[string][]float64

	for si, st := range cfg.Substages {
		if st.Iters < 1 {
			return nil, fmt.Errorf("train: substage %d has no iterations", si)
		}
		m.SetLambdas(st.L1, st.L2)
		if st.LR > 0 {
			m.SetLR(st.LR)
		}
		window := &smoothWindow{size: buffer}
		bad := 0
		sum.StopReason = StopCompleted
		for it := 0; it < st.Iters; it++ {
			if err := ctx.Err(); err != nil {
				sum.StopReason = StopCanceled
				return sum, err
			}
			trainRep, err := m.Optimize(ctx)
			if err != nil {
				return sum, fmt.Errorf("substage %d iteration %d: optimize: %w", si, it, err)
			}
			monRep, err := m.Monitor(ctx)
			if err != nil {
				return sum, fmt.Errorf("substage %d iteration %d: monitor: %w", si, it, err)
			}
			sum.Iterations++
			sum.Points = append(sum.Points, model.LossPoint{
				Substage:     si,
				Iteration:    it,
				TrainLoss:    trainRep.Loss,
				TrainRecon:   trainRep.Recon,
				MonitorLoss:  monRep.Loss,
				MonitorRecon: monRep.Recon,
			})
			smoothed := window.push(monRep.Loss)
			if smoothed < sum.BestMonitor {
				sum.BestMonitor = smoothed
				bestSnap = m.Snapshot()
				bad = 0
			} else {
				bad++
			}
			if cfg.Patience > 0 && bad > cfg.Patience {
				sum.StopReason = StopPatience
				break
			}
		}
		// Later substages refine the best state seen so far, not whatever
		// the last iterations drifted to.
		if bestSnap != nil {
			if err := m.Restore(bestSnap); err != nil {
				return sum, fmt.Errorf("substage %d: restore best: %w", si, err)
			}
		}
	}

	final, err := m.Eval(ctx)
	if err != nil {
		return sum, fmt.Errorf("final eval: %w", err)
	}
	sum.Final = final
	return sum, nil
}
