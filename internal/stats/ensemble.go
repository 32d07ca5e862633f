package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"pertnet/internal/model"
)

const ensemblesDir = "ensembles"

// Ensemble groups repeated fits of one configuration under different seeds.
type Ensemble struct {
	ID             string   `json:"id"`
	Model          string   `json:"model"`
	Notes          string   `json:"notes,omitempty"`
	StartedAtUTC   string   `json:"started_at_utc,omitempty"`
	CompletedAtUTC string   `json:"completed_at_utc,omitempty"`
	Seeds          []int64  `json:"seeds,omitempty"`
	RunIDs         []string `json:"run_ids,omitempty"`
}

func WriteEnsemble(baseDir string, ens Ensemble) error {
	if ens.ID == "" {
		return fmt.Errorf("ensemble id is required")
	}
	path := ensemblePath(baseDir, ens.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeJSON(path, ens)
}

func ReadEnsemble(baseDir, id string) (Ensemble, bool, error) {
	if id == "" {
		return Ensemble{}, false, fmt.Errorf("ensemble id is required")
	}
	data, err := os.ReadFile(ensemblePath(baseDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return Ensemble{}, false, nil
		}
		return Ensemble{}, false, err
	}
	var ens Ensemble
	if err := json.Unmarshal(data, &ens); err != nil {
		return Ensemble{}, false, err
	}
	return ens, true, nil
}

func ListEnsembles(baseDir string) ([]Ensemble, error) {
	root := filepath.Join(baseDir, ensemblesDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Ensemble{}, nil
		}
		return nil, err
	}

	ensembles := make([]Ensemble, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ens, ok, err := ReadEnsemble(baseDir, entry.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ensembles = append(ensembles, ens)
	}
	sort.Slice(ensembles, func(i, j int) bool {
		switch {
		case ensembles[i].StartedAtUTC == ensembles[j].StartedAtUTC:
			return ensembles[i].ID < ensembles[j].ID
		case ensembles[i].StartedAtUTC == "":
			return false
		case ensembles[j].StartedAtUTC == "":
			return true
		default:
			return ensembles[i].StartedAtUTC > ensembles[j].StartedAtUTC
		}
	})
	return ensembles, nil
}

// EnsembleCurve aggregates the loss trajectories of an ensemble's runs,
// aligned by recorded point position. Shorter histories stop contributing
// once exhausted.
type EnsembleCurve struct {
	Iteration  []int     `json:"iteration"`
	AvgTrain   []float64 `json:"avg_train"`
	TrainStd   []float64 `json:"train_std"`
	AvgMonitor []float64 `json:"avg_monitor"`
	MonitorStd []float64 `json:"monitor_std"`
	MinMonitor []float64 `json:"min_monitor"`
	MaxMonitor []float64 `json:"max_monitor"`
}

func BuildEnsembleCurve(baseDir string, ens Ensemble) (EnsembleCurve, error) {
	histories := make([][]model.LossPoint, 0, len(ens.RunIDs))
	for _, runID := range ens.RunIDs {
		points, ok, err := ReadLossCSV(baseDir, runID)
		if err != nil {
			return EnsembleCurve{}, err
		}
		if !ok {
			return EnsembleCurve{}, fmt.Errorf("loss history not found for run id: %s", runID)
		}
		histories = append(histories, points)
	}
	return buildCurve(histories), nil
}

func buildCurve(histories [][]model.LossPoint) EnsembleCurve {
	maxLen := 0
	for _, history := range histories {
		if len(history) > maxLen {
			maxLen = len(history)
		}
	}

	var curve EnsembleCurve
	for i := 0; i < maxLen; i++ {
		trainVals := make([]float64, 0, len(histories))
		monitorVals := make([]float64, 0, len(histories))
		iteration := 0
		for _, history := range histories {
			if i < len(history) {
				trainVals = append(trainVals, history[i].TrainLoss)
				monitorVals = append(monitorVals, history[i].MonitorLoss)
				iteration = history[i].Iteration
			}
		}
		avgTrain, trainStd := avgStd(trainVals)
		avgMonitor, monitorStd := avgStd(monitorVals)

		curve.Iteration = append(curve.Iteration, iteration)
		curve.AvgTrain = append(curve.AvgTrain, avgTrain)
		curve.TrainStd = append(curve.TrainStd, trainStd)
		curve.AvgMonitor = append(curve.AvgMonitor, avgMonitor)
		curve.MonitorStd = append(curve.MonitorStd, monitorStd)
		curve.MinMonitor = append(curve.MinMonitor, minFloat(monitorVals))
		curve.MaxMonitor = append(curve.MaxMonitor, maxFloat(monitorVals))
	}
	return curve
}

func WriteEnsembleCurveCSV(baseDir, ensembleID string, curve EnsembleCurve) (string, error) {
	if ensembleID == "" {
		return "", fmt.Errorf("ensemble id is required")
	}
	dir := filepath.Join(baseDir, ensemblesDir, ensembleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "curve.csv")

	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"iteration", "avg_monitor", "monitor_std", "min_monitor", "max_monitor", "avg_train", "train_std"}); err != nil {
		return "", err
	}
	for i := range curve.Iteration {
		if err := writer.Write([]string{
			strconv.Itoa(curve.Iteration[i]),
			strconv.FormatFloat(curve.AvgMonitor[i], 'f', -1, 64),
			strconv.FormatFloat(curve.MonitorStd[i], 'f', -1, 64),
			strconv.FormatFloat(curve.MinMonitor[i], 'f', -1, 64),
			strconv.FormatFloat(curve.MaxMonitor[i], 'f', -1, 64),
			strconv.FormatFloat(curve.AvgTrain[i], 'f', -1, 64),
			strconv.FormatFloat(curve.TrainStd[i], 'f', -1, 64),
		}); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return path, nil
}

// EnsembleSummary reduces an ensemble to eval-loss statistics.
type EnsembleSummary struct {
	EnsembleID string  `json:"ensemble_id"`
	Runs       int     `json:"runs"`
	EvalMean   float64 `json:"eval_mean"`
	EvalStd    float64 `json:"eval_std"`
	EvalMin    float64 `json:"eval_min"`
	EvalMax    float64 `json:"eval_max"`
	BestRunID  string  `json:"best_run_id,omitempty"`
}

func BuildEnsembleSummary(baseDir string, ens Ensemble) (EnsembleSummary, error) {
	summary := EnsembleSummary{EnsembleID: ens.ID, Runs: len(ens.RunIDs)}

	evals := make([]float64, 0, len(ens.RunIDs))
	for _, runID := range ens.RunIDs {
		run, ok, err := ReadRunRecord(baseDir, runID)
		if err != nil {
			return EnsembleSummary{}, err
		}
		if !ok {
			return EnsembleSummary{}, fmt.Errorf("run record not found for run id: %s", runID)
		}
		if len(evals) == 0 || run.EvalLoss < summary.EvalMin {
			summary.EvalMin = run.EvalLoss
			summary.BestRunID = runID
		}
		evals = append(evals, run.EvalLoss)
	}
	if len(evals) > 0 {
		summary.EvalMean, summary.EvalStd = avgStd(evals)
		summary.EvalMax = maxFloat(evals)
	}
	return summary, nil
}

func WriteEnsembleSummary(baseDir string, summary EnsembleSummary) error {
	if summary.EnsembleID == "" {
		return fmt.Errorf("ensemble id is required")
	}
	dir := filepath.Join(baseDir, ensemblesDir, summary.EnsembleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "summary.json"), summary)
}

func ensemblePath(baseDir, id string) string {
	return filepath.Join(baseDir, ensemblesDir, id, "ensemble.json")
}

func avgStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	mean := sum / float64(len(values))
	acc := 0.0
	for _, value := range values {
		diff := value - mean
		acc += diff * diff
	}
	return mean, math.Sqrt(acc / float64(len(values)))
}

func maxFloat(values []float64) float64 {
	max := values[0]
	for _, value := range values[1:] {
		if value > max {
			max = value
		}
	}
	return max
}

func minFloat(values []float64) float64 {
	min := values[0]
	for _, value := range values[1:] {
		if value < min {
			min = value
		}
	}
	return min
}
