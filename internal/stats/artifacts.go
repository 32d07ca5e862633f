package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ncruces/go-strftime"

	"pertnet/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	runRecordFile   = "run.json"
	runConfigFile   = "config.json"
	lossHistoryFile = "loss_history.csv"
	paramsFile      = "params.json"
)

// Timestamp renders t for index entries and report headers.
func Timestamp(t time.Time) string {
	return strftime.Format("%Y-%m-%dT%H:%M:%SZ", t.UTC())
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Model        string  `json:"model"`
	Dataset      string  `json:"dataset,omitempty"`
	Samples      int     `json:"samples"`
	Nodes        int     `json:"nodes"`
	Iterations   int     `json:"iterations"`
	StopReason   string  `json:"stop_reason"`
	TrainLoss    float64 `json:"train_loss"`
	EvalLoss     float64 `json:"eval_loss"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// IndexEntryForRun builds the run_index.json line for a finished run.
func IndexEntryForRun(run model.RunRecord) RunIndexEntry {
	return RunIndexEntry{
		RunID:        run.ID,
		Model:        run.Model,
		Dataset:      run.Dataset.Name,
		Samples:      run.Dataset.Samples,
		Nodes:        run.Dataset.Nodes,
		Iterations:   run.Iterations,
		StopReason:   run.StopReason,
		TrainLoss:    run.TrainLoss,
		EvalLoss:     run.EvalLoss,
		CreatedAtUTC: Timestamp(time.Unix(run.CreatedUnix, 0)),
	}
}

// WriteRunArtifacts lays out one run directory under baseDir: the run record,
// the fit config it was started from, the loss trajectory as CSV, and the
// trained parameters when provided.
func WriteRunArtifacts(baseDir string, run model.RunRecord, history model.LossHistory, params *model.ParamSnapshot) (string, error) {
	if run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, runRecordFile), run); err != nil {
		return "", err
	}
	if len(run.Config) > 0 {
		if err := writeJSON(filepath.Join(runDir, runConfigFile), run.Config); err != nil {
			return "", err
		}
	}
	if err := WriteLossCSV(filepath.Join(runDir, lossHistoryFile), history.Points); err != nil {
		return "", err
	}
	if params != nil {
		if err := writeJSON(filepath.Join(runDir, paramsFile), params); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func WriteLossCSV(path string, points []model.LossPoint) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"substage", "iteration", "train_loss", "train_recon", "monitor_loss", "monitor_recon"}); err != nil {
		return err
	}
	for _, point := range points {
		if err := writer.Write([]string{
			strconv.Itoa(point.Substage),
			strconv.Itoa(point.Iteration),
			strconv.FormatFloat(point.TrainLoss, 'f', -1, 64),
			strconv.FormatFloat(point.TrainRecon, 'f', -1, 64),
			strconv.FormatFloat(point.MonitorLoss, 'f', -1, 64),
			strconv.FormatFloat(point.MonitorRecon, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossCSV(baseDir, runID string) ([]model.LossPoint, bool, error) {
	path := filepath.Join(baseDir, runID, lossHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.LossPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 6 {
		return nil, false, fmt.Errorf("loss history header must have at least 6 columns")
	}

	points := make([]model.LossPoint, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 6 {
			return nil, false, fmt.Errorf("loss history row must have at least 6 columns")
		}
		var point model.LossPoint
		if point.Substage, err = strconv.Atoi(record[0]); err != nil {
			return nil, false, err
		}
		if point.Iteration, err = strconv.Atoi(record[1]); err != nil {
			return nil, false, err
		}
		if point.TrainLoss, err = strconv.ParseFloat(record[2], 64); err != nil {
			return nil, false, err
		}
		if point.TrainRecon, err = strconv.ParseFloat(record[3], 64); err != nil {
			return nil, false, err
		}
		if point.MonitorLoss, err = strconv.ParseFloat(record[4], 64); err != nil {
			return nil, false, err
		}
		if point.MonitorRecon, err = strconv.ParseFloat(record[5], 64); err != nil {
			return nil, false, err
		}
		points = append(points, point)
	}
	return points, true, nil
}

func ReadRunRecord(baseDir, runID string) (model.RunRecord, bool, error) {
	path := filepath.Join(baseDir, runID, runRecordFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func ReadParams(baseDir, runID string) (model.ParamSnapshot, bool, error) {
	path := filepath.Join(baseDir, runID, paramsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.ParamSnapshot{}, false, nil
		}
		return model.ParamSnapshot{}, false, err
	}

	var params model.ParamSnapshot
	if err := json.Unmarshal(data, &params); err != nil {
		return model.ParamSnapshot{}, false, err
	}
	return params, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{runRecordFile, lossHistoryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{runConfigFile, paramsFile} {
		srcPath := filepath.Join(src, file)
		if _, err := os.Stat(srcPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(srcPath, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}

	return dst, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
