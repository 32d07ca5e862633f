package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pertnet/internal/tensor"
)

// ErrData wraps every malformed-table failure.
var ErrData = errors.New("dataset: invalid data")

// Dataset holds aligned perturbation and response matrices, sample-major:
// one row per perturbation condition, one column per node.
type Dataset struct {
	Name string
	Pert *tensor.Dense
	Resp *tensor.Dense
}

// Samples returns the condition count.
func (d *Dataset) Samples() int { return d.Pert.Rows }

// Nodes returns the node count.
func (d *Dataset) Nodes() int { return d.Pert.Cols }

// ReadMatrixCSV parses a numeric CSV into a dense matrix. A single leading
// row that parses as no number in any column is treated as a header and
// skipped. Every data row must have the same width.
func ReadMatrixCSV(in io.Reader) (*tensor.Dense, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	var rows [][]float64
	width := 0
	index := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", index+1, err)
		}
		if blankRecord(record) {
			continue
		}
		values, parseErr := parseRecord(record)
		if parseErr != nil {
			if index == 0 && !anyNumeric(record) {
				// header row
				continue
			}
			return nil, fmt.Errorf("%w: row %d: %v", ErrData, index+1, parseErr)
		}
		if width == 0 {
			width = len(values)
		} else if len(values) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrData, index+1, len(values), width)
		}
		rows = append(rows, values)
		index++
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: table has no data rows", ErrData)
	}
	out := tensor.NewDense(len(rows), width)
	for i, row := range rows {
		copy(out.Row(i), row)
	}
	return out, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func parseRecord(record []string) ([]float64, error) {
	values := make([]float64, len(record))
	for i, raw := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parse column %d: %v", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func anyNumeric(record []string) bool {
	for _, raw := range record {
		if _, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return true
		}
	}
	return false
}

// LoadPair reads the perturbation and response tables (pert.csv/expr.csv
// convention) and checks that they are aligned.
func LoadPair(pertPath, respPath string) (*Dataset, error) {
	pert, err := readMatrixFile(pertPath)
	if err != nil {
		return nil, err
	}
	resp, err := readMatrixFile(respPath)
	if err != nil {
		return nil, err
	}
	if pert.Rows != resp.Rows || pert.Cols != resp.Cols {
		return nil, fmt.Errorf("%w: perturbation table %dx%d does not align with response table %dx%d",
			ErrData, pert.Rows, pert.Cols, resp.Rows, resp.Cols)
	}
	name := strings.TrimSuffix(filepath.Base(pertPath), filepath.Ext(pertPath))
	return &Dataset{Name: name, Pert: pert, Resp: resp}, nil
}

func readMatrixFile(path string) (*tensor.Dense, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: table path is required", ErrData)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMatrixCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteCSV writes a matrix as a headerless numeric CSV.
func WriteCSV(path string, m *tensor.Dense) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: table path is required", ErrData)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(f)
	record := make([]string, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WritePair writes the dataset's two tables next to each other.
func (d *Dataset) WritePair(pertPath, respPath string) error {
	if err := WriteCSV(pertPath, d.Pert); err != nil {
		return err
	}
	return WriteCSV(respPath, d.Resp)
}

// SplitSpec fixes how samples are assigned to the train, monitor (validation)
// and eval (test) passes: explicit row end indices when TrnEnd is set,
// otherwise fractions. Shuffle permutes sample order first, seeded, so the
// same spec always yields the same assignment.
type SplitSpec struct {
	TrnEnd int `json:"trn_end,omitempty"`
	ValEnd int `json:"val_end,omitempty"`

	TrainFrac   float64 `json:"train_frac,omitempty"`
	MonitorFrac float64 `json:"monitor_frac,omitempty"`

	Shuffle bool  `json:"shuffle,omitempty"`
	Seed    int64 `json:"seed,omitempty"`
}

// bounds resolves the spec into end indices over n samples.
func (s SplitSpec) bounds(n int) (int, int, error) {
	if s.TrnEnd > 0 {
		if s.TrnEnd >= s.ValEnd || s.ValEnd >= n {
			return 0, 0, fmt.Errorf("%w: split ends need 0 < trn_end (%d) < val_end (%d) < samples (%d)",
				ErrData, s.TrnEnd, s.ValEnd, n)
		}
		return s.TrnEnd, s.ValEnd, nil
	}
	trainFrac := s.TrainFrac
	monitorFrac := s.MonitorFrac
	if trainFrac == 0 && monitorFrac == 0 {
		trainFrac, monitorFrac = 0.7, 0.15
	}
	if trainFrac <= 0 || monitorFrac <= 0 || trainFrac+monitorFrac >= 1 {
		return 0, 0, fmt.Errorf("%w: split fractions need train (%v) > 0, monitor (%v) > 0, sum < 1",
			ErrData, trainFrac, monitorFrac)
	}
	trnEnd := int(float64(n) * trainFrac)
	valEnd := trnEnd + int(float64(n)*monitorFrac)
	if trnEnd < 1 || valEnd <= trnEnd || valEnd >= n {
		return 0, 0, fmt.Errorf("%w: %d samples are too few for a %v/%v split", ErrData, n, trainFrac, monitorFrac)
	}
	return trnEnd, valEnd, nil
}

// Split cuts the dataset into train, monitor and eval subsets. Rows are
// copied, so the subsets do not alias the source.
func (d *Dataset) Split(spec SplitSpec) (*Dataset, *Dataset, *Dataset, error) {
	n := d.Samples()
	trnEnd, valEnd, err := spec.bounds(n)
	if err != nil {
		return nil, nil, nil, err
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if spec.Shuffle {
		rng := rand.New(rand.NewSource(spec.Seed))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	take := func(name string, idx []int) *Dataset {
		pert := tensor.NewDense(len(idx), d.Nodes())
		resp := tensor.NewDense(len(idx), d.Nodes())
		for i, row := range idx {
			copy(pert.Row(i), d.Pert.Row(row))
			copy(resp.Row(i), d.Resp.Row(row))
		}
		return &Dataset{Name: d.Name + "/" + name, Pert: pert, Resp: resp}
	}
	return take("train", order[:trnEnd]), take("monitor", order[trnEnd:valEnd]), take("eval", order[valEnd:]), nil
}
