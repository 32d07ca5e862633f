package dataset

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"pertnet/internal/tensor"
)

func TestReadMatrixCSV(t *testing.T) {
	in := "1,2,3\n4,5,6\n"
	m, err := ReadMatrixCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Rows != 2 || m.Cols != 3 {
		t.Fatalf("dims: got=%dx%d want=2x3", m.Rows, m.Cols)
	}
	want := []float64{1, 2, 3, 4, 5, 6}
	for i := range want {
		if m.Data[i] != want[i] {
			t.Fatalf("data[%d]: got=%v want=%v", i, m.Data[i], want[i])
		}
	}
}

func TestReadMatrixCSVSkipsHeader(t *testing.T) {
	in := "node_a,node_b\n1,2\n3,4\n"
	m, err := ReadMatrixCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Rows != 2 || m.Cols != 2 {
		t.Fatalf("dims: got=%dx%d want=2x2", m.Rows, m.Cols)
	}
	if m.At(0, 0) != 1 || m.At(1, 1) != 4 {
		t.Fatalf("header row leaked into data: %v", m.Data)
	}
}

func TestReadMatrixCSVErrors(t *testing.T) {
	if _, err := ReadMatrixCSV(strings.NewReader("1,2\n3\n")); !errors.Is(err, ErrData) {
		t.Fatalf("ragged table accepted: %v", err)
	}
	if _, err := ReadMatrixCSV(strings.NewReader("")); !errors.Is(err, ErrData) {
		t.Fatalf("empty table accepted: %v", err)
	}
	if _, err := ReadMatrixCSV(strings.NewReader("1,x\n")); !errors.Is(err, ErrData) {
		t.Fatalf("partially numeric row accepted: %v", err)
	}
}

func TestLoadPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pertPath := filepath.Join(dir, "pert.csv")
	respPath := filepath.Join(dir, "expr.csv")

	src := &Dataset{
		Name: "pert",
		Pert: mustDense(t, 2, 2, 1, 0, 0, -0.5),
		Resp: mustDense(t, 2, 2, 0.25, -0.75, 0.125, 0.5),
	}
	if err := src.WritePair(pertPath, respPath); err != nil {
		t.Fatalf("write pair: %v", err)
	}
	got, err := LoadPair(pertPath, respPath)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if got.Name != "pert" {
		t.Fatalf("name: got=%q want=%q", got.Name, "pert")
	}
	for i := range src.Pert.Data {
		if got.Pert.Data[i] != src.Pert.Data[i] {
			t.Fatalf("pert[%d]: got=%v want=%v", i, got.Pert.Data[i], src.Pert.Data[i])
		}
		if got.Resp.Data[i] != src.Resp.Data[i] {
			t.Fatalf("resp[%d]: got=%v want=%v", i, got.Resp.Data[i], src.Resp.Data[i])
		}
	}
}

func TestLoadPairRejectsMisalignedTables(t *testing.T) {
	dir := t.TempDir()
	pertPath := filepath.Join(dir, "pert.csv")
	respPath := filepath.Join(dir, "expr.csv")
	if err := WriteCSV(pertPath, mustDense(t, 2, 2, 1, 2, 3, 4)); err != nil {
		t.Fatalf("write pert: %v", err)
	}
	if err := WriteCSV(respPath, mustDense(t, 1, 2, 1, 2)); err != nil {
		t.Fatalf("write resp: %v", err)
	}
	if _, err := LoadPair(pertPath, respPath); !errors.Is(err, ErrData) {
		t.Fatalf("misaligned tables accepted: %v", err)
	}
}

func mustDense(t *testing.T, rows, cols int, vals ...float64) *tensor.Dense {
	t.Helper()
	m, err := tensor.NewDenseFrom(rows, cols, vals)
	if err != nil {
		t.Fatalf("build %dx%d: %v", rows, cols, err)
	}
	return m
}

func indexedDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	pert := tensor.NewDense(n, 2)
	resp := tensor.NewDense(n, 2)
	for i := 0; i < n; i++ {
		pert.Set(i, 0, 1)
		resp.Set(i, 0, float64(i))
	}
	return &Dataset{Name: "indexed", Pert: pert, Resp: resp}
}

func TestSplitExplicitEnds(t *testing.T) {
	d := indexedDataset(t, 6)
	train, monitor, eval, err := d.Split(SplitSpec{TrnEnd: 3, ValEnd: 5})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if train.Samples() != 3 || monitor.Samples() != 2 || eval.Samples() != 1 {
		t.Fatalf("split sizes: got=%d/%d/%d want=3/2/1", train.Samples(), monitor.Samples(), eval.Samples())
	}
	// Without shuffle the original order is preserved.
	if train.Resp.At(0, 0) != 0 || monitor.Resp.At(0, 0) != 3 || eval.Resp.At(0, 0) != 5 {
		t.Fatalf("split order: got=%v/%v/%v", train.Resp.At(0, 0), monitor.Resp.At(0, 0), eval.Resp.At(0, 0))
	}
}

func TestSplitDefaultFractions(t *testing.T) {
	d := indexedDataset(t, 20)
	train, monitor, eval, err := d.Split(SplitSpec{})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if train.Samples() != 14 || monitor.Samples() != 3 || eval.Samples() != 3 {
		t.Fatalf("split sizes: got=%d/%d/%d want=14/3/3", train.Samples(), monitor.Samples(), eval.Samples())
	}
}

func TestSplitShuffleDeterministic(t *testing.T) {
	d := indexedDataset(t, 10)
	spec := SplitSpec{TrnEnd: 6, ValEnd: 8, Shuffle: true, Seed: 42}
	a1, b1, c1, err := d.Split(spec)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	a2, b2, c2, err := d.Split(spec)
	if err != nil {
		t.Fatalf("split again: %v", err)
	}
	seen := make(map[float64]int)
	for _, pair := range [][2]*Dataset{{a1, a2}, {b1, b2}, {c1, c2}} {
		for i := 0; i < pair[0].Samples(); i++ {
			v1 := pair[0].Resp.At(i, 0)
			v2 := pair[1].Resp.At(i, 0)
			if v1 != v2 {
				t.Fatalf("same seed produced different assignment: %v vs %v", v1, v2)
			}
			seen[v1]++
		}
	}
	if len(seen) != 10 {
		t.Fatalf("shuffled split lost rows: saw %d distinct of 10", len(seen))
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("row %v assigned %d times", v, count)
		}
	}
}

func TestSplitErrors(t *testing.T) {
	d := indexedDataset(t, 6)
	if _, _, _, err := d.Split(SplitSpec{TrnEnd: 4, ValEnd: 4}); !errors.Is(err, ErrData) {
		t.Fatalf("degenerate ends accepted: %v", err)
	}
	if _, _, _, err := d.Split(SplitSpec{TrnEnd: 3, ValEnd: 6}); !errors.Is(err, ErrData) {
		t.Fatalf("empty eval split accepted: %v", err)
	}
	if _, _, _, err := d.Split(SplitSpec{TrainFrac: 0.9, MonitorFrac: 0.2}); !errors.Is(err, ErrData) {
		t.Fatalf("oversubscribed fractions accepted: %v", err)
	}
	tiny := indexedDataset(t, 2)
	if _, _, _, err := tiny.Split(SplitSpec{}); !errors.Is(err, ErrData) {
		t.Fatalf("two-sample split accepted: %v", err)
	}
}
