package dataset

import (
	"errors"
	"math"
	"testing"
)

func TestGenerateShapes(t *testing.T) {
	d, err := Generate(GenerateOptions{Samples: 8, Nodes: 6, ProteinNodes: 2, ActivityNodes: 4, Seed: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d.Name != "synthetic" {
		t.Fatalf("name: got=%q want=%q", d.Name, "synthetic")
	}
	if d.Samples() != 8 || d.Nodes() != 6 {
		t.Fatalf("dims: got=%dx%d want=8x6", d.Samples(), d.Nodes())
	}
	if d.Resp.Rows != 8 || d.Resp.Cols != 6 {
		t.Fatalf("resp dims: got=%dx%d want=8x6", d.Resp.Rows, d.Resp.Cols)
	}
}

func TestGeneratePerturbsOnlyTargetableNodes(t *testing.T) {
	d, err := Generate(GenerateOptions{Samples: 20, Nodes: 5, ProteinNodes: 1, ActivityNodes: 3, Seed: 9})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for s := 0; s < d.Samples(); s++ {
		nonzero := 0
		for j, v := range d.Pert.Row(s) {
			if v == 0 {
				continue
			}
			nonzero++
			if j >= 3 {
				t.Fatalf("sample %d perturbs node %d past the activity boundary", s, j)
			}
			if math.Abs(v) < 0.5 || math.Abs(v) >= 1.5 {
				t.Fatalf("sample %d amplitude out of range: %v", s, v)
			}
		}
		if nonzero == 0 {
			t.Fatalf("sample %d has no perturbation target", s)
		}
	}
	for s := 0; s < d.Samples(); s++ {
		for _, v := range d.Resp.Row(s) {
			if math.Abs(v) >= 1 {
				t.Fatalf("sample %d response escaped tanh range: %v", s, v)
			}
		}
	}
}

func TestGenerateReproducible(t *testing.T) {
	opts := GenerateOptions{Samples: 5, Nodes: 4, ProteinNodes: 1, ActivityNodes: 2, Seed: 17}
	a, err := Generate(opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(opts)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	for i := range a.Pert.Data {
		if a.Pert.Data[i] != b.Pert.Data[i] {
			t.Fatalf("pert[%d]: got=%v want=%v", i, b.Pert.Data[i], a.Pert.Data[i])
		}
	}
	for i := range a.Resp.Data {
		if a.Resp.Data[i] != b.Resp.Data[i] {
			t.Fatalf("resp[%d]: got=%v want=%v", i, b.Resp.Data[i], a.Resp.Data[i])
		}
	}
	c, err := Generate(GenerateOptions{Samples: 5, Nodes: 4, ProteinNodes: 1, ActivityNodes: 2, Seed: 18})
	if err != nil {
		t.Fatalf("generate reseeded: %v", err)
	}
	same := true
	for i := range a.Pert.Data {
		if a.Pert.Data[i] != c.Pert.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical perturbations")
	}
}

func TestGenerateErrors(t *testing.T) {
	cases := []GenerateOptions{
		{Samples: 0, Nodes: 4, ActivityNodes: 2},
		{Samples: 3, Nodes: 1, ActivityNodes: 1},
		{Samples: 3, Nodes: 4, ProteinNodes: 3, ActivityNodes: 2},
		{Samples: 3, Nodes: 4, ProteinNodes: 0, ActivityNodes: 5},
		{Samples: 3, Nodes: 4, ProteinNodes: 0, ActivityNodes: 0},
	}
	for i, opts := range cases {
		if _, err := Generate(opts); !errors.Is(err, ErrData) {
			t.Fatalf("case %d accepted: %v", i, err)
		}
	}
}
