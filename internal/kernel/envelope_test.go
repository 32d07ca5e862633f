package kernel

import (
	"errors"
	"math"
	"testing"

	"pertnet/internal/tensor"
)

func TestEnvelopeByName(t *testing.T) {
	tanh, err := EnvelopeByName("")
	if err != nil {
		t.Fatalf("default envelope failed: %v", err)
	}
	if tanh.Name != EnvelopeFormTanh {
		t.Fatalf("unexpected default envelope: %s", tanh.Name)
	}
	if got := tanh.F(0.5); math.Abs(got-math.Tanh(0.5)) > 1e-12 {
		t.Fatalf("unexpected tanh value: %f", got)
	}
	want := 1 - math.Tanh(0.5)*math.Tanh(0.5)
	if got := tanh.DF(0.5); math.Abs(got-want) > 1e-12 {
		t.Fatalf("unexpected tanh derivative: got=%f want=%f", got, want)
	}

	clip, err := EnvelopeByName(EnvelopeFormClip)
	if err != nil {
		t.Fatalf("clip envelope failed: %v", err)
	}
	if clip.F(2) != 1 || clip.F(-2) != -1 || clip.F(0.3) != 0.3 {
		t.Fatal("unexpected clip values")
	}
	if clip.DF(2) != 0 || clip.DF(0.3) != 1 {
		t.Fatal("unexpected clip derivative")
	}

	if _, err := EnvelopeByName("hill"); !errors.Is(err, ErrEnvelope) {
		t.Fatalf("expected envelope error, got=%v", err)
	}
}

func newTestHopfield(t *testing.T, code int) *Hopfield {
	t.Helper()
	w, err := tensor.NewDenseFrom(2, 2, []float64{0, 0.7, -0.4, 0})
	if err != nil {
		t.Fatalf("new dense failed: %v", err)
	}
	env, err := EnvelopeByName(EnvelopeFormTanh)
	if err != nil {
		t.Fatalf("envelope failed: %v", err)
	}
	h, err := NewHopfield(w, []float64{0.9, 1.1}, []float64{1.2, 0.8}, []float64{0.5, 1.5}, code, env)
	if err != nil {
		t.Fatalf("new hopfield failed: %v", err)
	}
	return h
}

func TestHopfieldEvalCodes(t *testing.T) {
	x, _ := tensor.NewDenseFrom(2, 1, []float64{0.2, -0.3})
	u, _ := tensor.NewDenseFrom(2, 1, []float64{1, 0})

	inside := newTestHopfield(t, EnvelopeInside)
	got, err := inside.Eval(x, u)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	want0 := 1.2*math.Tanh(0.7*-0.3+1) - 0.9*0.2
	want1 := 0.8*math.Tanh(-0.4*0.2+0) - 1.1*-0.3
	if math.Abs(got.At(0, 0)-want0) > 1e-12 || math.Abs(got.At(1, 0)-want1) > 1e-12 {
		t.Fatalf("unexpected inside dxdt: %v", got.Data)
	}

	outside := newTestHopfield(t, EnvelopeOutside)
	got, err = outside.Eval(x, u)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	want0 = 1.2*math.Tanh(0.7*-0.3) + 1 - 0.9*0.2
	if math.Abs(got.At(0, 0)-want0) > 1e-12 {
		t.Fatalf("unexpected outside dxdt: %f want=%f", got.At(0, 0), want0)
	}

	scaled := newTestHopfield(t, EnvelopeScaled)
	got, err = scaled.Eval(x, u)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	want0 = 1.2*math.Tanh(0.5*(0.7*-0.3)+1) - 0.9*0.2
	if math.Abs(got.At(0, 0)-want0) > 1e-12 {
		t.Fatalf("unexpected scaled dxdt: %f want=%f", got.At(0, 0), want0)
	}
}

func TestNewHopfieldValidation(t *testing.T) {
	env, _ := EnvelopeByName("")
	if _, err := NewHopfield(tensor.NewDense(2, 3), []float64{1, 1}, []float64{1, 1}, nil, EnvelopeInside, env); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected shape error for non-square W, got=%v", err)
	}
	if _, err := NewHopfield(tensor.NewDense(2, 2), []float64{1, 1}, []float64{1, 1}, nil, EnvelopeScaled, env); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected shape error for missing psi, got=%v", err)
	}
	if _, err := NewHopfield(tensor.NewDense(2, 2), []float64{1, 1}, []float64{1, 1}, nil, 7, env); !errors.Is(err, ErrEnvelope) {
		t.Fatalf("expected envelope code error, got=%v", err)
	}
	if _, err := NewHopfield(tensor.NewDense(2, 2), []float64{1}, []float64{1, 1}, nil, EnvelopeInside, env); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected shape error for short alpha, got=%v", err)
	}
}

// adjointLoss is sum(g * f(x, u)), the scalar the VJP tests differentiate.
func adjointLoss(t *testing.T, h *Hopfield, x, u, g *tensor.Dense) float64 {
	t.Helper()
	f, err := h.Eval(x, u)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	sum := 0.0
	for i, v := range f.Data {
		sum += g.Data[i] * v
	}
	return sum
}

func TestHopfieldVJPMatchesFiniteDifference(t *testing.T) {
	const eps = 1e-6
	x, _ := tensor.NewDenseFrom(2, 2, []float64{0.2, -0.3, 0.4, 0.1})
	u, _ := tensor.NewDenseFrom(2, 2, []float64{1, 0, 0, -0.5})
	g, _ := tensor.NewDenseFrom(2, 2, []float64{0.3, -0.2, 0.8, 0.5})

	for _, code := range []int{EnvelopeInside, EnvelopeOutside, EnvelopeScaled} {
		h := newTestHopfield(t, code)
		acc := NewHopfieldGrads(2, code == EnvelopeScaled)
		dx, err := h.VJP(x, u, g, acc)
		if err != nil {
			t.Fatalf("vjp failed: %v", err)
		}

		for i := range x.Data {
			orig := x.Data[i]
			x.Data[i] = orig + eps
			up := adjointLoss(t, h, x, u, g)
			x.Data[i] = orig - eps
			down := adjointLoss(t, h, x, u, g)
			x.Data[i] = orig
			want := (up - down) / (2 * eps)
			if math.Abs(dx.Data[i]-want) > 1e-6 {
				t.Fatalf("code %d: state grad %d: got=%f want=%f", code, i, dx.Data[i], want)
			}
		}
		for i := range h.W.Data {
			orig := h.W.Data[i]
			h.W.Data[i] = orig + eps
			up := adjointLoss(t, h, x, u, g)
			h.W.Data[i] = orig - eps
			down := adjointLoss(t, h, x, u, g)
			h.W.Data[i] = orig
			want := (up - down) / (2 * eps)
			if math.Abs(acc.W.Data[i]-want) > 1e-6 {
				t.Fatalf("code %d: W grad %d: got=%f want=%f", code, i, acc.W.Data[i], want)
			}
		}
		for i := range h.Alpha {
			orig := h.Alpha[i]
			h.Alpha[i] = orig + eps
			up := adjointLoss(t, h, x, u, g)
			h.Alpha[i] = orig - eps
			down := adjointLoss(t, h, x, u, g)
			h.Alpha[i] = orig
			want := (up - down) / (2 * eps)
			if math.Abs(acc.Alpha[i]-want) > 1e-6 {
				t.Fatalf("code %d: alpha grad %d: got=%f want=%f", code, i, acc.Alpha[i], want)
			}
		}
		for i := range h.Eps {
			orig := h.Eps[i]
			h.Eps[i] = orig + eps
			up := adjointLoss(t, h, x, u, g)
			h.Eps[i] = orig - eps
			down := adjointLoss(t, h, x, u, g)
			h.Eps[i] = orig
			want := (up - down) / (2 * eps)
			if math.Abs(acc.Eps[i]-want) > 1e-6 {
				t.Fatalf("code %d: eps grad %d: got=%f want=%f", code, i, acc.Eps[i], want)
			}
		}
		if code == EnvelopeScaled {
			for i := range h.Psi {
				orig := h.Psi[i]
				h.Psi[i] = orig + eps
				up := adjointLoss(t, h, x, u, g)
				h.Psi[i] = orig - eps
				down := adjointLoss(t, h, x, u, g)
				h.Psi[i] = orig
				want := (up - down) / (2 * eps)
				if math.Abs(acc.Psi[i]-want) > 1e-6 {
					t.Fatalf("psi grad %d: got=%f want=%f", i, acc.Psi[i], want)
				}
			}
		}
	}
}
