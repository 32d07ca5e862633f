package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape reports incompatible matrix dimensions. Callers are expected to
// surface it rather than recover from it.
var ErrShape = errors.New("tensor: shape mismatch")

// Dense is a row-major matrix of float64 values.
type Dense struct {
	Rows int
	Cols int
	Data []float64
}

// NewDense returns a zeroed rows x cols matrix.
func NewDense(rows, cols int) *Dense {
	return &Dense{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// NewDenseFrom wraps data as a rows x cols matrix without copying.
func NewDenseFrom(rows, cols int, data []float64) (*Dense, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	return &Dense{Rows: rows, Cols: cols, Data: data}, nil
}

func (m *Dense) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

func (m *Dense) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

func (m *Dense) AddAt(i, j int, v float64) { m.Data[i*m.Cols+j] += v }

// Row returns a view of row i, not a copy.
func (m *Dense) Row(i int) []float64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

func (m *Dense) Clone() *Dense {
	out := NewDense(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// T returns the transpose as a new matrix.
func (m *Dense) T() *Dense {
	out := NewDense(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Data[j*out.Cols+i] = m.Data[i*m.Cols+j]
		}
	}
	return out
}

// Apply returns a new matrix with f applied to every element.
func (m *Dense) Apply(f func(float64) float64) *Dense {
	out := NewDense(m.Rows, m.Cols)
	for i, v := range m.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Scale multiplies every element by s in place and returns the receiver.
func (m *Dense) Scale(s float64) *Dense {
	for i := range m.Data {
		m.Data[i] *= s
	}
	return m
}

// AXPY adds s*x to the receiver in place.
func (m *Dense) AXPY(s float64, x *Dense) error {
	if m.Rows != x.Rows || m.Cols != x.Cols {
		return fmt.Errorf("%w: axpy %dx%d += %dx%d", ErrShape, m.Rows, m.Cols, x.Rows, x.Cols)
	}
	for i, v := range x.Data {
		m.Data[i] += s * v
	}
	return nil
}

// MatMul returns a*b.
func MatMul(a, b *Dense) (*Dense, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("%w: matmul %dx%d * %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewDense(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		arow := a.Data[i*a.Cols : (i+1)*a.Cols]
		orow := out.Data[i*out.Cols : (i+1)*out.Cols]
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Data[k*b.Cols : (k+1)*b.Cols]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// Add returns a+b.
func Add(a, b *Dense) (*Dense, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, fmt.Errorf("%w: add %dx%d + %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewDense(a.Rows, a.Cols)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Sub returns a-b.
func Sub(a, b *Dense) (*Dense, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, fmt.Errorf("%w: sub %dx%d - %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewDense(a.Rows, a.Cols)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Mul returns the elementwise product a*b.
func Mul(a, b *Dense) (*Dense, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, fmt.Errorf("%w: mul %dx%d * %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewDense(a.Rows, a.Cols)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// ConcatRows stacks matrices with equal column counts along the row axis.
func ConcatRows(parts ...*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: concat of no parts", ErrShape)
	}
	cols := parts[0].Cols
	rows := 0
	for _, p := range parts {
		if p.Cols != cols {
			return nil, fmt.Errorf("%w: concat cols %d vs %d", ErrShape, p.Cols, cols)
		}
		rows += p.Rows
	}
	out := NewDense(rows, cols)
	off := 0
	for _, p := range parts {
		copy(out.Data[off:off+len(p.Data)], p.Data)
		off += len(p.Data)
	}
	return out, nil
}

// Moments returns the elementwise mean and population standard deviation
// across a slice of equally shaped matrices.
func Moments(steps []*Dense) (*Dense, *Dense, error) {
	if len(steps) == 0 {
		return nil, nil, fmt.Errorf("%w: moments of no steps", ErrShape)
	}
	rows, cols := steps[0].Rows, steps[0].Cols
	mean := NewDense(rows, cols)
	for _, s := range steps {
		if s.Rows != rows || s.Cols != cols {
			return nil, nil, fmt.Errorf("%w: moments step %dx%d vs %dx%d", ErrShape, s.Rows, s.Cols, rows, cols)
		}
		for i, v := range s.Data {
			mean.Data[i] += v
		}
	}
	n := float64(len(steps))
	for i := range mean.Data {
		mean.Data[i] /= n
	}
	sd := NewDense(rows, cols)
	for _, s := range steps {
		for i, v := range s.Data {
			diff := v - mean.Data[i]
			sd.Data[i] += diff * diff
		}
	}
	for i := range sd.Data {
		sd.Data[i] = math.Sqrt(sd.Data[i] / n)
	}
	return mean, sd, nil
}

// SumAbs returns the sum of absolute values of all elements.
func (m *Dense) SumAbs() float64 {
	sum := 0.0
	for _, v := range m.Data {
		sum += math.Abs(v)
	}
	return sum
}

// SumSquares returns the sum of squared elements.
func (m *Dense) SumSquares() float64 {
	sum := 0.0
	for _, v := range m.Data {
		sum += v * v
	}
	return sum
}
