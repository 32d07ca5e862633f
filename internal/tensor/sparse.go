package tensor

// Sparse is a coordinate-list matrix. Perturbation tables are mostly zeros
// (one or two treated nodes per sample), so batches can stay sparse until a
// dense view is required.
type Sparse struct {
	Rows int
	Cols int
	Row  []int
	Col  []int
	Val  []float64
}

// NewSparse returns an empty rows x cols sparse matrix.
func NewSparse(rows, cols int) *Sparse {
	return &Sparse{Rows: rows, Cols: cols}
}

// Append records a nonzero entry. Duplicated coordinates accumulate when
// densified.
func (s *Sparse) Append(i, j int, v float64) {
	if v == 0 {
		return
	}
	s.Row = append(s.Row, i)
	s.Col = append(s.Col, j)
	s.Val = append(s.Val, v)
}

// NNZ returns the stored nonzero count.
func (s *Sparse) NNZ() int { return len(s.Val) }

// T transposes by swapping coordinates, without densifying.
func (s *Sparse) T() *Sparse {
	out := &Sparse{
		Rows: s.Cols,
		Cols: s.Rows,
		Row:  make([]int, len(s.Col)),
		Col:  make([]int, len(s.Row)),
		Val:  make([]float64, len(s.Val)),
	}
	copy(out.Row, s.Col)
	copy(out.Col, s.Row)
	copy(out.Val, s.Val)
	return out
}

// Dense materializes the full matrix.
func (s *Sparse) Dense() *Dense {
	out := NewDense(s.Rows, s.Cols)
	for k, v := range s.Val {
		out.Data[s.Row[k]*s.Cols+s.Col[k]] += v
	}
	return out
}

// Batch is a perturbation minibatch that is either dense or sparse. The two
// representations behave identically, except that transposing a sparse batch
// stays sparse until Dense is called.
type Batch struct {
	dense  *Dense
	sparse *Sparse
}

// DenseBatch wraps a dense matrix as a batch.
func DenseBatch(d *Dense) Batch { return Batch{dense: d} }

// SparseBatch wraps a sparse matrix as a batch.
func SparseBatch(s *Sparse) Batch { return Batch{sparse: s} }

// IsSparse reports whether the batch carries a sparse representation.
func (b Batch) IsSparse() bool { return b.sparse != nil }

// Dims returns the batch dimensions.
func (b Batch) Dims() (int, int) {
	if b.sparse != nil {
		return b.sparse.Rows, b.sparse.Cols
	}
	return b.dense.Rows, b.dense.Cols
}

// T transposes the batch, sparse-aware: a sparse batch is transposed in
// coordinate form and densified only on demand.
func (b Batch) T() Batch {
	if b.sparse != nil {
		return Batch{sparse: b.sparse.T()}
	}
	return Batch{dense: b.dense.T()}
}

// Dense returns a dense view of the batch.
func (b Batch) Dense() *Dense {
	if b.sparse != nil {
		return b.sparse.Dense()
	}
	return b.dense
}
