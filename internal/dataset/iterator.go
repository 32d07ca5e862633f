package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"pertnet/internal/tensor"
)

// Iterator cycles minibatches over one split and reshuffles the sample order
// after every full pass. It satisfies the model builder's batch source
// contract.
type Iterator struct {
	mu     sync.Mutex
	pert   *tensor.Dense
	resp   *tensor.Dense
	batch  int
	sparse bool
	order  []int
	next   int
	rng    *rand.Rand
}

// NewIterator wraps one split. A non-positive batch size selects full-batch
// iteration. With sparse set, perturbation batches are handed out in
// coordinate form.
func NewIterator(d *Dataset, batch int, sparse bool, seed int64) (*Iterator, error) {
	n := d.Samples()
	if n == 0 {
		return nil, fmt.Errorf("%w: split %q is empty", ErrData, d.Name)
	}
	if batch <= 0 || batch > n {
		batch = n
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return &Iterator{
		pert:   d.Pert,
		resp:   d.Resp,
		batch:  batch,
		sparse: sparse,
		order:  order,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// Next returns the following minibatch. A short tail batch closes each pass;
// the next call starts a reshuffled pass.
func (it *Iterator) Next(ctx context.Context) (tensor.Batch, *tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Batch{}, nil, err
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.next >= len(it.order) {
		it.rng.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
		it.next = 0
	}
	end := it.next + it.batch
	if end > len(it.order) {
		end = len(it.order)
	}
	idx := it.order[it.next:end]
	it.next = end

	resp := tensor.NewDense(len(idx), it.resp.Cols)
	for i, row := range idx {
		copy(resp.Row(i), it.resp.Row(row))
	}
	if it.sparse {
		sp := tensor.NewSparse(len(idx), it.pert.Cols)
		for i, row := range idx {
			for j, v := range it.pert.Row(row) {
				sp.Append(i, j, v)
			}
		}
		return tensor.SparseBatch(sp), resp, nil
	}
	pert := tensor.NewDense(len(idx), it.pert.Cols)
	for i, row := range idx {
		copy(pert.Row(i), it.pert.Row(row))
	}
	return tensor.DenseBatch(pert), resp, nil
}
