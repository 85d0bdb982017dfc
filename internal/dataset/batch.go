package dataset

import (
	"fmt"
	"math/rand"

	"github.com/roberta_ists/internal/errs"
)

// Batch is a group of rows fed to the model together.
type Batch struct {
	Indices    []int
	Tokens     [][]int
	Similarity []float64
	Labels     []int
}

// Batches splits the dataset into batches of at most size rows. Rows are
// shuffled with rng when it is non-nil.
func (d *Dataset) Batches(size int, rng *rand.Rand) ([]Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: batch size %d must be positive", errs.ErrConfig, size)
	}
	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, (len(order)+size-1)/size)
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		b := Batch{Indices: order[start:end]}
		for _, i := range b.Indices {
			b.Tokens = append(b.Tokens, d.tokens[i])
			b.Similarity = append(b.Similarity, d.similarity[i])
			b.Labels = append(b.Labels, d.labels[i])
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Padded right-pads every sequence to the longest one and returns masks
// that are 1 for real tokens and 0 for padding.
func (b Batch) Padded(padID int) ([][]int, [][]float64) {
	longest := 0
	for _, seq := range b.Tokens {
		if len(seq) > longest {
			longest = len(seq)
		}
	}
	ids := make([][]int, len(b.Tokens))
	masks := make([][]float64, len(b.Tokens))
	for i, seq := range b.Tokens {
		ids[i] = make([]int, longest)
		masks[i] = make([]float64, longest)
		for t := range ids[i] {
			if t < len(seq) {
				ids[i][t] = seq[t]
				masks[i][t] = 1
			} else {
				ids[i][t] = padID
			}
		}
	}
	return ids, masks
}
