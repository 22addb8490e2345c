package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Subset exposes a fixed list of indices of a base Dataset. Index i of the
// subset maps to base index Indices[i].
type Subset struct {
	Base    Dataset
	Indices []int
}

// Len implements Dataset.
func (s *Subset) Len() int { return len(s.Indices) }

// Example implements Dataset.
func (s *Subset) Example(i int) (Sample, error) {
	if i < 0 || i >= len(s.Indices) {
		return Sample{}, errors.Errorf("subset index %d out of range [0,%d)", i, len(s.Indices))
	}
	return s.Base.Example(s.Indices[i])
}

// Batch implements Dataset.
func (s *Subset) Batch(indices []int) ([]Sample, error) {
	globals := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(s.Indices) {
			return nil, errors.Errorf("subset index %d out of range [0,%d)", idx, len(s.Indices))
		}
		globals[i] = s.Indices[idx]
	}
	return s.Base.Batch(globals)
}

// Split partitions ds into a training and a validation subset. valPercent is
// in [0,100]; the validation size is floor(n*valPercent/100). The partition
// is a seeded permutation, so the same seed always yields the same split.
func Split(ds Dataset, valPercent float64, seed int64) (train, val *Subset, err error) {
	if valPercent < 0 || valPercent > 100 {
		return nil, nil, errors.Errorf("validation percent must be in [0,100], got %g", valPercent)
	}
	n := ds.Len()
	nVal := int(float64(n) * valPercent / 100)
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	train = &Subset{Base: ds, Indices: append([]int(nil), perm[:n-nVal]...)}
	val = &Subset{Base: ds, Indices: append([]int(nil), perm[n-nVal:]...)}
	return train, val, nil
}
