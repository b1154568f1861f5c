// Package aimsgd provides the optimization-loop side of
// aimnet2 training: per-epoch batch planning over a size
// index, a plateau learning-rate scheduler, and the epoch
// driver that ties batching, loss aggregation and
// termination together.
package aimsgd

import (
	"errors"
	"math/rand"

	"github.com/Luo-Yiqun/aimnet2"
)

// ErrEmptyPlan is returned when an epoch produces zero
// batches.
var ErrEmptyPlan = errors.New("empty batch plan")

// A BatchMode selects the batch packing strategy.
type BatchMode int

const (
	// Molecules packs a fixed number of size-homogeneous
	// molecules per batch.
	Molecules BatchMode = iota

	// Atoms greedily packs molecules of any size under a
	// total atom-count budget per batch.
	Atoms
)

// A Plan is one epoch's ordered sequence of ID batches.
//
// A Plan is constructed per epoch, consumed once, and
// then discarded.
type Plan struct {
	// Batches holds the record IDs of each batch.
	Batches [][]int
}

// NumBatches returns the number of batches in the plan.
func (p *Plan) NumBatches() int {
	return len(p.Batches)
}

// A Sampler draws per-epoch batch plans from a size
// index.
//
// A Sampler retains no cursor between calls to Epoch, so
// the same instance can serve train and validation epochs
// concurrently without interference.
type Sampler struct {
	// Index is the (possibly sharded) size index to draw
	// from.
	Index *aimnet2.SizeIndex

	// BatchSize is the number of molecules per batch in
	// Molecules mode, or the atom-count budget per batch in
	// Atoms mode.
	// If it is 0, a whole bucket (Molecules mode) or the
	// whole pool (Atoms mode) is used per batch.
	BatchSize int

	// Mode selects the packing strategy.
	Mode BatchMode

	// Shuffle enables per-epoch reshuffling.
	Shuffle bool

	// BatchesPerEpoch, when positive, truncates the plan or
	// cyclically extends it to exactly that many batches.
	// When -1, every ID is consumed exactly once.
	BatchesPerEpoch int
}

// Epoch builds the plan for one epoch.
//
// Two calls with the same seed produce identical plans.
//
// In Molecules mode, each bucket is sliced into chunks of
// exactly BatchSize IDs; a short last chunk is kept, not
// dropped, so that coverage holds. When Shuffle is set,
// bucket contents are shuffled before slicing and the
// epoch-level chunk order is shuffled afterwards, so
// batch order (not composition across buckets) is
// randomized.
//
// In Atoms mode, IDs from all buckets are shuffled
// globally (when Shuffle is set) and greedily packed
// until the next ID would exceed the atom budget. A
// single molecule larger than the budget forms a batch by
// itself; dropping it would break coverage.
//
// When BatchesPerEpoch is positive and the plan runs
// short, the pool is redrawn: with Shuffle set, each wrap
// uses a freshly derived seed, so a cycled epoch never
// repeats batch composition back-to-back; without
// Shuffle, wraps repeat the same pass.
func (s *Sampler) Epoch(seed int64) (*Plan, error) {
	batches := s.fullPass(seed)
	if s.BatchesPerEpoch > 0 {
		for wrap := int64(1); len(batches) < s.BatchesPerEpoch; wrap++ {
			more := s.fullPass(seed + wrap)
			if len(more) == 0 {
				break
			}
			batches = append(batches, more...)
		}
		if len(batches) > s.BatchesPerEpoch {
			batches = batches[:s.BatchesPerEpoch]
		}
	}
	if len(batches) == 0 {
		return nil, ErrEmptyPlan
	}
	return &Plan{Batches: batches}, nil
}

// fullPass emits every indexed ID exactly once.
func (s *Sampler) fullPass(seed int64) [][]int {
	if s.Index == nil || s.Index.NumRecords() == 0 {
		return nil
	}
	gen := rand.New(rand.NewSource(seed))
	if s.Mode == Atoms {
		return s.packAtoms(gen)
	}
	return s.packMolecules(gen)
}

func (s *Sampler) packMolecules(gen *rand.Rand) [][]int {
	var batches [][]int
	for _, key := range s.Index.Keys() {
		ids := append([]int{}, s.Index.Bucket(key)...)
		if s.Shuffle {
			shuffleIDs(ids, gen)
		}
		for start := 0; start < len(ids); {
			end := start + s.chunkSize(len(ids)-start)
			batches = append(batches, ids[start:end])
			start = end
		}
	}
	if s.Shuffle {
		for i := range batches {
			j := i + gen.Intn(len(batches)-i)
			batches[i], batches[j] = batches[j], batches[i]
		}
	}
	return batches
}

func (s *Sampler) packAtoms(gen *rand.Rand) [][]int {
	var ids []int
	for _, key := range s.Index.Keys() {
		ids = append(ids, s.Index.Bucket(key)...)
	}
	if s.Shuffle {
		shuffleIDs(ids, gen)
	}
	if s.BatchSize <= 0 {
		return [][]int{ids}
	}
	var batches [][]int
	var cur []int
	budget := 0
	for _, id := range ids {
		atoms := s.Index.Atoms(id)
		if len(cur) > 0 && budget+atoms > s.BatchSize {
			batches = append(batches, cur)
			cur = nil
			budget = 0
		}
		cur = append(cur, id)
		budget += atoms
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (s *Sampler) chunkSize(remaining int) int {
	if s.BatchSize <= 0 || s.BatchSize > remaining {
		return remaining
	}
	return s.BatchSize
}

func shuffleIDs(ids []int, gen *rand.Rand) {
	for i := range ids {
		j := i + gen.Intn(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
