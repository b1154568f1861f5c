package aimnet2

import "math/rand"

// A ShardConfig describes one worker's place in a
// distributed run.
type ShardConfig struct {
	// WorkerCount is the total number of workers.
	WorkerCount int

	// WorkerRank identifies this worker.
	// It must be in the range [0, WorkerCount).
	WorkerRank int

	// PreShuffle, if set, shuffles every bucket with Seed
	// before splitting.
	// All workers must use the same Seed, so that they
	// agree on the global order; disagreement would
	// duplicate or drop records.
	PreShuffle bool

	// Seed is the shared shuffle seed.
	Seed int64

	// LoadFull, if set, bypasses sharding entirely and
	// gives every worker the unsharded index.
	// This is meant for small datasets where sharding
	// overhead is not worth it; gradient averaging then
	// reconciles the differing batch compositions.
	LoadFull bool
}

// Shard restricts a SizeIndex to one worker's slice of
// every bucket.
//
// Each bucket is split into WorkerCount contiguous slices
// whose sizes differ by at most one; rank r receives
// slice r. For a fixed bucket, the slices of all ranks
// are pairwise disjoint and their union is the bucket.
//
// It returns a ShardError when the worker configuration
// is invalid.
func Shard(idx *SizeIndex, cfg ShardConfig) (*SizeIndex, error) {
	if cfg.LoadFull {
		return idx, nil
	}
	if cfg.WorkerCount <= 0 {
		return nil, &ShardError{Bucket: -1, Reason: "non-positive worker count"}
	}
	if cfg.WorkerRank < 0 || cfg.WorkerRank >= cfg.WorkerCount {
		return nil, &ShardError{Bucket: -1, Reason: "worker rank out of range"}
	}
	buckets := map[int][]int{}
	for _, key := range idx.Keys() {
		ids := idx.Bucket(key)
		if cfg.PreShuffle {
			shuffled := append([]int{}, ids...)
			shuffleInts(shuffled, rand.New(rand.NewSource(cfg.Seed)))
			ids = shuffled
		}
		if err := checkPartition(key, len(ids), cfg.WorkerCount); err != nil {
			return nil, err
		}
		start, end := shardBounds(len(ids), cfg.WorkerCount, cfg.WorkerRank)
		buckets[key] = ids[start:end]
	}
	return idx.withBuckets(buckets), nil
}

// shardBounds returns rank's contiguous slice of an
// n-element bucket.
// The first n%count ranks receive one extra element.
func shardBounds(n, count, rank int) (start, end int) {
	size := n / count
	extra := n % count
	start = size*rank + min(rank, extra)
	if rank < extra {
		size++
	}
	return start, start + size
}

// checkPartition defensively verifies that the slices of
// all ranks chain from 0 to n with balanced sizes.
// A failure indicates a logic bug, not bad input.
func checkPartition(bucket, n, count int) error {
	next := 0
	for rank := 0; rank < count; rank++ {
		start, end := shardBounds(n, count, rank)
		if start != next || end < start {
			return &ShardError{Bucket: bucket, Reason: "slices are not a partition"}
		}
		if size := end - start; size < n/count || size > n/count+1 {
			return &ShardError{Bucket: bucket, Reason: "slices are not balanced"}
		}
		next = end
	}
	if next != n {
		return &ShardError{Bucket: bucket, Reason: "slices do not cover bucket"}
	}
	return nil
}

func shuffleInts(ids []int, gen *rand.Rand) {
	for i := range ids {
		j := i + gen.Intn(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
