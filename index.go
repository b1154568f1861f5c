package aimnet2

// A KeyFunc computes the grouping key for a record.
// The default key is the record's atom count.
type KeyFunc func(r Record) int

// A SizeIndex groups record IDs into buckets keyed by
// atom count (or by a caller-supplied grouping key).
//
// Buckets preserve the insertion order of the source
// record list, so downstream shuffles are reproducible
// given a seed.
//
// A SizeIndex is immutable once built.
type SizeIndex struct {
	keys    []int
	buckets map[int][]int
	atoms   map[int]int
	total   int
}

// BuildSizeIndex groups records by atom count in a single
// pass.
//
// It returns ErrEmptyDataset if records is empty.
func BuildSizeIndex(records RecordList) (*SizeIndex, error) {
	return BuildSizeIndexKeyed(records, func(r Record) int {
		return r.NumAtoms
	})
}

// BuildSizeIndexKeyed is like BuildSizeIndex, but groups
// by an arbitrary key function.
//
// The atom counts used for atom-budget batching and
// per-atom loss normalization are still taken from each
// record's NumAtoms, regardless of the grouping key.
func BuildSizeIndexKeyed(records RecordList, key KeyFunc) (*SizeIndex, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}
	res := &SizeIndex{
		buckets: map[int][]int{},
		atoms:   map[int]int{},
	}
	for _, rec := range records {
		k := key(rec)
		if _, ok := res.buckets[k]; !ok {
			res.keys = append(res.keys, k)
		}
		res.buckets[k] = append(res.buckets[k], rec.ID)
		res.atoms[rec.ID] = rec.NumAtoms
		res.total++
	}
	return res, nil
}

// Keys returns the bucket keys in first-seen order.
//
// The caller must not modify the result.
func (s *SizeIndex) Keys() []int {
	return s.keys
}

// Bucket returns the ordered record IDs in a bucket.
//
// The caller must not modify the result.
func (s *SizeIndex) Bucket(key int) []int {
	return s.buckets[key]
}

// BucketSizes returns the number of records per bucket
// key.
func (s *SizeIndex) BucketSizes() map[int]int {
	res := map[int]int{}
	for k, ids := range s.buckets {
		res[k] = len(ids)
	}
	return res
}

// NumRecords returns the total number of indexed records.
func (s *SizeIndex) NumRecords() int {
	return s.total
}

// Atoms returns the atom count of an indexed record.
func (s *SizeIndex) Atoms(id int) int {
	return s.atoms[id]
}

func (s *SizeIndex) withBuckets(buckets map[int][]int) *SizeIndex {
	res := &SizeIndex{
		buckets: buckets,
		atoms:   s.atoms,
	}
	for _, k := range s.keys {
		if ids, ok := buckets[k]; ok && len(ids) > 0 {
			res.keys = append(res.keys, k)
			res.total += len(ids)
		} else {
			delete(buckets, k)
		}
	}
	return res
}
