// Package aimnet2 provides the data-side core for
// training per-atom molecular property predictors.
// It groups molecules by atom count, assigns disjoint
// shards to distributed workers, and aggregates
// multi-task losses over per-structure and per-atom
// targets.
//
// The optimization loop itself lives in the aimsgd
// sub-package.
package aimnet2

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"sort"
)

// A Record is one molecule in a dataset.
//
// The Payload is opaque to this package; it is handed to
// the batch assembler untouched.
type Record struct {
	// ID uniquely identifies the record within its
	// dataset.
	ID int

	// NumAtoms is the number of atoms in the molecule.
	NumAtoms int

	// Payload references the underlying data (coordinates,
	// atomic numbers, labels, etc.).
	Payload interface{}
}

// A RecordList is an ordered list of records.
//
// A RecordList must not be mutated once it has been used
// to build a SizeIndex.
type RecordList []Record

// Len returns the number of records.
func (r RecordList) Len() int {
	return len(r)
}

// Swap swaps two records.
func (r RecordList) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
}

// Slice generates a copy of a sub-range of the list.
func (r RecordList) Slice(i, j int) RecordList {
	return append(RecordList{}, r[i:j]...)
}

// HashSplit deterministically partitions a RecordList
// into a held-out part and a remainder.
//
// The split depends only on the record IDs, so every
// distributed worker computes the same partition without
// any communication.
//
// The heldRatio argument specifies the expected fraction
// of records that end up in the held-out part.
//
// The list r is re-ordered as needed for internal
// computations.
func HashSplit(r RecordList, heldRatio float64) (held, rest RecordList) {
	if heldRatio == 0 {
		return r.Slice(0, 0), r
	} else if heldRatio == 1 {
		return r, r.Slice(0, 0)
	}
	cutoff := splitCutoff(heldRatio)
	insertIdx := 0
	for i := range r {
		if bytes.Compare(recordDigest(r[i]), cutoff) < 0 {
			r.Swap(insertIdx, i)
			insertIdx++
		}
	}
	splitIdx := sort.Search(len(r), func(i int) bool {
		return bytes.Compare(recordDigest(r[i]), cutoff) >= 0
	})
	return r.Slice(0, splitIdx), r.Slice(splitIdx, len(r))
}

func recordDigest(rec Record) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rec.ID))
	sum := md5.Sum(buf[:])
	return sum[:]
}

func splitCutoff(ratio float64) []byte {
	res := make([]byte, 8)
	for i := range res {
		ratio *= 256
		value := int(ratio)
		ratio -= float64(value)
		if value == 256 {
			value = 255
		}
		res[i] = byte(value)
	}
	return res
}
