package aimnet2

import (
	"reflect"
	"testing"
)

func testRecords() RecordList {
	counts := []int{3, 3, 3, 5, 5, 7, 7, 7, 7, 7}
	res := make(RecordList, len(counts))
	for i, n := range counts {
		res[i] = Record{ID: i, NumAtoms: n}
	}
	return res
}

func TestSizeIndex(t *testing.T) {
	idx, err := BuildSizeIndex(testRecords())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(idx.Keys(), []int{3, 5, 7}) {
		t.Errorf("bad keys: %v", idx.Keys())
	}
	expected := map[int][]int{
		3: {0, 1, 2},
		5: {3, 4},
		7: {5, 6, 7, 8, 9},
	}
	for key, ids := range expected {
		if !reflect.DeepEqual(idx.Bucket(key), ids) {
			t.Errorf("bucket %d: expected %v but got %v", key, ids, idx.Bucket(key))
		}
	}
	sizes := idx.BucketSizes()
	if !reflect.DeepEqual(sizes, map[int]int{3: 3, 5: 2, 7: 5}) {
		t.Errorf("bad sizes: %v", sizes)
	}
	if idx.NumRecords() != 10 {
		t.Errorf("expected 10 records but got %d", idx.NumRecords())
	}
	if idx.Atoms(9) != 7 {
		t.Errorf("bad atom count: %d", idx.Atoms(9))
	}
}

func TestSizeIndexEmpty(t *testing.T) {
	if _, err := BuildSizeIndex(nil); err != ErrEmptyDataset {
		t.Errorf("expected ErrEmptyDataset but got %v", err)
	}
}

func TestSizeIndexDeterminism(t *testing.T) {
	idx1, err := BuildSizeIndex(testRecords())
	if err != nil {
		t.Fatal(err)
	}
	idx2, err := BuildSizeIndex(testRecords())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range idx1.Keys() {
		if !reflect.DeepEqual(idx1.Bucket(key), idx2.Bucket(key)) {
			t.Errorf("bucket %d differs between builds", key)
		}
	}
}

func TestSizeIndexKeyed(t *testing.T) {
	idx, err := BuildSizeIndexKeyed(testRecords(), func(r Record) int {
		return r.NumAtoms % 2
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(idx.Keys(), []int{1}) {
		t.Errorf("bad keys: %v", idx.Keys())
	}
	if len(idx.Bucket(1)) != 10 {
		t.Errorf("bad bucket size: %d", len(idx.Bucket(1)))
	}
	// Atom counts still come from the records.
	if idx.Atoms(0) != 3 {
		t.Errorf("bad atom count: %d", idx.Atoms(0))
	}
}
