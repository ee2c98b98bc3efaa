// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmem

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigmem/errors"
)

func TestDeterminePartitionPlan(t *testing.T) {
	sizes, err := DeterminePartitionPlan(1024, 16, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sizes, []int64{352, 336, 336}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	plan := newPlan(sizes)
	for r, want := range []int64{0, 352, 688} {
		if got := plan[r].Offset; got != want {
			t.Errorf("rank %d: got offset %d, want %d", r, got, want)
		}
	}
	if got, want := plan.TotalSize(), int64(1024); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeterminePartitionPlanErrors(t *testing.T) {
	for _, c := range []struct {
		totalSize, granularity int64
		worldSize              int
	}{
		{-16, 16, 3},
		{1024, 0, 3},
		{1024, -4, 3},
		{1000, 16, 3},
		{1024, 16, 0},
		{1024, 16, -1},
	} {
		_, err := DeterminePartitionPlan(c.totalSize, c.granularity, c.worldSize)
		if !errors.Is(errors.InvalidValue, err) {
			t.Errorf("DeterminePartitionPlan(%d, %d, %d): got %v, want InvalidValue",
				c.totalSize, c.granularity, c.worldSize, err)
		}
	}
}

func TestEntryPartitionPlanInvariants(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for i := 0; i < 1000; i++ {
		var (
			entries   int64
			worldSize int
		)
		fz.Fuzz(&entries)
		fz.Fuzz(&worldSize)
		entries = entries % 1e9
		if entries < 0 {
			entries = -entries
		}
		worldSize = worldSize%512 + 1
		if worldSize < 1 {
			worldSize = 1 - worldSize
		}
		counts, err := DetermineEntryPartitionPlan(entries, worldSize)
		if err != nil {
			t.Fatalf("DetermineEntryPartitionPlan(%d, %d): %v", entries, worldSize, err)
		}
		again, err := DetermineEntryPartitionPlan(entries, worldSize)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(counts, again) {
			t.Errorf("DetermineEntryPartitionPlan(%d, %d) is not deterministic", entries, worldSize)
		}
		var (
			sum      int64
			min, max = counts[0], counts[0]
		)
		for _, n := range counts {
			sum += n
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		if sum != entries {
			t.Errorf("DetermineEntryPartitionPlan(%d, %d): sizes sum to %d", entries, worldSize, sum)
		}
		if max-min > 1 {
			t.Errorf("DetermineEntryPartitionPlan(%d, %d): spread %d exceeds 1", entries, worldSize, max-min)
		}
		for r := 1; r < worldSize; r++ {
			if counts[r] > counts[r-1] {
				t.Errorf("DetermineEntryPartitionPlan(%d, %d): rank %d has more than rank %d",
					entries, worldSize, r, r-1)
			}
		}
	}
}

func TestPlanFind(t *testing.T) {
	sizes, err := DeterminePartitionPlan(1024, 16, 3)
	if err != nil {
		t.Fatal(err)
	}
	plan := newPlan(sizes)
	for _, c := range []struct {
		offset int64
		rank   int
	}{
		{0, 0},
		{351, 0},
		{352, 1},
		{687, 1},
		{688, 2},
		{1023, 2},
	} {
		rank, err := plan.Find(c.offset)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := rank, c.rank; got != want {
			t.Errorf("Find(%d): got rank %v, want %v", c.offset, got, want)
		}
	}
	for _, offset := range []int64{-1, 1024, 2048} {
		if _, err := plan.Find(offset); !errors.Is(errors.InvalidValue, err) {
			t.Errorf("Find(%d): got %v, want InvalidValue", offset, err)
		}
	}
}

func TestPlanFindSkipsEmptyExtents(t *testing.T) {
	// More ranks than units: the trailing ranks own nothing and must
	// never be returned by Find.
	sizes, err := DeterminePartitionPlan(32, 16, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sizes, []int64{16, 16, 0, 0, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	plan := newPlan(sizes)
	for offset, want := range map[int64]int{0: 0, 15: 0, 16: 1, 31: 1} {
		rank, err := plan.Find(offset)
		if err != nil {
			t.Fatal(err)
		}
		if rank != want {
			t.Errorf("Find(%d): got rank %v, want %v", offset, rank, want)
		}
	}
}
