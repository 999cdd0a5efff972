package storage

import "testing"

func TestTimestampIndex_InOrderAppend(t *testing.T) {
	ix := NewTimestampIndex()
	for i := int64(0); i < 10; i++ {
		ix.Insert(i*1000, i)
	}
	if ix.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", ix.Len())
	}

	var rows []int64
	ix.Walk(0, func(ts, row int64) bool {
		rows = append(rows, row)
		return true
	})
	for i, row := range rows {
		if row != int64(i) {
			t.Fatalf("expected row order preserved, got %v", rows)
		}
	}
}

func TestTimestampIndex_OutOfOrderInsertKeepsSorted(t *testing.T) {
	ix := NewTimestampIndex()
	ix.Insert(3000, 0)
	ix.Insert(1000, 1)
	ix.Insert(2000, 2)
	ix.Insert(2000, 3) // duplicate timestamp

	var timestamps []int64
	ix.Walk(0, func(ts, row int64) bool {
		timestamps = append(timestamps, ts)
		return true
	})
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i-1] > timestamps[i] {
			t.Fatalf("index out of order: %v", timestamps)
		}
	}
}

func TestTimestampIndex_LowerBound(t *testing.T) {
	ix := NewTimestampIndex()
	for i := int64(0); i < 5; i++ {
		ix.Insert(i*100, i)
	}

	if got := ix.LowerBound(250); got != 3 {
		t.Errorf("LowerBound(250): expected 3, got %d", got)
	}
	if got := ix.LowerBound(300); got != 3 {
		t.Errorf("LowerBound(300): expected 3, got %d", got)
	}
	if got := ix.LowerBound(0); got != 0 {
		t.Errorf("LowerBound(0): expected 0, got %d", got)
	}
	if got := ix.LowerBound(10_000); got != 5 {
		t.Errorf("LowerBound past end: expected 5, got %d", got)
	}
}

func TestTimestampIndex_WalkStopsEarly(t *testing.T) {
	ix := NewTimestampIndex()
	for i := int64(0); i < 100; i++ {
		ix.Insert(i, i)
	}

	visited := 0
	ix.Walk(0, func(ts, row int64) bool {
		visited++
		return ts < 9
	})
	if visited != 10 {
		t.Errorf("expected the walk to stop after 10 visits, got %d", visited)
	}
}
