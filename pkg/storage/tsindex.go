package storage

import "sort"

type tsEntry struct {
	ts  int64 // designated timestamp, microseconds
	row int64
}

// TimestampIndex maps designated timestamps to dense row ids within a
// single partition. Rows arrive overwhelmingly in time order, so the
// index is a sorted slice that appends in O(1) for the common case and
// pays one insertion shift for an out-of-order row. It lives in memory
// only: OpenPartition rebuilds it from the timestamp column's cell
// stream, which is also what makes partitions recoverable after a
// crash without a separate index file.
type TimestampIndex struct {
	entries []tsEntry
}

// NewTimestampIndex creates an empty index.
func NewTimestampIndex() *TimestampIndex {
	return &TimestampIndex{}
}

// Insert records that row carries timestamp ts. Duplicate timestamps
// are fine; rows with equal timestamps keep row-id order.
func (ix *TimestampIndex) Insert(ts, row int64) {
	n := len(ix.entries)
	if n == 0 || ts >= ix.entries[n-1].ts {
		ix.entries = append(ix.entries, tsEntry{ts: ts, row: row})
		return
	}
	at := sort.Search(n, func(i int) bool { return ix.entries[i].ts > ts })
	ix.entries = append(ix.entries, tsEntry{})
	copy(ix.entries[at+1:], ix.entries[at:])
	ix.entries[at] = tsEntry{ts: ts, row: row}
}

// LowerBound returns the position of the first entry with timestamp >=
// ts, for seeking a walk past rows a condition can never match.
func (ix *TimestampIndex) LowerBound(ts int64) int {
	return sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].ts >= ts })
}

// Walk visits entries in ascending timestamp order starting at from,
// stopping early when visit returns false.
func (ix *TimestampIndex) Walk(from int, visit func(ts, row int64) bool) {
	for i := from; i < len(ix.entries); i++ {
		if !visit(ix.entries[i].ts, ix.entries[i].row) {
			return
		}
	}
}

// Len reports the number of indexed rows.
func (ix *TimestampIndex) Len() int { return len(ix.entries) }
