// Package cversion implements the ColumnVersionStore: a double-
// buffered on-disk index mapping (partition, column) -> (name-txn,
// column-top), read by any number of concurrent readers through a
// seqlock protocol that never blocks the single writer and never
// hands back a torn snapshot.
package cversion

import (
	"encoding/binary"
	"math"
	"sort"
)

// ColTopDefaultPartition is the sentinel partition timestamp meaning
// "applies to all partitions" — used to record the partition in which
// a column was first added to the table.
const ColTopDefaultPartition int64 = math.MinInt64

// RecordSize is the on-disk size of one packed record: four int64 fields.
const RecordSize = 32

// Record is one (partition, column) -> (nameTxn, top) entry. The
// in-memory vector is sorted by (PartitionTimestamp ASC, ColumnIndex
// ASC), the same order the file stores it in, so a reader's copy can
// be binary-searched directly.
type Record struct {
	PartitionTimestamp int64
	ColumnIndex        int64
	ColumnNameTxn       int64
	ColumnTop           int64
}

// Encode appends the 32-byte little-endian encoding of r to buf.
func (r Record) Encode(buf []byte) []byte {
	var tmp [RecordSize]byte
	binary.LittleEndian.PutUint64(tmp[0:8], uint64(r.PartitionTimestamp))
	binary.LittleEndian.PutUint64(tmp[8:16], uint64(r.ColumnIndex))
	binary.LittleEndian.PutUint64(tmp[16:24], uint64(r.ColumnNameTxn))
	binary.LittleEndian.PutUint64(tmp[24:32], uint64(r.ColumnTop))
	return append(buf, tmp[:]...)
}

// DecodeRecord reads one 32-byte record from buf[off:off+32].
func DecodeRecord(buf []byte, off int) Record {
	return Record{
		PartitionTimestamp: int64(binary.LittleEndian.Uint64(buf[off : off+8])),
		ColumnIndex:        int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
		ColumnNameTxn:      int64(binary.LittleEndian.Uint64(buf[off+16 : off+24])),
		ColumnTop:          int64(binary.LittleEndian.Uint64(buf[off+24 : off+32])),
	}
}

// EncodeAll serializes a sorted record vector.
func EncodeAll(records []Record) []byte {
	buf := make([]byte, 0, len(records)*RecordSize)
	for _, r := range records {
		buf = r.Encode(buf)
	}
	return buf
}

// DecodeAll parses a byte region into a record vector.
func DecodeAll(buf []byte) []Record {
	n := len(buf) / RecordSize
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = DecodeRecord(buf, i*RecordSize)
	}
	return out
}

// GetRecordIndex binary-searches for the first record matching
// partitionTimestamp, then linearly scans forward (records within a
// partition block are sorted by ColumnIndex, so the scan early-exits
// once it passes columnIndex) for the exact column.
func GetRecordIndex(records []Record, partitionTimestamp, columnIndex int64) (int, bool) {
	// Find the first record with this partition timestamp.
	start := sort.Search(len(records), func(i int) bool {
		return records[i].PartitionTimestamp >= partitionTimestamp
	})
	for i := start; i < len(records); i++ {
		if records[i].PartitionTimestamp != partitionTimestamp {
			break
		}
		if records[i].ColumnIndex == columnIndex {
			return i, true
		}
		if records[i].ColumnIndex > columnIndex {
			break
		}
	}
	return -1, false
}

// GetColumnTop returns the stored column-top for (partitionTimestamp,
// columnIndex). If there is no explicit record, it falls back to the
// column's introduction partition, recorded in the ColumnTop field of
// the ColTopDefaultPartition entry: if the column was introduced at or
// before the requested partition it is fully present there (top 0);
// otherwise the column does not exist for that partition (-1).
func GetColumnTop(records []Record, partitionTimestamp, columnIndex int64) int64 {
	if idx, ok := GetRecordIndex(records, partitionTimestamp, columnIndex); ok {
		return records[idx].ColumnTop
	}
	if idx, ok := GetRecordIndex(records, ColTopDefaultPartition, columnIndex); ok {
		if records[idx].ColumnTop <= partitionTimestamp {
			return 0
		}
	}
	return -1
}

// Upsert returns a copy of records with (partitionTimestamp,
// columnIndex) set to columnTop/nameTxn, inserting in sorted order if
// absent. Used by writers assembling the next version's vector.
func Upsert(records []Record, partitionTimestamp, columnIndex, columnNameTxn, columnTop int64) []Record {
	if idx, ok := GetRecordIndex(records, partitionTimestamp, columnIndex); ok {
		out := make([]Record, len(records))
		copy(out, records)
		out[idx].ColumnNameTxn = columnNameTxn
		out[idx].ColumnTop = columnTop
		return out
	}

	newRec := Record{PartitionTimestamp: partitionTimestamp, ColumnIndex: columnIndex, ColumnNameTxn: columnNameTxn, ColumnTop: columnTop}
	insertAt := sort.Search(len(records), func(i int) bool {
		if records[i].PartitionTimestamp != partitionTimestamp {
			return records[i].PartitionTimestamp > partitionTimestamp
		}
		return records[i].ColumnIndex > columnIndex
	})
	out := make([]Record, 0, len(records)+1)
	out = append(out, records[:insertAt]...)
	out = append(out, newRec)
	out = append(out, records[insertAt:]...)
	return out
}
