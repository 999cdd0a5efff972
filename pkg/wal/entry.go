// Package wal implements WalEventLog: the per-table append-only event
// log plus its sibling offset index, the record framing described for
// DATA/MAT_VIEW_DATA/SQL/TRUNCATE/MAT_VIEW_INVALIDATE records, and the
// symbol-dictionary diff block carried by DATA records.
package wal

import (
	"encoding/binary"
)

// HeaderSize is the fixed 12-byte event-file header:
// (firstRecordLen i32, formatVersion i32, _reserved i32).
const HeaderSize = 12

// FormatVersion is the event-file format bumped in the header once the
// first mat-view record is appended to a segment.
const (
	FormatVersionBase    int32 = 1
	FormatVersionMatView int32 = 2
)

// Header offsets rewritten on every commit.
const (
	MaxTxnOffset    = 0 // WALE_MAX_TXN_OFFSET_32: highest committed txn, low 32 bits of firstRecordLen slot reused as txn marker
	FormatOffset    = 4 // WAL_FORMAT_OFFSET_32
	reservedOffset  = 8
	invalidRecord   = -1
	endOfSymbolEnts = -1
	endOfSymbolDiff = -2
)

// TxnType identifies the kind of payload a record carries.
type TxnType uint8

const (
	TxnData TxnType = iota + 1
	TxnMatViewData
	TxnSQL
	TxnTruncate
	TxnMatViewInvalidate
)

// RecordHeaderSize is the per-record framing overhead: recordLen(i32) +
// txn(i64) + txnType(u8).
const RecordHeaderSize = 4 + 8 + 1

// nextLenSize is the trailing nextLen(i32) placeholder every record
// appends; the next record's startOffset is always
// (appendOffset - nextLenSize).
const nextLenSize = 4

// DataRecord is the DATA/MAT_VIEW_DATA payload.
type DataRecord struct {
	StartRowID  int64
	EndRowID    int64
	MinTs       int64
	MaxTs       int64
	OutOfOrder  bool
	IsMatView   bool
	RefreshBase int64 // MAT_VIEW_DATA only
	RefreshTs   int64 // MAT_VIEW_DATA only
	SymbolDiffs []SymbolColumnDiff
}

// SymbolColumnDiff is one column's symbol-dictionary diff within a
// DATA record's symbol-diff block. Only entries with Value >=
// InitialCount were actually added this txn; callers populate Entries
// with exactly those.
type SymbolColumnDiff struct {
	ColumnIndex  int32
	NullFlag     bool
	InitialCount int32
	Count        int32
	Entries      []SymbolEntry
}

// SymbolEntry is one (value, symbol) pair added to a column's
// dictionary during the owning transaction.
type SymbolEntry struct {
	Value  int32
	Symbol string
}

// SQLRecord is the SQL payload: a logged DDL/DML statement plus the
// bind-variable values needed to replay it deterministically.
type SQLRecord struct {
	CmdType         int32
	SQLText         string
	RngSeed0        int64
	RngSeed1        int64
	IndexedBindVars []BindValue
	NamedBindVars   map[string]BindValue
}

// BindValue is an opaque bind-variable value; the core only stores and
// replays it, it never interprets the contents.
type BindValue struct {
	Kind  int32
	Bytes []byte
}

// MatViewInvalidateRecord is the MAT_VIEW_INVALIDATE payload.
type MatViewInvalidateRecord struct {
	Invalid bool
	Reason  string
}

// Record is one decoded event-log entry: Txn plus exactly one
// populated payload field selected by Type.
type Record struct {
	Offset  int64 // this record's startOffset, i.e. its index-file entry
	Txn     int64
	Type    TxnType
	Data    *DataRecord
	SQL     *SQLRecord
	Invalid *MatViewInvalidateRecord
}

func putInt32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
}

func getInt32(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
}

func putInt64(buf []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
}

func getInt64(buf []byte, off int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[off : off+8]))
}

func putBool(buf []byte, off int, v bool) {
	if v {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
}

func getBool(buf []byte, off int) bool {
	return buf[off] != 0
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte, off int) (string, int) {
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	return string(buf[off : off+n]), off + n
}
