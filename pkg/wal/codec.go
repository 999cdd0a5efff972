package wal

import "fmt"

// encodeSymbolDiffs serializes the symbol-diff block: each column's
// diff as (columnIndex i32, nullFlag bool, initialCount i32, count
// i32, (value i32, symbol str)*) terminated by endOfSymbolEnts, the
// whole block terminated by endOfSymbolDiff.
func encodeSymbolDiffs(buf []byte, diffs []SymbolColumnDiff) []byte {
	for _, d := range diffs {
		var head [4 + 1 + 4 + 4]byte
		putInt32(head[:], 0, d.ColumnIndex)
		putBool(head[:], 4, d.NullFlag)
		putInt32(head[:], 5, d.InitialCount)
		putInt32(head[:], 9, d.Count)
		buf = append(buf, head[:]...)
		for _, e := range d.Entries {
			var v [4]byte
			putInt32(v[:], 0, e.Value)
			buf = append(buf, v[:]...)
			buf = putString(buf, e.Symbol)
		}
		var sentinel [4]byte
		putInt32(sentinel[:], 0, endOfSymbolEnts)
		buf = append(buf, sentinel[:]...)
	}
	var end [4]byte
	putInt32(end[:], 0, endOfSymbolDiff)
	return append(buf, end[:]...)
}

// decodeSymbolDiffs parses a symbol-diff block starting at off,
// returning the parsed diffs and the offset just past the block.
func decodeSymbolDiffs(buf []byte, off int) ([]SymbolColumnDiff, int) {
	var diffs []SymbolColumnDiff
	for {
		marker := getInt32(buf, off)
		if marker == endOfSymbolDiff {
			return diffs, off + 4
		}
		columnIndex := marker
		off += 4
		nullFlag := getBool(buf, off)
		off++
		initialCount := getInt32(buf, off)
		off += 4
		count := getInt32(buf, off)
		off += 4

		var entries []SymbolEntry
		for {
			tag := getInt32(buf, off)
			if tag == endOfSymbolEnts {
				off += 4
				break
			}
			value := tag
			off += 4
			symbol, next := getString(buf, off)
			off = next
			entries = append(entries, SymbolEntry{Value: value, Symbol: symbol})
		}
		diffs = append(diffs, SymbolColumnDiff{
			ColumnIndex:  columnIndex,
			NullFlag:     nullFlag,
			InitialCount: initialCount,
			Count:        count,
			Entries:      entries,
		})
	}
}

// encodePayload serializes the type-specific body of a record (the
// fixed-width fields, then for DATA kinds the symbol-diff block).
func encodePayload(txnType TxnType, r Record) []byte {
	var buf []byte
	switch txnType {
	case TxnData, TxnMatViewData:
		d := r.Data
		var fixed [8 + 8 + 8 + 8 + 1]byte
		putInt64(fixed[:], 0, d.StartRowID)
		putInt64(fixed[:], 8, d.EndRowID)
		putInt64(fixed[:], 16, d.MinTs)
		putInt64(fixed[:], 24, d.MaxTs)
		putBool(fixed[:], 32, d.OutOfOrder)
		buf = append(buf, fixed[:]...)
		if txnType == TxnMatViewData {
			var mv [16]byte
			putInt64(mv[:], 0, d.RefreshBase)
			putInt64(mv[:], 8, d.RefreshTs)
			buf = append(buf, mv[:]...)
		}
		buf = encodeSymbolDiffs(buf, d.SymbolDiffs)

	case TxnSQL:
		s := r.SQL
		var head [4 + 8 + 8]byte
		putInt32(head[:], 0, s.CmdType)
		putInt64(head[:], 4, s.RngSeed0)
		putInt64(head[:], 12, s.RngSeed1)
		buf = append(buf, head[:]...)
		buf = putString(buf, s.SQLText)

		var n [4]byte
		putInt32(n[:], 0, int32(len(s.IndexedBindVars)))
		buf = append(buf, n[:]...)
		for _, bv := range s.IndexedBindVars {
			buf = encodeBindValue(buf, bv)
		}
		putInt32(n[:], 0, int32(len(s.NamedBindVars)))
		buf = append(buf, n[:]...)
		for name, bv := range s.NamedBindVars {
			buf = putString(buf, name)
			buf = encodeBindValue(buf, bv)
		}

	case TxnTruncate:
		// no payload

	case TxnMatViewInvalidate:
		m := r.Invalid
		var b [1]byte
		putBool(b[:], 0, m.Invalid)
		buf = append(buf, b[:]...)
		var has [1]byte
		if m.Reason != "" {
			has[0] = 1
			buf = append(buf, has[:]...)
			buf = putString(buf, m.Reason)
		} else {
			has[0] = 0
			buf = append(buf, has[:]...)
		}

	default:
		panic(fmt.Sprintf("wal: unknown txn type %d", txnType))
	}
	return buf
}

func encodeBindValue(buf []byte, bv BindValue) []byte {
	var kind [4]byte
	putInt32(kind[:], 0, bv.Kind)
	buf = append(buf, kind[:]...)
	var n [4]byte
	putInt32(n[:], 0, int32(len(bv.Bytes)))
	buf = append(buf, n[:]...)
	return append(buf, bv.Bytes...)
}

func decodeBindValue(buf []byte, off int) (BindValue, int) {
	kind := getInt32(buf, off)
	off += 4
	n := int(getInt32(buf, off))
	off += 4
	bytes := make([]byte, n)
	copy(bytes, buf[off:off+n])
	off += n
	return BindValue{Kind: kind, Bytes: bytes}, off
}

// decodePayload parses the type-specific body starting at off,
// returning the populated Record fields and the offset just past the
// payload.
func decodePayload(txnType TxnType, buf []byte, off int) (Record, int) {
	var rec Record
	rec.Type = txnType
	switch txnType {
	case TxnData, TxnMatViewData:
		d := &DataRecord{IsMatView: txnType == TxnMatViewData}
		d.StartRowID = getInt64(buf, off)
		d.EndRowID = getInt64(buf, off+8)
		d.MinTs = getInt64(buf, off+16)
		d.MaxTs = getInt64(buf, off+24)
		d.OutOfOrder = getBool(buf, off+32)
		off += 33
		if txnType == TxnMatViewData {
			d.RefreshBase = getInt64(buf, off)
			d.RefreshTs = getInt64(buf, off+8)
			off += 16
		}
		d.SymbolDiffs, off = decodeSymbolDiffs(buf, off)
		rec.Data = d

	case TxnSQL:
		s := &SQLRecord{}
		s.CmdType = getInt32(buf, off)
		s.RngSeed0 = getInt64(buf, off+4)
		s.RngSeed1 = getInt64(buf, off+12)
		off += 20
		s.SQLText, off = getString(buf, off)

		nIndexed := int(getInt32(buf, off))
		off += 4
		if nIndexed > 0 {
			s.IndexedBindVars = make([]BindValue, nIndexed)
			for i := 0; i < nIndexed; i++ {
				s.IndexedBindVars[i], off = decodeBindValue(buf, off)
			}
		}
		nNamed := int(getInt32(buf, off))
		off += 4
		if nNamed > 0 {
			s.NamedBindVars = make(map[string]BindValue, nNamed)
			for i := 0; i < nNamed; i++ {
				var name string
				name, off = getString(buf, off)
				var bv BindValue
				bv, off = decodeBindValue(buf, off)
				s.NamedBindVars[name] = bv
			}
		}
		rec.SQL = s

	case TxnTruncate:
		// no payload

	case TxnMatViewInvalidate:
		m := &MatViewInvalidateRecord{}
		m.Invalid = getBool(buf, off)
		off++
		has := getBool(buf, off)
		off++
		if has {
			m.Reason, off = getString(buf, off)
		}
		rec.Invalid = m

	default:
		panic(fmt.Sprintf("wal: unknown txn type %d", txnType))
	}
	return rec, off
}
