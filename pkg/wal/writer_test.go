package wal

import (
	"path/filepath"
	"testing"

	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

func openTestWriter(t *testing.T, opts Options) (*Writer, string, string) {
	t.Helper()
	dir := t.TempDir()
	eventPath := filepath.Join(dir, "_event")
	indexPath := filepath.Join(dir, "_event.i")
	w, err := Open(fsfacade.OS{}, eventPath, indexPath, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return w, eventPath, indexPath
}

func TestWriter_AppendDataRecord(t *testing.T) {
	w, _, _ := openTestWriter(t, Options{CommitMode: Sync})
	defer w.Close()

	rec := Record{
		Data: &DataRecord{
			StartRowID: 0,
			EndRowID:   100,
			MinTs:      1000,
			MaxTs:      2000,
			OutOfOrder: false,
			SymbolDiffs: []SymbolColumnDiff{
				{ColumnIndex: 1, InitialCount: 2, Count: 3, Entries: []SymbolEntry{{Value: 2, Symbol: "usd"}}},
			},
		},
	}

	txn, err := w.Append(TxnData, rec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if txn != 0 {
		t.Errorf("expected first txn to be 0, got %d", txn)
	}

	txn2, err := w.Append(TxnData, rec)
	if err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if txn2 != 1 {
		t.Errorf("expected second txn to be 1, got %d", txn2)
	}
}

func TestWriter_RoundTripThroughReader(t *testing.T) {
	w, eventPath, indexPath := openTestWriter(t, Options{CommitMode: Sync})

	rec := Record{
		Data: &DataRecord{
			StartRowID: 5,
			EndRowID:   50,
			MinTs:      10,
			MaxTs:      20,
			SymbolDiffs: []SymbolColumnDiff{
				{ColumnIndex: 0, InitialCount: 0, Count: 1, Entries: []SymbolEntry{{Value: 0, Symbol: "eur"}}},
			},
		},
	}
	if _, err := w.Append(TxnData, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	sqlRec := Record{SQL: &SQLRecord{CmdType: 7, SQLText: "alter table x add column y int"}}
	if _, err := w.Append(TxnSQL, sqlRec); err != nil {
		t.Fatalf("Append(SQL) failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := OpenReader(fsfacade.OS{}, eventPath, indexPath)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	offsets, err := r.IndexEntries()
	if err != nil {
		t.Fatalf("IndexEntries failed: %v", err)
	}
	if len(offsets) != 3 { // 2 records + terminal placeholder
		t.Fatalf("expected 3 index entries, got %d", len(offsets))
	}
	if offsets[len(offsets)-1] != w.appendOffset-nextLenSize {
		t.Errorf("expected last index entry to be the terminal placeholder offset")
	}

	records, err := r.ReadFrom(offsets)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != TxnData || records[0].Data.StartRowID != 5 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Type != TxnSQL || records[1].SQL.SQLText != "alter table x add column y int" {
		t.Errorf("unexpected second record: %+v", records[1])
	}

	maxTxn, _, err := r.Header()
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if maxTxn != 1 {
		t.Errorf("expected maxTxn 1, got %d", maxTxn)
	}
}

func TestWriter_RollbackInvalidatesInPlace(t *testing.T) {
	w, eventPath, indexPath := openTestWriter(t, Options{CommitMode: Sync})

	rec := Record{Data: &DataRecord{StartRowID: 0, EndRowID: 1}}
	startOffset := w.appendOffset - nextLenSize
	if _, err := w.Append(TxnData, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	eventInfoBefore, _ := w.eventFile.Stat()
	if err := w.Rollback(startOffset); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	// The event file is never truncated (an apply job may be reading
	// it); the invalidated slot becomes the next append position.
	eventInfoAfter, _ := w.eventFile.Stat()
	if eventInfoAfter.Size() != eventInfoBefore.Size() {
		t.Errorf("rollback must not truncate the event file: before=%d after=%d",
			eventInfoBefore.Size(), eventInfoAfter.Size())
	}
	if w.appendOffset != startOffset+nextLenSize {
		t.Errorf("expected next append to overwrite the invalidated record, appendOffset=%d want %d",
			w.appendOffset, startOffset+nextLenSize)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := OpenReader(fsfacade.OS{}, eventPath, indexPath)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()
	offsets, err := r.IndexEntries()
	if err != nil {
		t.Fatalf("IndexEntries failed: %v", err)
	}
	if len(offsets) != 1 {
		t.Fatalf("expected only the terminal entry after rollback, got %d", len(offsets))
	}
	records, err := r.ReadFrom(offsets)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no committed records after rollback, got %d", len(records))
	}
}

func TestOpen_ResumesExistingSegment(t *testing.T) {
	dir := t.TempDir()
	eventPath := filepath.Join(dir, "_event")
	indexPath := filepath.Join(dir, "_event.i")

	w1, err := Open(fsfacade.OS{}, eventPath, indexPath, Options{CommitMode: Sync})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := w1.Append(TxnData, Record{Data: &DataRecord{StartRowID: 0, EndRowID: 1}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w2, err := Open(fsfacade.OS{}, eventPath, indexPath, Options{CommitMode: Sync})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer w2.Close()
	if w2.Txn() != 1 {
		t.Errorf("expected resumed writer to continue at txn 1, got %d", w2.Txn())
	}
}
