package cversion

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

func TestStore_WriteThenReadSafe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_cv")

	store, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	records := []Record{
		{PartitionTimestamp: 0, ColumnIndex: 0, ColumnNameTxn: 1, ColumnTop: 0},
		{PartitionTimestamp: 0, ColumnIndex: 1, ColumnNameTxn: 1, ColumnTop: 5},
	}
	if err := store.WriteSafe(records); err != nil {
		t.Fatalf("WriteSafe failed: %v", err)
	}

	reader, err := OpenReader(fsfacade.OS{}, path, time.Second)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadSafe()
	if err != nil {
		t.Fatalf("ReadSafe failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[1].ColumnTop != 5 {
		t.Errorf("expected ColumnTop 5, got %d", got[1].ColumnTop)
	}
}

func TestStore_VersionParityFlipsOnEachWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_cv")

	store, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	v0 := loadVersion(store.mm)
	if v0 != 0 {
		t.Fatalf("expected initial version 0, got %d", v0)
	}

	if err := store.WriteSafe([]Record{{PartitionTimestamp: 1, ColumnIndex: 0, ColumnTop: 1}}); err != nil {
		t.Fatalf("WriteSafe failed: %v", err)
	}
	v1 := loadVersion(store.mm)
	if v1 != v0+1 {
		t.Errorf("expected version to increase by exactly 1, got %d -> %d", v0, v1)
	}

	if err := store.WriteSafe([]Record{{PartitionTimestamp: 1, ColumnIndex: 0, ColumnTop: 2}}); err != nil {
		t.Fatalf("second WriteSafe failed: %v", err)
	}
	v2 := loadVersion(store.mm)
	if v2 != v1+1 {
		t.Errorf("expected version to increase by exactly 1 again, got %d -> %d", v1, v2)
	}
}

func TestStore_GrowsAreaOnLargeWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_cv")

	store, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	var records []Record
	for i := int64(0); i < 200; i++ {
		records = Upsert(records, 0, i, 1, 0)
	}
	if err := store.WriteSafe(records); err != nil {
		t.Fatalf("WriteSafe with large vector failed: %v", err)
	}

	reader, err := OpenReader(fsfacade.OS{}, path, time.Second)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadSafe()
	if err != nil {
		t.Fatalf("ReadSafe after grow failed: %v", err)
	}
	if len(got) != 200 {
		t.Fatalf("expected 200 records after grow, got %d", len(got))
	}
}

func TestStore_GrowKeepsActiveAreaAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_cv")

	store, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	small := []Record{{PartitionTimestamp: 1, ColumnIndex: 0, ColumnTop: 7}}
	if err := store.WriteSafe(small); err != nil {
		t.Fatalf("small WriteSafe failed: %v", err)
	}
	vBefore := loadVersion(store.mm)

	var large []Record
	for i := int64(0); i < 300; i++ {
		large = Upsert(large, 2, i, 1, 0)
	}
	if err := store.WriteSafe(large); err != nil {
		t.Fatalf("large WriteSafe failed: %v", err)
	}
	// Relocation is part of one ordinary publish: exactly one version
	// step, never an intermediate reader-visible state.
	if v := loadVersion(store.mm); v != vBefore+1 {
		t.Errorf("expected one version step across the grow, got %d -> %d", vBefore, v)
	}

	if got := store.ReadCurrent(); len(got) != 300 {
		t.Fatalf("expected 300 records after grow, got %d", len(got))
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("reopen after grow failed: %v", err)
	}
	defer reopened.Close()
	if got := reopened.ReadCurrent(); len(got) != 300 {
		t.Fatalf("expected 300 records after reopen, got %d", len(got))
	}
	// And the relocated area keeps accepting writes.
	if err := reopened.WriteSafe(small); err != nil {
		t.Fatalf("WriteSafe after reopen failed: %v", err)
	}
	if got := reopened.ReadCurrent(); len(got) != 1 || got[0].ColumnTop != 7 {
		t.Fatalf("unexpected records after post-reopen write: %v", got)
	}
}

func TestReader_SpinTimeoutOnUnmappedJunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_cv")

	store, err := Open(fsfacade.OS{}, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// Corrupt the header so offset/size pairs point out of bounds,
	// forcing ReadSafe to retry until it exhausts the timeout.
	storeVersion(store.mm, 0)
	copy(store.mm[8:16], make([]byte, 8))
	for i := 8; i < 16; i++ {
		store.mm[i] = 0xff
	}
	if err := store.mm.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	store.Close()

	reader, err := OpenReader(fsfacade.OS{}, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer reader.Close()

	_, err = reader.ReadSafe()
	if err == nil {
		t.Fatal("expected SpinTimeoutError, got nil")
	}
	var spin *errors.SpinTimeoutError
	if !asSpinTimeout(err, &spin) {
		t.Errorf("expected *errors.SpinTimeoutError, got %T: %v", err, err)
	}
}

func asSpinTimeout(err error, target **errors.SpinTimeoutError) bool {
	if e, ok := err.(*errors.SpinTimeoutError); ok {
		*target = e
		return true
	}
	return false
}
