package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestColumnFile_AppendThenIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.d")
	cf, err := OpenColumnFile(path)
	if err != nil {
		t.Fatalf("OpenColumnFile failed: %v", err)
	}
	defer cf.Close()

	for i := 0; i < 5; i++ {
		cell, err := EncodeCell(i)
		if err != nil {
			t.Fatalf("EncodeCell failed: %v", err)
		}
		if err := cf.Append(cell, int64(i+1)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	it, err := NewCellIterator(path)
	if err != nil {
		t.Fatalf("NewCellIterator failed: %v", err)
	}
	defer it.Close()

	for i := 0; ; i++ {
		cell, createTxn, valid, err := it.Next()
		if err == io.EOF {
			if i != 5 {
				t.Fatalf("expected 5 cells, got %d", i)
			}
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !valid {
			t.Errorf("cell %d: expected valid", i)
		}
		if createTxn != int64(i+1) {
			t.Errorf("cell %d: expected createTxn %d, got %d", i, i+1, createTxn)
		}
		v, err := DecodeCell(cell)
		if err != nil {
			t.Fatalf("DecodeCell failed: %v", err)
		}
		got, ok := v.(int32)
		if !ok || int(got) != i {
			t.Errorf("cell %d: expected value %d, got %v", i, i, v)
		}
	}
}

func TestColumnFile_ReopenResumesAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.d")
	cf, err := OpenColumnFile(path)
	if err != nil {
		t.Fatalf("OpenColumnFile failed: %v", err)
	}
	cell, _ := EncodeCell("first")
	if err := cf.Append(cell, 1); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cf2, err := OpenColumnFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer cf2.Close()
	cell, _ = EncodeCell("second")
	if err := cf2.Append(cell, 2); err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}

	it, err := NewCellIterator(path)
	if err != nil {
		t.Fatalf("NewCellIterator failed: %v", err)
	}
	defer it.Close()
	count := 0
	for {
		_, _, _, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 cells across reopen, got %d", count)
	}
}

func TestColumnFile_TornTailIsOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.d")
	cf, err := OpenColumnFile(path)
	if err != nil {
		t.Fatalf("OpenColumnFile failed: %v", err)
	}
	cell, _ := EncodeCell("committed")
	if err := cf.Append(cell, 1); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-append: a cell header claiming more bytes
	// than the file holds.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open for corruption failed: %v", err)
	}
	info, _ := f.Stat()
	torn := make([]byte, cellHeaderSize)
	torn[0] = 0xff // huge length
	if _, err := f.WriteAt(torn, info.Size()); err != nil {
		t.Fatalf("corrupting write failed: %v", err)
	}
	f.Close()

	// Recovery must stop at the last complete cell, and the next
	// append must overwrite the torn tail.
	cf2, err := OpenColumnFile(path)
	if err != nil {
		t.Fatalf("reopen after torn write failed: %v", err)
	}
	defer cf2.Close()
	cell, _ = EncodeCell("recovered")
	if err := cf2.Append(cell, 2); err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}

	it, err := NewCellIterator(path)
	if err != nil {
		t.Fatalf("NewCellIterator failed: %v", err)
	}
	defer it.Close()
	var values []interface{}
	for {
		cell, _, _, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		v, err := DecodeCell(cell)
		if err != nil {
			t.Fatalf("DecodeCell failed: %v", err)
		}
		values = append(values, v)
	}
	if len(values) != 2 || values[0] != "committed" || values[1] != "recovered" {
		t.Fatalf("expected [committed recovered], got %v", values)
	}
}

func TestOpenColumnFile_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.d")
	if err := os.WriteFile(path, []byte("not a column file"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := OpenColumnFile(path); err == nil {
		t.Fatal("expected a magic-number rejection")
	}
}
