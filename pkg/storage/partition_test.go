package storage

import (
	"testing"
	"time"

	"github.com/bobboyms/tsengine/pkg/query"
)

func TestPartition_AppendAndScan(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPartition(dir, "ts")
	if err != nil {
		t.Fatalf("OpenPartition failed: %v", err)
	}
	defer p.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		rowID, err := p.AppendRow(base.Add(time.Duration(i)*time.Second), map[string]interface{}{
			"a":  i,
			"ts": base.Add(time.Duration(i) * time.Second),
		}, 1)
		if err != nil {
			t.Fatalf("AppendRow %d failed: %v", i, err)
		}
		if rowID != int64(i) {
			t.Errorf("expected dense rowID %d, got %d", i, rowID)
		}
	}

	values, err := p.ScanColumn("a", 0, nil)
	if err != nil {
		t.Fatalf("ScanColumn failed: %v", err)
	}
	if len(values) != 10 {
		t.Fatalf("expected 10 values, got %d", len(values))
	}
}

func TestPartition_ColumnTopPadsLeadingNulls(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPartition(dir, "ts")
	if err != nil {
		t.Fatalf("OpenPartition failed: %v", err)
	}
	defer p.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Three rows without column b, then two with it: b's column top is 3.
	for i := 0; i < 3; i++ {
		if _, err := p.AppendRow(base.Add(time.Duration(i)*time.Second), map[string]interface{}{
			"a": i, "ts": base.Add(time.Duration(i) * time.Second),
		}, 1); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}
	for i := 3; i < 5; i++ {
		if _, err := p.AppendRow(base.Add(time.Duration(i)*time.Second), map[string]interface{}{
			"a": i, "b": float64(i), "ts": base.Add(time.Duration(i) * time.Second),
		}, 2); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}

	values, err := p.ScanColumn("b", 3, nil)
	if err != nil {
		t.Fatalf("ScanColumn failed: %v", err)
	}
	if len(values) != 5 {
		t.Fatalf("expected 5 padded values, got %d", len(values))
	}
	for i := 0; i < 3; i++ {
		if values[i] != nil {
			t.Errorf("row %d: expected leading null, got %v", i, values[i])
		}
	}
	for i := 3; i < 5; i++ {
		if values[i] == nil {
			t.Errorf("row %d: expected a value, got nil", i)
		}
	}
}

func TestPartition_RecoversFromDisk(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPartition(dir, "ts")
	if err != nil {
		t.Fatalf("OpenPartition failed: %v", err)
	}

	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		if _, err := p.AppendRow(base.Add(time.Duration(i)*time.Minute), map[string]interface{}{
			"a": i, "ts": base.Add(time.Duration(i) * time.Minute),
		}, 1); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenPartition(dir, "ts")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := reopened.RowCount(); got != 7 {
		t.Fatalf("expected recovered row count 7, got %d", got)
	}
	// The next row must continue the dense rowID sequence.
	rowID, err := reopened.AppendRow(base.Add(time.Hour), map[string]interface{}{
		"a": 7, "ts": base.Add(time.Hour),
	}, 2)
	if err != nil {
		t.Fatalf("AppendRow after recovery failed: %v", err)
	}
	if rowID != 7 {
		t.Errorf("expected rowID 7 after recovery, got %d", rowID)
	}
}

func TestPartition_TimestampConditionFilter(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPartition(dir, "ts")
	if err != nil {
		t.Fatalf("OpenPartition failed: %v", err)
	}
	defer p.Close()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		if _, err := p.AppendRow(base.Add(time.Duration(i)*time.Hour), map[string]interface{}{
			"a": i, "ts": base.Add(time.Duration(i) * time.Hour),
		}, 1); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}

	cond := query.GreaterOrEqual(base.Add(7 * time.Hour).UnixMicro())
	values, err := p.ScanColumn("a", 0, cond)
	if err != nil {
		t.Fatalf("ScanColumn with condition failed: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 rows at or after hour 7, got %d", len(values))
	}
}
