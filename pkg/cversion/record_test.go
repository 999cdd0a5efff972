package cversion

import "testing"

func TestGetColumnTop_ExplicitRecordWins(t *testing.T) {
	var records []Record
	records = Upsert(records, 100, 1, 7, 1000)

	if got := GetColumnTop(records, 100, 1); got != 1000 {
		t.Errorf("expected explicit top 1000, got %d", got)
	}
}

func TestGetColumnTop_DefaultPartitionFallback(t *testing.T) {
	var records []Record
	// Column 0 existed from table creation: introduced "everywhere".
	records = Upsert(records, ColTopDefaultPartition, 0, 0, ColTopDefaultPartition)
	// Column 1 was added when partition 200 already existed: explicit
	// top there, introduction boundary 201 for the future.
	records = Upsert(records, 200, 1, 3, 50)
	records = Upsert(records, ColTopDefaultPartition, 1, 3, 201)

	if got := GetColumnTop(records, 100, 0); got != 0 {
		t.Errorf("original column must be fully present in any partition, got %d", got)
	}
	if got := GetColumnTop(records, 200, 1); got != 50 {
		t.Errorf("expected explicit top 50, got %d", got)
	}
	if got := GetColumnTop(records, 300, 1); got != 0 {
		t.Errorf("partition after introduction must be fully present, got %d", got)
	}
	if got := GetColumnTop(records, 100, 1); got != -1 {
		t.Errorf("partition before introduction must report absent, got %d", got)
	}
	if got := GetColumnTop(records, 100, 9); got != -1 {
		t.Errorf("unknown column must report absent, got %d", got)
	}
}

func TestUpsert_KeepsVectorSorted(t *testing.T) {
	var records []Record
	records = Upsert(records, 200, 1, 0, 0)
	records = Upsert(records, 100, 2, 0, 0)
	records = Upsert(records, 100, 1, 0, 0)
	records = Upsert(records, 200, 0, 0, 5)

	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		if prev.PartitionTimestamp > cur.PartitionTimestamp ||
			(prev.PartitionTimestamp == cur.PartitionTimestamp && prev.ColumnIndex >= cur.ColumnIndex) {
			t.Fatalf("vector out of order at %d: %+v then %+v", i, prev, cur)
		}
	}

	// Updating in place must not duplicate.
	n := len(records)
	records = Upsert(records, 200, 0, 9, 7)
	if len(records) != n {
		t.Fatalf("expected in-place update, got growth %d -> %d", n, len(records))
	}
	if idx, ok := GetRecordIndex(records, 200, 0); !ok || records[idx].ColumnTop != 7 {
		t.Error("expected the updated top to be visible")
	}
}
