package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/storage"
)

// metaFileName is the per-table metadata file under the table's
// directory.
const metaFileName = "_meta"

// txnFileName holds the table's applied-txn watermark as a single
// little-endian int64: the writer's committed txn for non-WAL tables,
// the apply worker's high-water mark for WAL tables.
const txnFileName = "_txn"

// cvFileName is the ColumnVersionStore file.
const cvFileName = "_cv"

// PartitionBy selects the partition boundary rows are bucketed into by
// their designated timestamp.
type PartitionBy int

const (
	PartitionNone PartitionBy = iota
	PartitionByDay
	PartitionByHour
)

func (p PartitionBy) String() string {
	return [...]string{"NONE", "DAY", "HOUR"}[p]
}

// Truncate floors a microsecond timestamp to its partition boundary.
// PartitionNone collapses every row into a single partition at 0.
func (p PartitionBy) Truncate(tsMicros int64) int64 {
	switch p {
	case PartitionByDay:
		day := int64(24 * time.Hour / time.Microsecond)
		return floorDiv(tsMicros, day) * day
	case PartitionByHour:
		hour := int64(time.Hour / time.Microsecond)
		return floorDiv(tsMicros, hour) * hour
	default:
		return 0
	}
}

// DirName renders a truncated partition timestamp as the partition's
// directory name under the table directory.
func (p PartitionBy) DirName(tsMicros int64) string {
	t := time.UnixMicro(tsMicros).UTC()
	switch p {
	case PartitionByDay:
		return t.Format("2006-01-02")
	case PartitionByHour:
		return t.Format("2006-01-02T15")
	default:
		return "default"
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Micros converts a wall-clock timestamp to the engine's microsecond
// representation.
func Micros(t time.Time) int64 { return t.UnixMicro() }

// ColumnDef is one column of a table's schema.
type ColumnDef struct {
	Name string             `bson:"name"`
	Type storage.ColumnType `bson:"type"`
}

// TableMeta is the durable per-table metadata persisted at
// <dir>/_meta. MetadataVersion bumps on every schema change so stale
// readers can be detected against the (TableID, MetadataVersion) pair
// they were compiled for.
type TableMeta struct {
	TableID         int64       `bson:"tableId"`
	MetadataVersion int64       `bson:"metadataVersion"`
	TimestampColumn string      `bson:"timestampColumn"`
	PartitionBy     PartitionBy `bson:"partitionBy"`
	Columns         []ColumnDef `bson:"columns"`

	// WalSegment is the table-relative path of the currently open WAL
	// segment ("wal0/<segment-id>"); empty for non-WAL tables.
	WalSegment string `bson:"walSegment,omitempty"`
}

// ColumnIndex resolves a column name to its schema position.
func (m *TableMeta) ColumnIndex(name string) (int, bool) {
	for i, c := range m.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// saveMeta persists m via write-temp-then-rename so a crash mid-write
// never leaves a half-serialized _meta behind.
func saveMeta(fs fsfacade.Facade, dir string, m *TableMeta) error {
	data, err := bson.Marshal(m)
	if err != nil {
		return errors.Critical("meta.save", dir, 0, err)
	}
	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Critical("meta.save", dir, fsfacade.Errno(err), err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return errors.Critical("meta.save", dir, fsfacade.Errno(err), err)
	}
	return nil
}

// loadMeta reads <dir>/_meta back.
func loadMeta(dir string) (*TableMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, errors.Critical("meta.load", dir, fsfacade.Errno(err), err)
	}
	var m TableMeta
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, errors.Critical("meta.load", dir, 0, fmt.Errorf("decode _meta: %w", err))
	}
	return &m, nil
}

// saveTxn persists a table's applied-txn watermark to <dir>/_txn.
func saveTxn(dir string, txn int64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(txn >> (8 * i))
	}
	path := filepath.Join(dir, txnFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Critical("txn.save", dir, fsfacade.Errno(err), err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return errors.Critical("txn.save", dir, fsfacade.Errno(err), err)
	}
	return f.Sync()
}

// loadTxn reads the watermark back, returning 0 for a fresh table.
func loadTxn(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, txnFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Critical("txn.load", dir, fsfacade.Errno(err), err)
	}
	if len(data) < 8 {
		return 0, nil
	}
	var txn int64
	for i := 0; i < 8; i++ {
		txn |= int64(data[i]) << (8 * i)
	}
	return txn, nil
}
