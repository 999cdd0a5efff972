package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobboyms/tsengine/pkg/cversion"
	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/storage"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// Writer is the direct (non-WAL) table writer: it appends rows
// straight into partition storage and owns the table's
// ColumnVersionStore. The writer pool guarantees at most one exists
// per table.
type Writer struct {
	eng   *Engine
	token tabletoken.Token
	dir   string
	meta  *TableMeta

	cv        *cversion.Store
	cvRecords []cversion.Record

	parts map[int64]*storage.Partition
	txn   int64 // last committed txn

	release func()
}

func (e *Engine) openWriter(token tabletoken.Token) (*Writer, error) {
	dir := e.tableDir(token)
	meta, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}
	cv, err := cversion.Open(e.fs, filepath.Join(dir, cvFileName))
	if err != nil {
		return nil, err
	}
	txn, err := loadTxn(dir)
	if err != nil {
		cv.Close()
		return nil, err
	}
	return &Writer{
		eng:       e,
		token:     token,
		dir:       dir,
		meta:      meta,
		cv:        cv,
		cvRecords: cv.ReadCurrent(),
		parts:     make(map[int64]*storage.Partition),
		txn:       txn,
	}, nil
}

// GetWriter checks out token's writer. WAL tables refuse: their write
// path goes through GetWalWriter.
func (e *Engine) GetWriter(token tabletoken.Token, reason string) (*Writer, error) {
	cur, err := e.resolveCurrent(token)
	if err != nil {
		return nil, err
	}
	if cur.IsWal {
		return nil, errors.NonCritical("getWriter", token.Name, "WAL table requires getWalWriter")
	}
	w, err := e.writerPool.Get(cur, reason)
	if err != nil {
		return nil, err
	}
	w.release = func() { e.writerPool.Release(cur, w) }
	return w, nil
}

// Token returns the table identity this writer is bound to.
func (w *Writer) Token() tabletoken.Token { return w.token }

// Meta returns a copy of the current schema.
func (w *Writer) Meta() TableMeta { return *w.meta }

// Txn returns the last committed transaction number.
func (w *Writer) Txn() int64 { return w.txn }

// partition returns the open partition for a truncated timestamp,
// creating the directory on first touch. A partition born after the
// table already had columns gets explicit zero column-top records so
// later readers never have to guess whether a column predates it.
func (w *Writer) partition(pts int64) (*storage.Partition, error) {
	if p, ok := w.parts[pts]; ok {
		return p, nil
	}
	pdir := filepath.Join(w.dir, w.meta.PartitionBy.DirName(pts))
	_, statErr := os.Stat(pdir)
	isNew := os.IsNotExist(statErr)

	p, err := storage.OpenPartition(pdir, w.meta.TimestampColumn)
	if err != nil {
		return nil, errors.Critical("writer.openPartition", w.token.Name, fsfacade.Errno(err), err)
	}
	w.parts[pts] = p

	if isNew {
		for i := range w.meta.Columns {
			w.cvRecords = cversion.Upsert(w.cvRecords, pts, int64(i), w.txn, 0)
		}
		if err := w.cv.WriteSafe(w.cvRecords); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// rowTimestamp extracts and validates the designated timestamp from a
// row's values.
func rowTimestamp(values map[string]interface{}, tsColumn string) (time.Time, error) {
	v, ok := values[tsColumn]
	if !ok {
		return time.Time{}, fmt.Errorf("row is missing designated timestamp column %q", tsColumn)
	}
	return storage.TimeValue(v)
}

// AppendRow buckets one row into its partition by designated
// timestamp and appends it to every column's cell stream. Rows become
// visible to new readers immediately; Commit advances the durable
// watermark.
func (w *Writer) AppendRow(values map[string]interface{}) error {
	for col := range values {
		if _, ok := w.meta.ColumnIndex(col); !ok {
			return errors.NonCritical("appendRow", w.token.Name, fmt.Sprintf("unknown column %q", col))
		}
	}
	ts, err := rowTimestamp(values, w.meta.TimestampColumn)
	if err != nil {
		return errors.NonCritical("appendRow", w.token.Name, err.Error())
	}

	pts := w.meta.PartitionBy.Truncate(Micros(ts))
	p, err := w.partition(pts)
	if err != nil {
		return err
	}
	if _, err := p.AppendRow(ts, values, w.txn+1); err != nil {
		return errors.Critical("appendRow", w.token.Name, fsfacade.Errno(err), err)
	}
	return nil
}

// Commit advances and persists the table's txn watermark.
func (w *Writer) Commit() (int64, error) {
	w.txn++
	if err := saveTxn(w.dir, w.txn); err != nil {
		return 0, err
	}
	return w.txn, nil
}

// AddColumn appends a column to the schema, bumps the metadata
// version, and records column-tops: each existing partition gets an
// explicit top equal to its current row count (its leading rows are
// null for the new column), and the column's introduction boundary is
// recorded so untouched future partitions resolve to "fully present".
func (w *Writer) AddColumn(name string, typ storage.ColumnType) error {
	if !validName(name, w.eng.cfg.MaxFileNameLen) {
		return errors.NonCritical("addColumn", w.token.Name, fmt.Sprintf("invalid column name %q", name))
	}
	if _, exists := w.meta.ColumnIndex(name); exists {
		return errors.NonCritical("addColumn", w.token.Name, fmt.Sprintf("column %q already exists", name))
	}

	colIdx := int64(len(w.meta.Columns))
	w.meta.Columns = append(w.meta.Columns, ColumnDef{Name: name, Type: typ})
	w.meta.MetadataVersion++
	if err := saveMeta(w.eng.fs, w.dir, w.meta); err != nil {
		return err
	}

	partitions, err := listPartitions(w.dir, w.meta.PartitionBy)
	if err != nil {
		return err
	}
	intro := cversion.ColTopDefaultPartition
	for _, pts := range partitions {
		count, err := w.partitionRowCount(pts)
		if err != nil {
			return err
		}
		w.cvRecords = cversion.Upsert(w.cvRecords, pts, colIdx, w.txn, count)
		if pts >= intro {
			intro = pts + 1
		}
	}
	w.cvRecords = cversion.Upsert(w.cvRecords, cversion.ColTopDefaultPartition, colIdx, w.txn, intro)
	return w.cv.WriteSafe(w.cvRecords)
}

func (w *Writer) partitionRowCount(pts int64) (int64, error) {
	if p, ok := w.parts[pts]; ok {
		return p.RowCount(), nil
	}
	return w.eng.partitionRowCount(w.dir, w.meta, pts)
}

// Truncate drops every partition and resets the column-version index
// to the bare schema.
func (w *Writer) Truncate() error {
	for _, p := range w.parts {
		_ = p.Close()
	}
	w.parts = make(map[int64]*storage.Partition)

	partitions, err := listPartitions(w.dir, w.meta.PartitionBy)
	if err != nil {
		return err
	}
	for _, pts := range partitions {
		pdir := filepath.Join(w.dir, w.meta.PartitionBy.DirName(pts))
		if err := w.eng.fs.RemoveAll(pdir); err != nil {
			return errors.Critical("truncate", w.token.Name, fsfacade.Errno(err), err)
		}
	}

	w.cvRecords = nil
	for i := range w.meta.Columns {
		w.cvRecords = cversion.Upsert(w.cvRecords, cversion.ColTopDefaultPartition, int64(i), w.txn, cversion.ColTopDefaultPartition)
	}
	if err := w.cv.WriteSafe(w.cvRecords); err != nil {
		return err
	}

	w.txn++
	return saveTxn(w.dir, w.txn)
}

// Close returns the writer to its pool when checked out; when the pool
// itself is discarding the slot, it tears down the partition handles
// and the column-version mapping.
func (w *Writer) Close() error {
	if rel := w.release; rel != nil {
		w.release = nil
		rel()
		return nil
	}
	var firstErr error
	for _, p := range w.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.cv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
