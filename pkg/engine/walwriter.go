package engine

import (
	"fmt"
	"path/filepath"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/tsengine/pkg/cversion"
	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/sequencer"
	"github.com/bobboyms/tsengine/pkg/storage"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
	"github.com/bobboyms/tsengine/pkg/wal"
)

// WAL-logged SQL command types.
const (
	CmdAlterAddColumn int32 = 1
	CmdRenameTable    int32 = 2
)

// renameTargetBind is the named bind variable a rename SQL record
// carries its target name under; recovery reads it back to pick the
// rename-crash winner.
const renameTargetBind = "to"

// symbolDict tracks one symbol column's interning state between
// commits. Codes added since the last commit are the entries a DATA
// record's symbol-diff block will carry.
type symbolDict struct {
	codes     map[string]int32
	next      int32
	committed int32
	pendingNew []wal.SymbolEntry
}

func (d *symbolDict) intern(s string) int32 {
	if code, ok := d.codes[s]; ok {
		return code
	}
	code := d.next
	d.next++
	d.codes[s] = code
	d.pendingNew = append(d.pendingNew, wal.SymbolEntry{Value: code, Symbol: s})
	return code
}

func (d *symbolDict) commit() {
	d.committed = d.next
	d.pendingNew = nil
}

func (d *symbolDict) rollback() {
	for _, e := range d.pendingNew {
		delete(d.codes, e.Symbol)
	}
	d.next = d.committed
	d.pendingNew = nil
}

// WalWriter is a WAL table's ingestion handle: rows are staged in
// memory, and Commit durably frames them into the segment's event log
// and row sidecar before notifying the apply worker. The physical
// partition files are only ever touched by the apply side.
type WalWriter struct {
	eng    *Engine
	token  tabletoken.Token
	dir    string
	segDir string
	meta   *TableMeta

	cv        *cversion.Store
	cvRecords []cversion.Record

	wal     *wal.Writer
	rows    *rowFile
	tracker *sequencer.Tracker

	pending    []bson.D
	pendingMin int64
	pendingMax int64
	lastMaxTs  int64

	symbols map[int]*symbolDict

	release func()
}

func (e *Engine) openWalWriter(token tabletoken.Token) (*WalWriter, error) {
	dir := e.tableDir(token)
	meta, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}
	if meta.WalSegment == "" {
		return nil, errors.NonCritical("getWalWriter", token.Name, "table has no WAL segment")
	}
	segDir := filepath.Join(dir, meta.WalSegment)

	cv, err := cversion.Open(e.fs, filepath.Join(dir, cvFileName))
	if err != nil {
		return nil, err
	}
	walWriter, err := wal.Open(e.fs, filepath.Join(segDir, "_event"), filepath.Join(segDir, "_event.i"), e.cfg.WalOptions)
	if err != nil {
		cv.Close()
		return nil, err
	}
	rows, err := openRowFile(e.fs, filepath.Join(segDir, rowsFileName))
	if err != nil {
		cv.Close()
		walWriter.Close()
		return nil, err
	}

	w := &WalWriter{
		eng:       e,
		token:     token,
		dir:       dir,
		segDir:    segDir,
		meta:      meta,
		cv:        cv,
		cvRecords: cv.ReadCurrent(),
		wal:       walWriter,
		rows:      rows,
		tracker:   e.seq.RegisterTable(token.DirName),
		symbols:   make(map[int]*symbolDict),
	}
	if err := w.restoreSymbols(); err != nil {
		w.closeFiles()
		return nil, err
	}
	return w, nil
}

// restoreSymbols folds the segment's committed symbol diffs back into
// the in-memory dictionaries, so a writer resuming an existing segment
// continues code assignment where its predecessor stopped.
func (w *WalWriter) restoreSymbols() error {
	r, err := wal.OpenReader(w.eng.fs, filepath.Join(w.segDir, "_event"), filepath.Join(w.segDir, "_event.i"))
	if err != nil {
		return err
	}
	defer r.Close()

	offsets, err := r.IndexEntries()
	if err != nil || len(offsets) <= 1 {
		return err
	}
	records, err := r.ReadFrom(offsets)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Data == nil {
			continue
		}
		for _, diff := range rec.Data.SymbolDiffs {
			d := w.symbolDict(int(diff.ColumnIndex))
			for _, e := range diff.Entries {
				d.codes[e.Symbol] = e.Value
				if e.Value >= d.next {
					d.next = e.Value + 1
				}
			}
			d.committed = d.next
		}
	}
	return nil
}

func (w *WalWriter) symbolDict(colIdx int) *symbolDict {
	d, ok := w.symbols[colIdx]
	if !ok {
		d = &symbolDict{codes: make(map[string]int32)}
		w.symbols[colIdx] = d
	}
	return d
}

// GetWalWriter checks out token's WAL writer.
func (e *Engine) GetWalWriter(token tabletoken.Token) (*WalWriter, error) {
	cur, err := e.resolveCurrent(token)
	if err != nil {
		return nil, err
	}
	if !cur.IsWal {
		return nil, errors.NonCritical("getWalWriter", token.Name, "not a WAL table")
	}
	w, err := e.walWriterPool.Get(cur, errors.ReasonBusyWriter)
	if err != nil {
		return nil, err
	}
	w.release = func() { e.walWriterPool.Release(cur, w) }
	return w, nil
}

// Token returns the table identity this writer is bound to.
func (w *WalWriter) Token() tabletoken.Token { return w.token }

// Meta returns a copy of the current schema.
func (w *WalWriter) Meta() TableMeta { return *w.meta }

// AppendRow stages one row for the current transaction, interning any
// symbol-column values into the per-column dictionaries.
func (w *WalWriter) AppendRow(values map[string]interface{}) error {
	if w.tracker.IsSuspended() {
		return &errors.TableSuspendedError{Table: w.token.Name}
	}
	ts, err := rowTimestamp(values, w.meta.TimestampColumn)
	if err != nil {
		return errors.NonCritical("appendRow", w.token.Name, err.Error())
	}

	// Stage in schema order so replayed rows serialize identically.
	doc := make(bson.D, 0, len(values))
	for i, col := range w.meta.Columns {
		v, ok := values[col.Name]
		if !ok {
			continue
		}
		if col.Type == storage.ColumnSymbol {
			s, ok := v.(string)
			if !ok {
				return errors.NonCritical("appendRow", w.token.Name, fmt.Sprintf("symbol column %q requires a string value", col.Name))
			}
			w.symbolDict(i).intern(s)
		}
		doc = append(doc, bson.E{Key: col.Name, Value: v})
	}
	for col := range values {
		if _, ok := w.meta.ColumnIndex(col); !ok {
			return errors.NonCritical("appendRow", w.token.Name, fmt.Sprintf("unknown column %q", col))
		}
	}

	micros := Micros(ts)
	if len(w.pending) == 0 || micros < w.pendingMin {
		w.pendingMin = micros
	}
	if len(w.pending) == 0 || micros > w.pendingMax {
		w.pendingMax = micros
	}
	w.pending = append(w.pending, doc)
	return nil
}

// pendingSymbolDiffs assembles the symbol-diff block for the staged
// transaction: only columns whose dictionary grew, and only the codes
// at or above the pre-transaction count.
func (w *WalWriter) pendingSymbolDiffs() []wal.SymbolColumnDiff {
	var diffs []wal.SymbolColumnDiff
	for colIdx, d := range w.symbols {
		if len(d.pendingNew) == 0 {
			continue
		}
		entries := make([]wal.SymbolEntry, len(d.pendingNew))
		copy(entries, d.pendingNew)
		diffs = append(diffs, wal.SymbolColumnDiff{
			ColumnIndex:  int32(colIdx),
			InitialCount: d.committed,
			Count:        d.next,
			Entries:      entries,
		})
	}
	return diffs
}

// Commit durably writes the staged rows and their DATA record, then
// notifies the apply worker. The row sidecar is synced before the
// event record lands, so a replayer never sees a committed record
// whose rows are missing.
func (w *WalWriter) Commit() (int64, error) {
	if w.tracker.IsSuspended() {
		return 0, &errors.TableSuspendedError{Table: w.token.Name}
	}
	if len(w.pending) == 0 {
		return 0, errors.NonCritical("commit", w.token.Name, "empty transaction")
	}

	start, end, err := w.rows.append(w.pending)
	if err != nil {
		return 0, err
	}
	if err := w.rows.sync(); err != nil {
		return 0, errors.Critical("commit", w.token.Name, 0, err)
	}

	rec := wal.Record{Data: &wal.DataRecord{
		StartRowID:  start,
		EndRowID:    end,
		MinTs:       w.pendingMin,
		MaxTs:       w.pendingMax,
		OutOfOrder:  w.lastMaxTs > 0 && w.pendingMin < w.lastMaxTs,
		SymbolDiffs: w.pendingSymbolDiffs(),
	}}
	txnType := wal.TxnData
	if w.token.IsMatView {
		txnType = wal.TxnMatViewData
		rec.Data.IsMatView = true
	}
	if _, err := w.wal.Append(txnType, rec); err != nil {
		return 0, err
	}
	if err := w.wal.Sync(); err != nil {
		return 0, err
	}

	for _, d := range w.symbols {
		d.commit()
	}
	if w.pendingMax > w.lastMaxTs {
		w.lastMaxTs = w.pendingMax
	}
	w.pending = nil

	seqTxn := w.tracker.NextTxn()
	w.eng.NotifyWalTxnCommitted(w.token, seqTxn)
	return seqTxn, nil
}

// Rollback discards the staged transaction, including any symbol codes
// it would have introduced.
func (w *WalWriter) Rollback() {
	w.pending = nil
	for _, d := range w.symbols {
		d.rollback()
	}
}

// appendSQL frames an SQL record and advances the sequencer; used for
// schema changes and renames that must replay in txn order.
func (w *WalWriter) appendSQL(rec wal.SQLRecord) (int64, error) {
	if _, err := w.wal.Append(wal.TxnSQL, wal.Record{SQL: &rec}); err != nil {
		return 0, err
	}
	if err := w.wal.Sync(); err != nil {
		return 0, err
	}
	seqTxn := w.tracker.NextTxn()
	w.eng.NotifyWalTxnCommitted(w.token, seqTxn)
	return seqTxn, nil
}

// AppendSQL logs an externally compiled SQL command verbatim, bind
// variables included.
func (w *WalWriter) AppendSQL(rec wal.SQLRecord) (int64, error) {
	if w.tracker.IsSuspended() {
		return 0, &errors.TableSuspendedError{Table: w.token.Name}
	}
	return w.appendSQL(rec)
}

// AddColumn appends a column to the schema exactly as the direct
// writer does, then logs the change as an SQL record so replay applies
// it at the same point in the txn stream.
func (w *WalWriter) AddColumn(name string, typ storage.ColumnType) error {
	if w.tracker.IsSuspended() {
		return &errors.TableSuspendedError{Table: w.token.Name}
	}
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
	lastTxn := w.tracker.SeqTxn()
	intro := cversion.ColTopDefaultPartition
	for _, pts := range partitions {
		count, err := w.eng.partitionRowCount(w.dir, w.meta, pts)
		if err != nil {
			return err
		}
		w.cvRecords = cversion.Upsert(w.cvRecords, pts, colIdx, lastTxn, count)
		if pts >= intro {
			intro = pts + 1
		}
	}
	w.cvRecords = cversion.Upsert(w.cvRecords, cversion.ColTopDefaultPartition, colIdx, lastTxn, intro)
	if err := w.cv.WriteSafe(w.cvRecords); err != nil {
		return err
	}

	_, err = w.appendSQL(wal.SQLRecord{
		CmdType: CmdAlterAddColumn,
		SQLText: fmt.Sprintf("alter table %s add column %s %s", w.token.Name, name, typ),
	})
	return err
}

// Truncate logs a TRUNCATE record; the apply worker performs the
// physical partition removal in txn order.
func (w *WalWriter) Truncate() (int64, error) {
	if w.tracker.IsSuspended() {
		return 0, &errors.TableSuspendedError{Table: w.token.Name}
	}
	if _, err := w.wal.Append(wal.TxnTruncate, wal.Record{}); err != nil {
		return 0, err
	}
	if err := w.wal.Sync(); err != nil {
		return 0, err
	}
	seqTxn := w.tracker.NextTxn()
	w.eng.NotifyWalTxnCommitted(w.token, seqTxn)
	return seqTxn, nil
}

// InvalidateMatView logs a MAT_VIEW_INVALIDATE record and flips the
// view's graph state.
func (w *WalWriter) InvalidateMatView(invalid bool, reason string) (int64, error) {
	if _, err := w.wal.Append(wal.TxnMatViewInvalidate, wal.Record{
		Invalid: &wal.MatViewInvalidateRecord{Invalid: invalid, Reason: reason},
	}); err != nil {
		return 0, err
	}
	if err := w.wal.Sync(); err != nil {
		return 0, err
	}
	w.eng.views.Invalidate(w.token, invalid)
	seqTxn := w.tracker.NextTxn()
	w.eng.NotifyWalTxnCommitted(w.token, seqTxn)
	return seqTxn, nil
}

// appendRename logs the rename's durable record; the target name rides
// in a named bind variable so crash recovery can read it back without
// parsing SQL text.
func (w *WalWriter) appendRename(newName string) (int64, error) {
	return w.appendSQL(wal.SQLRecord{
		CmdType: CmdRenameTable,
		SQLText: fmt.Sprintf("rename table %s to %s", w.token.Name, newName),
		NamedBindVars: map[string]wal.BindValue{
			renameTargetBind: {Kind: int32(storage.ColumnVarchar), Bytes: []byte(newName)},
		},
	})
}

func (w *WalWriter) closeFiles() error {
	var firstErr error
	if err := w.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.rows.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.cv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close returns the writer to its pool when checked out, or tears down
// the segment handles when the pool is discarding it. Any staged rows
// are dropped, never implicitly committed.
func (w *WalWriter) Close() error {
	if rel := w.release; rel != nil {
		w.release = nil
		w.Rollback()
		rel()
		return nil
	}
	return w.closeFiles()
}
