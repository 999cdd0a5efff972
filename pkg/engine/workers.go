package engine

import (
	"context"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/msgbus"
	"github.com/bobboyms/tsengine/pkg/storage"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
	"github.com/bobboyms/tsengine/pkg/wal"
)

// Start launches the engine's three dedicated workers: the WAL apply
// worker, the idle-resource maintenance worker, and the periodic
// checkpoint worker. They stop when ctx is canceled or the engine is
// closed.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(3)
	go e.applyLoop(ctx)
	go e.maintenanceLoop(ctx)
	go e.checkpointLoop(ctx)
}

func (e *Engine) applyLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ApplyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.ApplyOnce()
		}
	}
}

// ApplyOnce drains the notification queue and applies each signaled
// table's outstanding WAL transactions. If any commit missed the queue
// (unpublishedWalTxnCount > 0), every live WAL table is rescanned so
// the signal is honored anyway. Exposed so tests and embedders can
// drive apply deterministically without the worker goroutine.
func (e *Engine) ApplyOnce() {
	seen := make(map[tabletoken.Token]bool)
	for _, n := range e.bus.DrainTxnNotifications() {
		if seen[n.Token] {
			continue
		}
		seen[n.Token] = true
		e.applyTable(n.Token)
	}

	if e.bus.UnpublishedWalTxnCount() > 0 {
		for _, token := range e.registry.ListLive() {
			if token.IsWal && !seen[token] {
				e.applyTable(token)
			}
		}
		e.bus.ResetUnpublishedWalTxnCount()
	}
}

// applyTable merges one table's unapplied WAL records into partition
// storage, advancing the sequencer's writerTxn after each record. A
// failed apply suspends the table rather than crashing the engine.
func (e *Engine) applyTable(token tabletoken.Token) {
	tracker, ok := e.seq.Get(token.DirName)
	if !ok {
		return
	}
	dir := filepath.Join(e.root, token.DirName)
	meta, err := loadMeta(dir)
	if err != nil || meta.WalSegment == "" {
		return
	}
	segDir := filepath.Join(dir, meta.WalSegment)

	r, err := wal.OpenReader(e.fs, filepath.Join(segDir, "_event"), filepath.Join(segDir, "_event.i"))
	if err != nil {
		e.log.Criticalf("apply %s: %v", token, err)
		tracker.Suspend()
		return
	}
	defer r.Close()

	offsets, err := r.IndexEntries()
	if err != nil || len(offsets) <= 1 {
		return
	}
	records, err := r.ReadFrom(offsets)
	if err != nil {
		e.log.Criticalf("apply %s: %v", token, err)
		tracker.Suspend()
		return
	}

	applied := tracker.WriterTxn()
	for _, rec := range records {
		seqTxn := rec.Txn + 1
		if seqTxn <= applied {
			continue
		}
		if err := e.applyRecord(token, meta, segDir, rec, seqTxn); err != nil {
			e.log.Criticalf("apply %s txn %d: %v", token, seqTxn, err)
			tracker.Suspend()
			return
		}
		if err := saveTxn(dir, seqTxn); err != nil {
			e.log.Criticalf("apply %s txn %d: %v", token, seqTxn, err)
			tracker.Suspend()
			return
		}
		tracker.SetWriterTxn(seqTxn)
		applied = seqTxn

		for _, task := range e.views.NotifyTxnApplied(token, seqTxn) {
			e.bus.PublishCommand(msgbus.WriterCommand{Token: task.View, Kind: "refresh"})
		}
	}
}

func (e *Engine) applyRecord(token tabletoken.Token, meta *TableMeta, segDir string, rec wal.Record, seqTxn int64) error {
	switch rec.Type {
	case wal.TxnData, wal.TxnMatViewData:
		rows, err := readRows(e.fs, filepath.Join(segDir, rowsFileName), rec.Data.StartRowID, rec.Data.EndRowID)
		if err != nil {
			return err
		}
		for _, doc := range rows {
			if err := e.applyRow(token, meta, doc, seqTxn); err != nil {
				return err
			}
		}
		return nil
	case wal.TxnSQL, wal.TxnMatViewInvalidate:
		// Schema and graph state were mutated at the source; the record
		// exists so replay happens at the right point in the stream.
		return nil
	case wal.TxnTruncate:
		return e.applyTruncate(token, meta)
	default:
		return errors.NonCritical("apply", token.Name, "unknown record type")
	}
}

func (e *Engine) applyRow(token tabletoken.Token, meta *TableMeta, doc bson.D, seqTxn int64) error {
	values := make(map[string]interface{}, len(doc))
	for _, field := range doc {
		values[field.Key] = field.Value
	}
	ts, err := rowTimestamp(values, meta.TimestampColumn)
	if err != nil {
		return errors.Critical("apply", token.Name, 0, err)
	}

	pts := meta.PartitionBy.Truncate(Micros(ts))
	p, err := e.applyPartition(token.DirName, meta, pts)
	if err != nil {
		return err
	}
	if _, err := p.AppendRow(ts, values, seqTxn); err != nil {
		return errors.Critical("apply", token.Name, fsfacade.Errno(err), err)
	}
	return nil
}

// applyPartition returns the apply worker's cached partition handle,
// opening it with a recovery walk on first touch.
func (e *Engine) applyPartition(dirName string, meta *TableMeta, pts int64) (*storage.Partition, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	parts, ok := e.applyParts[dirName]
	if !ok {
		parts = make(map[int64]*storage.Partition)
		e.applyParts[dirName] = parts
	}
	if p, ok := parts[pts]; ok {
		return p, nil
	}
	pdir := filepath.Join(e.root, dirName, meta.PartitionBy.DirName(pts))
	p, err := storage.OpenPartition(pdir, meta.TimestampColumn)
	if err != nil {
		return nil, errors.Critical("apply", dirName, fsfacade.Errno(err), err)
	}
	parts[pts] = p
	return p, nil
}

func (e *Engine) applyTruncate(token tabletoken.Token, meta *TableMeta) error {
	e.dropApplyParts(token.DirName)
	dir := filepath.Join(e.root, token.DirName)
	partitions, err := listPartitions(dir, meta.PartitionBy)
	if err != nil {
		return err
	}
	for _, pts := range partitions {
		pdir := filepath.Join(dir, meta.PartitionBy.DirName(pts))
		if err := e.fs.RemoveAll(pdir); err != nil {
			return errors.Critical("apply", token.Name, fsfacade.Errno(err), err)
		}
	}
	return nil
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if e.MaintenanceOnce() {
				e.log.Debugf("maintenance: reclaimed idle resources")
			}
		}
	}
}

// MaintenanceOnce runs one idle-resource sweep across all pools,
// reporting whether any slot was reclaimed.
func (e *Engine) MaintenanceOnce() bool {
	useful := e.tableMetaPool.ReleaseInactive()
	useful = e.seqMetaPool.ReleaseInactive() || useful
	useful = e.writerPool.ReleaseInactive() || useful
	useful = e.walWriterPool.ReleaseInactive() || useful
	useful = e.readerPool.ReleaseInactive() || useful
	return useful
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if e.ckpt.InProgress() {
				continue
			}
			if err := e.CheckpointCreate(); err != nil {
				e.log.Criticalf("checkpoint: %v", err)
				continue
			}
			if err := e.CheckpointRelease(); err != nil {
				e.log.Criticalf("checkpoint release: %v", err)
			}
		}
	}
}
