package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobboyms/tsengine/pkg/checkpoint"
	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/matview"
	"github.com/bobboyms/tsengine/pkg/msgbus"
	"github.com/bobboyms/tsengine/pkg/respool"
	"github.com/bobboyms/tsengine/pkg/sequencer"
	"github.com/bobboyms/tsengine/pkg/storage"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
	"github.com/bobboyms/tsengine/pkg/wal"
)

// checkpointDirName holds checkpoint manifests under the database root.
const checkpointDirName = "checkpoint"

// Engine is the storage-core facade: it owns the table name registry,
// the five resource pools, the per-table sequencers, the message bus,
// the checkpoint barrier, and the mat-view dependency graph, and it
// orchestrates DDL across all of them.
type Engine struct {
	cfg  Config
	log  Logger
	fs   fsfacade.Facade
	root string

	registry *tabletoken.Registry
	seq      *sequencer.Registry
	bus      *msgbus.MessageBus
	ckpt     *checkpoint.Agent
	views    matview.Graph

	// Pool lock order is fixed: tableMetaPool, seqMetaPool, writerPool,
	// walWriterPool, readerPool. Every DDL path acquires in that order
	// and unwinds in reverse.
	tableMetaPool *respool.Pool[*TableMetaView]
	seqMetaPool   *respool.Pool[*SeqMetaView]
	writerPool    *respool.Pool[*Writer]
	walWriterPool *respool.Pool[*WalWriter]
	readerPool    *respool.Pool[*Reader]

	tableIDGen atomic.Int64
	nameLocks  sync.Map // table name -> *int32 spin lock guarding create/drop

	// applyParts caches the apply worker's open partitions per table
	// directory, so consecutive apply batches don't re-run the
	// partition recovery walk.
	applyMu    sync.Mutex
	applyParts map[string]map[int64]*storage.Partition

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New opens (or creates) a database at cfg.Root, replays the name
// registry, restores each WAL table's sequencer progress, and resolves
// any rename left half-finished by a crash. Background workers are not
// started until Start is called.
func New(cfg Config) (*Engine, error) {
	fs := cfg.facade()
	if err := fs.MkdirAll(cfg.Root); err != nil {
		return nil, errors.Critical("engine.open", cfg.Root, fsfacade.Errno(err), err)
	}

	if err := fs.MkdirAll(filepath.Join(cfg.Root, checkpointDirName)); err != nil {
		return nil, errors.Critical("engine.open", cfg.Root, fsfacade.Errno(err), err)
	}

	registry, err := tabletoken.Open(cfg.Root)
	if err != nil {
		return nil, err
	}

	notifCap, cmdCap := cfg.NotificationQueueCap, cfg.CommandQueueCap
	if notifCap == 0 {
		notifCap = msgbus.WalTxnNotificationCapacity
	}
	if cmdCap == 0 {
		cmdCap = msgbus.AsyncWriterCommandCapacity
	}

	e := &Engine{
		cfg:        cfg,
		log:        cfg.logger(),
		fs:         fs,
		root:       cfg.Root,
		registry:   registry,
		seq:        sequencer.NewRegistry(),
		bus:        msgbus.NewBusSized(notifCap, cmdCap),
		ckpt:       checkpoint.New(fs, filepath.Join(cfg.Root, checkpointDirName)),
		applyParts: make(map[string]map[int64]*storage.Partition),
		stop:       make(chan struct{}),
	}

	if cfg.MatViews {
		e.views = matview.New()
	} else {
		e.views = matview.NoOp{}
	}

	e.tableMetaPool = respool.New("tableMetadata", cfg.MaxMetadataHandles, e.openTableMetaView)
	e.seqMetaPool = respool.New("sequencerMetadata", cfg.MaxMetadataHandles, e.openSeqMetaView)
	e.writerPool = respool.New("writer", cfg.MaxWritersPerTable, e.openWriter)
	e.walWriterPool = respool.New("walWriter", cfg.MaxWritersPerTable, e.openWalWriter)
	e.readerPool = respool.New("reader", cfg.MaxReadersPerTable, e.openReader)

	// Startup always assumes at least one commit may have been signaled
	// but never noticed, forcing the first apply pass to rescan.
	e.bus.BumpUnpublishedWalTxnCount()

	for _, token := range registry.ListLive() {
		if token.TableID > e.tableIDGen.Load() {
			e.tableIDGen.Store(token.TableID)
		}
		if token.IsWal {
			if err := e.restoreWalTable(token); err != nil {
				e.log.Criticalf("restore %s: %v", token, err)
			}
		}
	}

	if err := e.resolveRenameCrash(); err != nil {
		return nil, err
	}

	if manifest, err := e.ckpt.CheckpointRecover(); err != nil {
		return nil, err
	} else if manifest != nil {
		e.log.Infof("discarding checkpoint %d interrupted mid-create", manifest.ID)
	}

	return e, nil
}

// restoreWalTable seeds a WAL table's sequencer tracker from durable
// state: seqTxn from the segment header's committed-txn marker,
// writerTxn from the table's _txn watermark.
func (e *Engine) restoreWalTable(token tabletoken.Token) error {
	tracker := e.seq.RegisterTable(token.DirName)
	dir := filepath.Join(e.root, token.DirName)

	meta, err := loadMeta(dir)
	if err != nil {
		return err
	}
	writerTxn, err := loadTxn(dir)
	if err != nil {
		return err
	}
	var seqTxn int64
	if meta.WalSegment != "" {
		segDir := filepath.Join(dir, meta.WalSegment)
		r, err := wal.OpenReader(e.fs, filepath.Join(segDir, "_event"), filepath.Join(segDir, "_event.i"))
		if err != nil {
			return err
		}
		maxTxn, _, err := r.Header()
		r.Close()
		if err != nil {
			return err
		}
		seqTxn = maxTxn + 1
	}
	tracker.Restore(seqTxn, writerTxn)
	return nil
}

// resolveRenameCrash finds live names sharing one directory — the
// signature of a crash between AddTableAlias and removing the old name
// — and keeps a single deterministic winner: the target of the most
// recent rename record in the table's WAL, falling back to the name
// most recently appended to tables.d.
func (e *Engine) resolveRenameCrash() error {
	byDir := make(map[string][]tabletoken.Token)
	for _, token := range e.registry.ListLive() {
		byDir[token.DirName] = append(byDir[token.DirName], token)
	}
	for dirName, tokens := range byDir {
		if len(tokens) < 2 {
			continue
		}
		winner := e.renameWinner(dirName, tokens)
		for _, t := range tokens {
			if t.Name != winner {
				e.registry.RemoveName(t.Name)
			}
		}
		e.log.Infof("resolved rename crash on %s: kept %q", dirName, winner)
	}
	return nil
}

// renameWinner picks which of the duplicate names survives.
func (e *Engine) renameWinner(dirName string, tokens []tabletoken.Token) string {
	names := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		names[t.Name] = true
	}

	dir := filepath.Join(e.root, dirName)
	if meta, err := loadMeta(dir); err == nil && meta.WalSegment != "" {
		segDir := filepath.Join(dir, meta.WalSegment)
		if r, err := wal.OpenReader(e.fs, filepath.Join(segDir, "_event"), filepath.Join(segDir, "_event.i")); err == nil {
			defer r.Close()
			if offsets, err := r.IndexEntries(); err == nil && len(offsets) > 1 {
				if records, err := r.ReadFrom(offsets); err == nil {
					for i := len(records) - 1; i >= 0; i-- {
						rec := records[i]
						if rec.Type != wal.TxnSQL || rec.SQL.CmdType != CmdRenameTable {
							continue
						}
						if bv, ok := rec.SQL.NamedBindVars[renameTargetBind]; ok && names[string(bv.Bytes)] {
							return string(bv.Bytes)
						}
						break
					}
				}
			}
		}
	}
	// No durable rename record: the WAL append never happened, so keep
	// the most recently registered name.
	return e.registry.NewestOf(namesOf(tokens))
}

func namesOf(tokens []tabletoken.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Name
	}
	return out
}

// Close stops the workers and releases every pooled resource. Resources
// still checked out are closed underneath their holders; Close is the
// end of the engine's life, not a soft pause.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	for _, token := range e.registry.ListLive() {
		e.tableMetaPool.ReleaseAll(token)
		e.seqMetaPool.ReleaseAll(token)
		e.writerPool.ReleaseAll(token)
		e.walWriterPool.ReleaseAll(token)
		e.readerPool.ReleaseAll(token)
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	for _, parts := range e.applyParts {
		for _, p := range parts {
			_ = p.Close()
		}
	}
	e.applyParts = make(map[string]map[int64]*storage.Partition)
	return nil
}

// Registry exposes the name registry for introspection.
func (e *Engine) Registry() *tabletoken.Registry { return e.registry }

// Bus exposes the message bus, primarily so tests can observe the
// unpublished-txn fallback counter.
func (e *Engine) Bus() *msgbus.MessageBus { return e.bus }

// GetTableTokenIfExists resolves a live table name.
func (e *Engine) GetTableTokenIfExists(name string) (tabletoken.Token, bool) {
	return e.registry.GetIfExists(name)
}

// VerifyTableName checks name syntax and resolves it against the
// registry.
func (e *Engine) VerifyTableName(name string) error {
	if !validName(name, e.cfg.MaxFileNameLen) {
		return &errors.InvalidTableNameError{Name: name}
	}
	if !e.registry.VerifyTableName(name) {
		return &errors.TableNotFoundError{Name: name}
	}
	return nil
}

// resolveCurrent checks that token still names a live table with the
// same identity, classifying the failure as not-found versus stale
// reference.
func (e *Engine) resolveCurrent(token tabletoken.Token) (tabletoken.Token, error) {
	cur, ok := e.registry.GetIfExists(token.Name)
	if !ok {
		return tabletoken.Token{}, &errors.TableNotFoundError{Name: token.Name}
	}
	if cur != token {
		return tabletoken.Token{}, &errors.TableReferenceOutOfDateError{
			Table:           token.Name,
			ExpectedTableID: token.TableID,
			ObservedTableID: cur.TableID,
		}
	}
	return cur, nil
}

// NotifyWalTxnCommitted publishes a commit notification for the apply
// worker, reporting whether it landed on the queue. A full queue bumps
// unpublishedWalTxnCount instead, so the signal is never lost either
// way.
func (e *Engine) NotifyWalTxnCommitted(token tabletoken.Token, txn int64) bool {
	return e.bus.PublishTxnCommitted(token, txn)
}

// AwaitTxn blocks until txn has been applied to token's physical
// table, the table is suspended, ctx is canceled, or timeout elapses.
func (e *Engine) AwaitTxn(ctx context.Context, token tabletoken.Token, txn int64, timeout time.Duration) error {
	tracker, ok := e.seq.Get(token.DirName)
	if !ok {
		return errors.NonCritical("awaitTxn", token.Name, "not a WAL table")
	}
	return tracker.AwaitTxn(ctx, txn, timeout)
}

// SeqTracker returns token's sequencer tracker.
func (e *Engine) SeqTracker(token tabletoken.Token) (*sequencer.Tracker, bool) {
	return e.seq.Get(token.DirName)
}

// poolLock pairs one pool's lock attempt with its unlock, so
// lockAllPools can iterate pools of different resource types.
type poolLock struct {
	lock   func() (string, error)
	unlock func()
}

func (e *Engine) poolLocks(token tabletoken.Token) []poolLock {
	return []poolLock{
		{func() (string, error) { return e.tableMetaPool.Lock(token, "busyMetadata") }, func() { e.tableMetaPool.Unlock(token) }},
		{func() (string, error) { return e.seqMetaPool.Lock(token, "busySeqMetadata") }, func() { e.seqMetaPool.Unlock(token) }},
		{func() (string, error) { return e.writerPool.Lock(token, errors.ReasonBusyWriter) }, func() { e.writerPool.Unlock(token) }},
		{func() (string, error) { return e.walWriterPool.Lock(token, errors.ReasonBusyWriter) }, func() { e.walWriterPool.Unlock(token) }},
		{func() (string, error) { return e.readerPool.Lock(token, errors.ReasonBusyReader) }, func() { e.readerPool.Unlock(token) }},
	}
}

// lockAllPools acquires every pool's lock for token in the global
// order, unwinding in reverse on the first failure. The returned
// function releases all of them, also in reverse.
func (e *Engine) lockAllPools(token tabletoken.Token) (func(), error) {
	locks := e.poolLocks(token)
	for i, pl := range locks {
		if _, err := pl.lock(); err != nil {
			for j := i - 1; j >= 0; j-- {
				locks[j].unlock()
			}
			return nil, err
		}
	}
	return func() {
		for j := len(locks) - 1; j >= 0; j-- {
			locks[j].unlock()
		}
	}, nil
}

// LockReaders freezes reader acquisition for token. It refuses while a
// checkpoint is in flight so the checkpoint's view of the reader set
// stays stable.
func (e *Engine) LockReaders(token tabletoken.Token) error {
	if e.ckpt.InProgress() {
		return errors.EntryUnavailable(token.Name, errors.ReasonCheckpointInProgress)
	}
	_, err := e.readerPool.Lock(token, errors.ReasonBusyReader)
	return err
}

// UnlockReaders reverses LockReaders.
func (e *Engine) UnlockReaders(token tabletoken.Token) {
	e.readerPool.Unlock(token)
}

// LockReadersAndMetadata additionally freezes the metadata pools,
// acquired before the reader pool per the global lock order.
func (e *Engine) LockReadersAndMetadata(token tabletoken.Token) error {
	if e.ckpt.InProgress() {
		return errors.EntryUnavailable(token.Name, errors.ReasonCheckpointInProgress)
	}
	if _, err := e.tableMetaPool.Lock(token, "busyMetadata"); err != nil {
		return err
	}
	if _, err := e.seqMetaPool.Lock(token, "busySeqMetadata"); err != nil {
		e.tableMetaPool.Unlock(token)
		return err
	}
	if _, err := e.readerPool.Lock(token, errors.ReasonBusyReader); err != nil {
		e.seqMetaPool.Unlock(token)
		e.tableMetaPool.Unlock(token)
		return err
	}
	return nil
}

// UnlockReadersAndMetadata reverses LockReadersAndMetadata.
func (e *Engine) UnlockReadersAndMetadata(token tabletoken.Token) {
	e.readerPool.Unlock(token)
	e.seqMetaPool.Unlock(token)
	e.tableMetaPool.Unlock(token)
}

// CheckpointCreate freezes reader acquisition and persists a manifest
// of every live table's applied-txn watermark.
func (e *Engine) CheckpointCreate() error {
	manifest := checkpoint.Manifest{ID: time.Now().UnixNano()}
	for _, token := range e.registry.ListLive() {
		writerTxn, err := loadTxn(filepath.Join(e.root, token.DirName))
		if err != nil {
			return err
		}
		manifest.Tables = append(manifest.Tables, checkpoint.TableSnapshot{
			Name:      token.Name,
			DirName:   token.DirName,
			TableID:   token.TableID,
			WriterTxn: writerTxn,
		})
	}
	return e.ckpt.CheckpointCreate(manifest)
}

// CheckpointRelease clears the checkpoint barrier.
func (e *Engine) CheckpointRelease() error { return e.ckpt.CheckpointRelease() }

// CheckpointRecover reconciles a checkpoint interrupted mid-create.
func (e *Engine) CheckpointRecover() (*checkpoint.Manifest, error) {
	return e.ckpt.CheckpointRecover()
}

// CheckpointInProgress reports whether the barrier is currently set.
func (e *Engine) CheckpointInProgress() bool { return e.ckpt.InProgress() }

// OpenReaderWithRepair is the I/O-failure retry path for table opens:
// if the reader fails with a CRITICAL error, briefly acquire the
// writer (whose open runs the table's recovery code), release it, and
// try the reader once more. Anything short of that repair rethrows the
// original error.
func (e *Engine) OpenReaderWithRepair(token tabletoken.Token) (*Reader, error) {
	r, err := e.GetReader(token)
	if err == nil || !errors.IsCritical(err) {
		return r, err
	}
	original := err

	w, werr := e.GetWriter(token, "repair")
	if werr == nil {
		_ = w.Close()
	} else if ww, werr := e.GetWalWriter(token); werr == nil {
		_ = ww.Close()
	}

	r, err = e.GetReader(token)
	if err != nil {
		return nil, original
	}
	return r, nil
}

// tableDir returns token's directory under the database root.
func (e *Engine) tableDir(token tabletoken.Token) string {
	return filepath.Join(e.root, token.DirName)
}

// partitionRowCount opens a throwaway recovery view of one partition
// to learn its current row count; used by schema changes that need the
// column-top for partitions the writer hasn't touched this session.
func (e *Engine) partitionRowCount(dir string, meta *TableMeta, pts int64) (int64, error) {
	pdir := filepath.Join(dir, meta.PartitionBy.DirName(pts))
	if _, err := os.Stat(pdir); err != nil {
		return 0, nil
	}
	p, err := storage.OpenPartition(pdir, meta.TimestampColumn)
	if err != nil {
		return 0, err
	}
	defer p.Close()
	return p.RowCount(), nil
}

// listPartitions scans a table directory for partition subdirectories,
// returning their truncated timestamps in ascending order.
func listPartitions(dir string, partitionBy PartitionBy) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Critical("listPartitions", dir, fsfacade.Errno(err), err)
	}
	var out []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pts, ok := parsePartitionDir(entry.Name(), partitionBy)
		if !ok {
			continue
		}
		out = append(out, pts)
	}
	return out, nil
}

func parsePartitionDir(name string, partitionBy PartitionBy) (int64, bool) {
	switch partitionBy {
	case PartitionByDay:
		t, err := time.Parse("2006-01-02", name)
		if err != nil {
			return 0, false
		}
		return t.UnixMicro(), true
	case PartitionByHour:
		t, err := time.Parse("2006-01-02T15", name)
		if err != nil {
			return 0, false
		}
		return t.UnixMicro(), true
	default:
		if name == "default" {
			return 0, true
		}
		return 0, false
	}
}
