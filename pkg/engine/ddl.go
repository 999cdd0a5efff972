package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bobboyms/tsengine/pkg/cversion"
	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/matview"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// TableDefinition describes a table to create.
type TableDefinition struct {
	Name            string
	Columns         []ColumnDef
	TimestampColumn string
	PartitionBy     PartitionBy
	Wal             bool
	IfNotExists     bool
}

// MatViewDefinition describes a materialized view to create: a WAL
// table plus its dependency edge and compiled definition.
type MatViewDefinition struct {
	TableDefinition
	BaseTable string
	Query     string
}

// validName rejects names that cannot become filesystem entries.
func validName(name string, maxLen int) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if r < 0x20 {
			return false
		}
	}
	return true
}

// dirNameFor derives a table's immutable directory name. The table id
// keeps it unique; the creation-time name is only a human-readable
// prefix and deliberately does not track renames.
func dirNameFor(name string, tableID int64) string {
	return fmt.Sprintf("%s~%d", name, tableID)
}

// lockTableCreate acquires the per-name spin lock serializing
// create/drop for one logical name, bounded by CreateTableLockSpin.
func (e *Engine) lockTableCreate(name string) (func(), error) {
	v, _ := e.nameLocks.LoadOrStore(name, new(int32))
	flag := v.(*int32)

	deadline := time.Now().Add(e.cfg.CreateTableLockSpin)
	for !atomic.CompareAndSwapInt32(flag, 0, 1) {
		if time.Now().After(deadline) {
			return nil, errors.EntryUnavailable(name, "createTableLock")
		}
		time.Sleep(time.Millisecond)
	}
	return func() { atomic.StoreInt32(flag, 0) }, nil
}

// CreateTable creates a table per def, returning its token. The name
// is reserved in the registry first, the per-name create lock and all
// pool locks are taken, the files are laid down, and only then is the
// name promoted to LIVE.
func (e *Engine) CreateTable(def TableDefinition) (tabletoken.Token, error) {
	return e.createTable(def, false)
}

func (e *Engine) createTable(def TableDefinition, isMatView bool) (tabletoken.Token, error) {
	var zero tabletoken.Token
	if !validName(def.Name, e.cfg.MaxFileNameLen) {
		return zero, &errors.InvalidTableNameError{Name: def.Name}
	}
	if len(def.Columns) == 0 {
		return zero, errors.NonCritical("createTable", def.Name, "table needs at least one column")
	}
	if _, ok := columnIndexIn(def.Columns, def.TimestampColumn); !ok {
		return zero, errors.NonCritical("createTable", def.Name, fmt.Sprintf("designated timestamp column %q not in schema", def.TimestampColumn))
	}
	for _, c := range def.Columns {
		if !validName(c.Name, e.cfg.MaxFileNameLen) {
			return zero, errors.NonCritical("createTable", def.Name, fmt.Sprintf("invalid column name %q", c.Name))
		}
	}

	tableID := e.tableIDGen.Add(1)
	deadline := time.Now().Add(e.cfg.CreateTableLockSpin)

	var token tabletoken.Token
	for {
		var ok bool
		token, ok = e.registry.LockTableName(def.Name, dirNameFor(def.Name, tableID), tableID, isMatView, def.Wal)
		if ok {
			break
		}
		if existing, live := e.registry.GetIfExists(def.Name); live {
			if def.IfNotExists {
				return existing, nil
			}
			return zero, &errors.TableAlreadyExistsError{Name: def.Name}
		}
		// Name reserved by a concurrent create/drop in flight.
		if !def.IfNotExists {
			return zero, &errors.TableAlreadyExistsError{Name: def.Name}
		}
		if time.Now().After(deadline) {
			return zero, errors.EntryUnavailable(def.Name, "createInFlight")
		}
		time.Sleep(time.Millisecond)
	}

	unlockCreate, err := e.lockTableCreate(def.Name)
	if err != nil {
		_ = e.registry.UnlockTableName(token)
		return zero, err
	}
	defer unlockCreate()
	defer func() { _ = e.registry.UnlockTableName(token) }()

	unlockPools, err := e.lockAllPools(token)
	if err != nil {
		return zero, err
	}
	defer unlockPools()

	dir := e.tableDir(token)
	if _, err := os.Stat(dir); err == nil {
		return zero, &errors.TableReservedError{Name: def.Name}
	}

	if err := e.createTableFiles(token, def); err != nil {
		if def.Wal {
			e.seq.DropTable(token.DirName)
		}
		_ = e.fs.RemoveAll(dir)
		return zero, err
	}
	if def.Wal {
		e.seq.RegisterTable(token.DirName)
	}
	if err := e.registry.RegisterName(token); err != nil {
		return zero, err
	}
	e.log.Infof("created table %s", token)
	return token, nil
}

func columnIndexIn(cols []ColumnDef, name string) (int, bool) {
	for i, c := range cols {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// createTableFiles lays down the table directory: _meta, _txn, the
// column-version file seeded with one introduction record per column,
// and for WAL tables the first segment directory.
func (e *Engine) createTableFiles(token tabletoken.Token, def TableDefinition) error {
	dir := e.tableDir(token)
	if err := e.fs.MkdirAll(dir); err != nil {
		return errors.Critical("createTable", token.Name, fsfacade.Errno(err), err)
	}

	meta := &TableMeta{
		TableID:         token.TableID,
		TimestampColumn: def.TimestampColumn,
		PartitionBy:     def.PartitionBy,
		Columns:         def.Columns,
	}
	if def.Wal {
		segID, err := uuid.NewV7()
		if err != nil {
			return errors.Critical("createTable", token.Name, 0, err)
		}
		meta.WalSegment = filepath.Join("wal0", segID.String())
		if err := e.fs.MkdirAll(filepath.Join(dir, meta.WalSegment)); err != nil {
			return errors.Critical("createTable", token.Name, fsfacade.Errno(err), err)
		}
		if err := e.fs.MkdirAll(filepath.Join(dir, "seq")); err != nil {
			return errors.Critical("createTable", token.Name, fsfacade.Errno(err), err)
		}
	}
	if err := saveMeta(e.fs, dir, meta); err != nil {
		return err
	}
	if err := saveTxn(dir, 0); err != nil {
		return err
	}

	cv, err := cversion.Open(e.fs, filepath.Join(dir, cvFileName))
	if err != nil {
		return err
	}
	defer cv.Close()
	var records []cversion.Record
	for i := range def.Columns {
		records = cversion.Upsert(records, cversion.ColTopDefaultPartition, int64(i), 0, cversion.ColTopDefaultPartition)
	}
	return cv.WriteSafe(records)
}

// CreateMatView creates the view's backing WAL table and registers its
// dependency edge in the graph.
func (e *Engine) CreateMatView(def MatViewDefinition) (tabletoken.Token, error) {
	base, ok := e.registry.GetIfExists(def.BaseTable)
	if !ok {
		return tabletoken.Token{}, &errors.TableNotFoundError{Name: def.BaseTable}
	}
	def.Wal = true
	token, err := e.createTable(def.TableDefinition, true)
	if err != nil {
		return tabletoken.Token{}, err
	}
	if err := e.views.AddView(token, base, matview.Definition{Query: def.Query}); err != nil {
		return tabletoken.Token{}, err
	}
	return token, nil
}

// Rename swings oldName to newName. WAL tables go through the alias
// protocol: the new name is installed first, the rename is durably
// logged in the WAL, and only then is the old name removed — a crash
// at any point leaves at least one resolvable name and an unchanged
// directory. Non-WAL tables lock all pools and swing the registry
// entry directly.
func (e *Engine) Rename(oldName, newName string) (tabletoken.Token, error) {
	var zero tabletoken.Token
	if !validName(newName, e.cfg.MaxFileNameLen) {
		return zero, &errors.InvalidTableNameError{Name: newName}
	}
	token, ok := e.registry.GetIfExists(oldName)
	if !ok {
		return zero, &errors.TableNotFoundError{Name: oldName}
	}

	if token.IsWal {
		alias, err := e.registry.AddTableAlias(newName, token)
		if err != nil {
			return zero, err
		}
		ww, err := e.GetWalWriter(token)
		if err != nil {
			e.registry.RemoveName(newName)
			return zero, err
		}
		_, err = ww.appendRename(newName)
		_ = ww.Close()
		if err != nil {
			e.registry.RemoveName(newName)
			return zero, err
		}
		e.registry.RemoveName(oldName)
		e.releaseAllPools(token)
		return alias, nil
	}

	unlockPools, err := e.lockAllPools(token)
	if err != nil {
		return zero, err
	}
	defer unlockPools()

	newToken, err := e.registry.Rename(token, newName)
	if err != nil {
		return zero, err
	}
	// Pooled resources are keyed by token value, which just changed;
	// anything cached under the old identity is dead weight now.
	e.releaseAllPools(token)
	return newToken, nil
}

func (e *Engine) releaseAllPools(token tabletoken.Token) {
	e.tableMetaPool.ReleaseAll(token)
	e.seqMetaPool.ReleaseAll(token)
	e.writerPool.ReleaseAll(token)
	e.walWriterPool.ReleaseAll(token)
	e.readerPool.ReleaseAll(token)
}

// DropTableOrMatView removes a table. WAL tables mark the registry,
// detach from the mat-view graph, drop the sequencer, and remove the
// directory asynchronously; non-WAL tables lock all pools and unlink
// synchronously. A directory that cannot be removed is a CRITICAL
// failure.
func (e *Engine) DropTableOrMatView(token tabletoken.Token) error {
	cur, err := e.resolveCurrent(token)
	if err != nil {
		return err
	}

	unlockCreate, err := e.lockTableCreate(cur.Name)
	if err != nil {
		return err
	}
	defer unlockCreate()

	if cur.IsWal {
		if !e.registry.DropTable(cur) {
			return errors.NonCritical("dropTable", cur.Name, "not the current owner")
		}
		if cur.IsMatView {
			e.views.DropViewIfExists(cur)
		}
		e.seq.DropTable(cur.DirName)
		e.releaseAllPools(cur)
		e.dropApplyParts(cur.DirName)

		dir := e.tableDir(cur)
		name := cur.Name
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.fs.RemoveAll(dir); err != nil {
				e.log.Criticalf("drop %s: remove %s: %v", name, dir, err)
				return
			}
			e.registry.RemoveName(name)
		}()
		return nil
	}

	unlockPools, err := e.lockAllPools(cur)
	if err != nil {
		return err
	}
	defer unlockPools()

	e.releaseAllPools(cur)
	if !e.registry.DropTable(cur) {
		return errors.NonCritical("dropTable", cur.Name, "not the current owner")
	}
	if err := e.fs.RemoveAll(e.tableDir(cur)); err != nil {
		return errors.Critical("dropTable", cur.Name, fsfacade.Errno(err), err)
	}
	e.registry.RemoveName(cur.Name)
	return nil
}

func (e *Engine) dropApplyParts(dirName string) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	for _, p := range e.applyParts[dirName] {
		_ = p.Close()
	}
	delete(e.applyParts, dirName)
}
