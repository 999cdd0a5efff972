package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobboyms/tsengine/pkg/cversion"
	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/query"
	"github.com/bobboyms/tsengine/pkg/storage"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// Reader is a table's query-side handle: a schema snapshot plus a
// read-only seqlock view of the column-version index. Partition data
// is read through throwaway recovery views, so a reader never shares
// file handles with the writer or the apply worker.
type Reader struct {
	eng   *Engine
	token tabletoken.Token
	dir   string
	meta  *TableMeta
	cv    *cversion.Reader

	release func()
}

func (e *Engine) openReader(token tabletoken.Token) (*Reader, error) {
	dir := e.tableDir(token)
	meta, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}
	cv, err := cversion.OpenReader(e.fs, filepath.Join(dir, cvFileName), e.cfg.SpinLockTimeout)
	if err != nil {
		return nil, err
	}
	return &Reader{eng: e, token: token, dir: dir, meta: meta, cv: cv}, nil
}

func (r *Reader) refresh() error {
	meta, err := loadMeta(r.dir)
	if err != nil {
		return err
	}
	r.meta = meta
	return nil
}

// GetReader checks out a reader for token.
func (e *Engine) GetReader(token tabletoken.Token) (*Reader, error) {
	cur, err := e.resolveCurrent(token)
	if err != nil {
		return nil, err
	}
	r, err := e.readerPool.Get(cur, errors.ReasonBusyReader)
	if err != nil {
		return nil, err
	}
	if err := r.refresh(); err != nil {
		e.readerPool.Release(cur, r)
		return nil, err
	}
	if r.meta.TableID != token.TableID {
		e.readerPool.Release(cur, r)
		return nil, &errors.TableReferenceOutOfDateError{
			Table:           token.Name,
			ExpectedTableID: token.TableID,
			ObservedTableID: r.meta.TableID,
		}
	}
	r.release = func() { e.readerPool.Release(cur, r) }
	return r, nil
}

// GetReaderAt checks out a reader pinned to a metadata version; a
// compiled query carries the version it planned against and must
// recompile if the table has moved on.
func (e *Engine) GetReaderAt(token tabletoken.Token, metadataVersion int64) (*Reader, error) {
	r, err := e.GetReader(token)
	if err != nil {
		return nil, err
	}
	if r.meta.MetadataVersion != metadataVersion {
		observed := r.meta.MetadataVersion
		r.Close()
		return nil, &errors.TableReferenceOutOfDateError{
			Table:           token.Name,
			ExpectedTableID: token.TableID,
			ObservedTableID: token.TableID,
			ExpectedVersion: metadataVersion,
			ObservedVersion: observed,
		}
	}
	return r, nil
}

// Token returns the table identity this reader is bound to.
func (r *Reader) Token() tabletoken.Token { return r.token }

// Meta returns the schema snapshot taken at checkout.
func (r *Reader) Meta() TableMeta { return *r.meta }

// ColumnTop resolves the number of leading null rows for a column in a
// partition through the seqlock-protected column-version index: 0
// means fully present, -1 means the column does not exist there.
func (r *Reader) ColumnTop(partitionTs int64, column string) (int64, error) {
	colIdx, ok := r.meta.ColumnIndex(column)
	if !ok {
		return -1, errors.NonCritical("columnTop", r.token.Name, fmt.Sprintf("unknown column %q", column))
	}
	records, err := r.cv.ReadSafe()
	if err != nil {
		return -1, err
	}
	return cversion.GetColumnTop(records, partitionTs, int64(colIdx)), nil
}

// ScanColumn returns a column's values across one partition, in row
// order, with leading nulls standing in for rows older than the
// column. cond optionally filters by designated timestamp.
func (r *Reader) ScanColumn(partitionTs int64, column string, cond *query.ScanCondition) ([]interface{}, error) {
	top, err := r.ColumnTop(partitionTs, column)
	if err != nil {
		return nil, err
	}
	if top < 0 {
		return nil, errors.NonCritical("scanColumn", r.token.Name, fmt.Sprintf("column %q not present in partition", column))
	}

	pdir := filepath.Join(r.dir, r.meta.PartitionBy.DirName(partitionTs))
	if _, err := os.Stat(pdir); err != nil {
		return nil, nil // partition has no rows
	}
	p, err := storage.OpenPartition(pdir, r.meta.TimestampColumn)
	if err != nil {
		return nil, errors.Critical("scanColumn", r.token.Name, fsfacade.Errno(err), err)
	}
	defer p.Close()
	return p.ScanColumn(column, top, cond)
}

// RowCount reports one partition's current row count.
func (r *Reader) RowCount(partitionTs int64) (int64, error) {
	return r.eng.partitionRowCount(r.dir, r.meta, partitionTs)
}

// Partitions lists the table's on-disk partitions in ascending
// timestamp order.
func (r *Reader) Partitions() ([]int64, error) {
	return listPartitions(r.dir, r.meta.PartitionBy)
}

// Close returns the reader to its pool when checked out, or drops the
// column-version mapping when the pool is discarding it.
func (r *Reader) Close() error {
	if rel := r.release; rel != nil {
		r.release = nil
		rel()
		return nil
	}
	return r.cv.Close()
}
