package wal

import (
	"os"
	"sync"

	tserrors "github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

// Reader provides read-only access to a segment for the apply worker
// and for mat-view replay. It always opens its own file handle,
// independent of any Writer that may be live on the same segment —
// an apply job's read must never be blocked by, or itself block, the
// writer's append path.
type Reader struct {
	mu        sync.Mutex
	eventFile *os.File
	indexFile *os.File
}

// OpenReader opens eventPath/indexPath for reading.
func OpenReader(facade fsfacade.Facade, eventPath, indexPath string) (*Reader, error) {
	ef, err := facade.OpenReadOnly(eventPath)
	if err != nil {
		return nil, tserrors.Critical("wal.openReader", eventPath, fsfacade.Errno(err), err)
	}
	ifile, err := facade.OpenReadOnly(indexPath)
	if err != nil {
		ef.Close()
		return nil, tserrors.Critical("wal.openReader", indexPath, fsfacade.Errno(err), err)
	}
	return &Reader{eventFile: ef, indexFile: ifile}, nil
}

// Close releases the reader's file handles.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.eventFile.Close(); err != nil {
		r.indexFile.Close()
		return err
	}
	return r.indexFile.Close()
}

// IndexEntries returns the index file's offsets in append order:
// entry k is record k's start offset, and the final entry is the
// terminal nextLen placeholder where the next record will begin. A
// segment with N committed records therefore always carries N+1
// entries.
func (r *Reader) IndexEntries() ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.indexFile.Stat()
	if err != nil {
		return nil, tserrors.Critical("wal.readIndex", r.indexFile.Name(), fsfacade.Errno(err), err)
	}
	n := int(info.Size() / 8)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, info.Size())
	if _, err := r.indexFile.ReadAt(buf, 0); err != nil {
		return nil, tserrors.Critical("wal.readIndex", r.indexFile.Name(), fsfacade.Errno(err), err)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = getInt64(buf, i*8)
	}
	return out, nil
}

// ReadFrom decodes every complete record starting at the given
// offsets (as returned by IndexEntries). The final entry — the
// terminal placeholder — and any record whose leading length field
// still reads -1 (rollback reverted it, or a crash interrupted the
// append before the length patch landed) stop the scan without error;
// that is the normal "caught up to the writer" condition, not a
// failure.
func (r *Reader) ReadFrom(offsets []int64) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.eventFile.Stat()
	if err != nil {
		return nil, tserrors.Critical("wal.read", r.eventFile.Name(), fsfacade.Errno(err), err)
	}

	var out []Record
	for _, startOffset := range offsets {
		if startOffset+4 > info.Size() {
			break
		}
		lenBuf := make([]byte, 4)
		if _, err := r.eventFile.ReadAt(lenBuf, startOffset); err != nil {
			return nil, tserrors.Critical("wal.read", r.eventFile.Name(), fsfacade.Errno(err), err)
		}
		recordLen := getInt32(lenBuf, 0)
		if recordLen <= 0 {
			break // torn or rolled-back record; nothing committed past here
		}
		if startOffset+int64(recordLen) > info.Size() {
			break
		}

		body := make([]byte, recordLen-4)
		if _, err := r.eventFile.ReadAt(body, startOffset+4); err != nil {
			return nil, tserrors.Critical("wal.read", r.eventFile.Name(), fsfacade.Errno(err), err)
		}

		txn := getInt64(body, 0)
		txnType := TxnType(body[8])
		rec, _ := decodePayload(txnType, body, 9)
		rec.Offset = startOffset
		rec.Txn = txn
		out = append(out, rec)
	}
	return out, nil
}

// Header returns (maxTxn, formatVersion) as currently recorded in the
// segment's 12-byte header.
func (r *Reader) Header() (maxTxn int64, formatVersion int32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, HeaderSize)
	if _, err := r.eventFile.ReadAt(buf, 0); err != nil {
		return 0, 0, tserrors.Critical("wal.readHeader", r.eventFile.Name(), fsfacade.Errno(err), err)
	}
	return int64(getInt32(buf, MaxTxnOffset)), getInt32(buf, FormatOffset), nil
}
