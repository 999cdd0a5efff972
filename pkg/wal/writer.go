package wal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	tserrors "github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

// Writer owns one event file and its sibling index file for a single
// WAL segment. Exactly one Writer exists per segment at a time; the
// table's pool enforces that.
//
// The append protocol reuses the previous record's trailing nextLen
// placeholder as the next record's recordLen slot: every append writes
// the record body first, patches the leading length field in place,
// then appends a fresh -1 placeholder for whoever comes next. This
// means a crash between "body written" and "length patched" leaves the
// old -1 sitting in the length slot, which is exactly how a reader
// tells a torn record from a committed one.
type Writer struct {
	mu sync.Mutex

	eventFile *os.File
	indexFile *os.File

	appendOffset int64 // absolute offset just past the current nextLen placeholder
	idxOff       int64 // append position in the index file
	txn          int64
	formatVersion int32
	opts         Options

	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// Open creates a fresh segment at eventPath/indexPath if none exists,
// or resumes appending to an existing one.
func Open(facade fsfacade.Facade, eventPath, indexPath string, opts Options) (*Writer, error) {
	ef, err := facade.OpenReadWrite(eventPath)
	if err != nil {
		return nil, tserrors.Critical("wal.open", eventPath, fsfacade.Errno(err), err)
	}
	info, err := ef.Stat()
	if err != nil {
		ef.Close()
		return nil, tserrors.Critical("wal.stat", eventPath, fsfacade.Errno(err), err)
	}

	ifile, err := facade.OpenReadWrite(indexPath)
	if err != nil {
		ef.Close()
		return nil, tserrors.Critical("wal.open", indexPath, fsfacade.Errno(err), err)
	}

	w := &Writer{eventFile: ef, indexFile: ifile, opts: opts, formatVersion: FormatVersionBase}

	if info.Size() == 0 {
		if err := w.initLocked(); err != nil {
			ef.Close()
			ifile.Close()
			return nil, err
		}
	} else {
		if err := w.resumeLocked(info.Size()); err != nil {
			ef.Close()
			ifile.Close()
			return nil, err
		}
	}

	if opts.CommitMode == AsyncSync && opts.SyncIntervalDuration > 0 {
		w.done = make(chan struct{})
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

func (w *Writer) initLocked() error {
	var header [HeaderSize]byte
	putInt32(header[:], MaxTxnOffset, -1)
	putInt32(header[:], FormatOffset, FormatVersionBase)
	if _, err := w.eventFile.WriteAt(header[:], 0); err != nil {
		return tserrors.Critical("wal.initHeader", w.eventFile.Name(), fsfacade.Errno(err), err)
	}

	var placeholder [nextLenSize]byte
	putInt32(placeholder[:], 0, invalidRecord)
	if _, err := w.eventFile.WriteAt(placeholder[:], HeaderSize); err != nil {
		return tserrors.Critical("wal.initPlaceholder", w.eventFile.Name(), fsfacade.Errno(err), err)
	}
	w.appendOffset = HeaderSize + nextLenSize

	var idxEntry [8]byte
	putInt64(idxEntry[:], 0, HeaderSize)
	if _, err := w.indexFile.WriteAt(idxEntry[:], 0); err != nil {
		return tserrors.Critical("wal.initIndex", w.indexFile.Name(), fsfacade.Errno(err), err)
	}
	w.idxOff = 8

	w.txn = 0
	return nil
}

// resumeLocked recovers writer state from an existing segment. The
// index always carries one entry per committed record plus one: its
// last entry is the current terminal placeholder's offset, so both the
// txn count and the append position fall straight out of it.
func (w *Writer) resumeLocked(eventSize int64) error {
	idxInfo, err := w.indexFile.Stat()
	if err != nil {
		return tserrors.Critical("wal.stat", w.indexFile.Name(), fsfacade.Errno(err), err)
	}
	entries := idxInfo.Size() / 8
	if entries == 0 {
		return w.initLocked()
	}
	w.txn = entries - 1
	w.idxOff = entries * 8

	var last [8]byte
	if _, err := w.indexFile.ReadAt(last[:], (entries-1)*8); err != nil {
		return tserrors.Critical("wal.readIndex", w.indexFile.Name(), fsfacade.Errno(err), err)
	}
	terminal := getInt64(last[:], 0)
	if terminal+nextLenSize > eventSize {
		return tserrors.Critical("wal.resume", w.eventFile.Name(), 0,
			fmt.Errorf("index points past event file: terminal=%d size=%d", terminal, eventSize))
	}
	w.appendOffset = terminal + nextLenSize
	return nil
}

// Append serializes a record of txnType and writes it using the
// 8-step protocol from the event-log format. It returns the
// transaction number assigned to this record.
func (w *Writer) Append(txnType TxnType, rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, tserrors.NonCritical("wal.append", w.eventFile.Name(), "writer closed")
	}

	rec.Type = txnType
	payload := encodePayload(txnType, rec)

	bodyBuf := acquireBuffer()
	defer releaseBuffer(bodyBuf)
	body := *bodyBuf
	var head [RecordHeaderSize - 4]byte // txn(8) + txnType(1), recordLen is patched separately
	putInt64(head[:], 0, w.txn)
	head[8] = byte(txnType)
	body = append(body, head[:]...)
	body = append(body, payload...)

	startOffset := w.appendOffset - nextLenSize
	if _, err := w.eventFile.WriteAt(body, startOffset+4); err != nil {
		return 0, tserrors.Critical("wal.append", w.eventFile.Name(), fsfacade.Errno(err), err)
	}
	currentAppend := startOffset + 4 + int64(len(body))

	recordLen := currentAppend - startOffset
	var lenBuf [4]byte
	putInt32(lenBuf[:], 0, int32(recordLen))
	if _, err := w.eventFile.WriteAt(lenBuf[:], startOffset); err != nil {
		return 0, tserrors.Critical("wal.append", w.eventFile.Name(), fsfacade.Errno(err), err)
	}

	var placeholder [nextLenSize]byte
	putInt32(placeholder[:], 0, invalidRecord)
	if _, err := w.eventFile.WriteAt(placeholder[:], currentAppend); err != nil {
		return 0, tserrors.Critical("wal.append", w.eventFile.Name(), fsfacade.Errno(err), err)
	}
	w.appendOffset = currentAppend + nextLenSize

	var idxEntry [8]byte
	putInt64(idxEntry[:], 0, currentAppend)
	if _, err := w.indexFile.WriteAt(idxEntry[:], w.idxOff); err != nil {
		return 0, tserrors.Critical("wal.appendIndex", w.indexFile.Name(), fsfacade.Errno(err), err)
	}
	w.idxOff += 8

	assigned := w.txn
	var maxTxnBuf [4]byte
	putInt32(maxTxnBuf[:], 0, int32(assigned))
	if _, err := w.eventFile.WriteAt(maxTxnBuf[:], MaxTxnOffset); err != nil {
		return 0, tserrors.Critical("wal.patchHeader", w.eventFile.Name(), fsfacade.Errno(err), err)
	}

	if txnType == TxnMatViewData && w.formatVersion != FormatVersionMatView {
		w.formatVersion = FormatVersionMatView
		var fv [4]byte
		putInt32(fv[:], 0, FormatVersionMatView)
		if _, err := w.eventFile.WriteAt(fv[:], FormatOffset); err != nil {
			return 0, tserrors.Critical("wal.patchHeader", w.eventFile.Name(), fsfacade.Errno(err), err)
		}
	}

	w.txn++
	return assigned, nil
}

// Rollback invalidates the most recently appended record in place
// (recordLen = -1), rewinds the txn counter, and drops the record's
// index entry so the invalidated slot becomes the terminal placeholder
// the next append overwrites. It never truncates the event file: a
// concurrent apply job may be mid-read of the segment.
func (w *Writer) Rollback(startOffset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var invalid [4]byte
	putInt32(invalid[:], 0, invalidRecord)
	if _, err := w.eventFile.WriteAt(invalid[:], startOffset); err != nil {
		return tserrors.Critical("wal.rollback", w.eventFile.Name(), fsfacade.Errno(err), err)
	}
	if w.txn > 0 {
		w.txn--
	}
	if w.idxOff > 8 {
		w.idxOff -= 8
		if err := w.indexFile.Truncate(w.idxOff); err != nil {
			return tserrors.Critical("wal.rollback", w.indexFile.Name(), fsfacade.Errno(err), err)
		}
	}
	w.appendOffset = startOffset + nextLenSize
	var maxTxnBuf [4]byte
	putInt32(maxTxnBuf[:], 0, int32(w.txn-1))
	if _, err := w.eventFile.WriteAt(maxTxnBuf[:], MaxTxnOffset); err != nil {
		return tserrors.Critical("wal.rollback", w.eventFile.Name(), fsfacade.Errno(err), err)
	}
	return nil
}

// Sync honors the configured CommitMode's durability boundary.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	switch w.opts.CommitMode {
	case NoSync:
		return nil
	case AsyncSync:
		// The event file is left to the OS page cache (the "async"
		// half); only the index file — needed to recover offsets — is
		// forced out synchronously.
		if err := w.indexFile.Sync(); err != nil {
			return tserrors.Critical("wal.sync", w.indexFile.Name(), fsfacade.Errno(err), err)
		}
		return nil
	case Sync:
		if err := w.eventFile.Sync(); err != nil {
			return tserrors.Critical("wal.sync", w.eventFile.Name(), fsfacade.Errno(err), err)
		}
		if err := w.indexFile.Sync(); err != nil {
			return tserrors.Critical("wal.sync", w.indexFile.Name(), fsfacade.Errno(err), err)
		}
		return nil
	default:
		return nil
	}
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			_ = w.Sync()
		case <-w.done:
			return
		}
	}
}

// Txn returns the next txn number this writer will assign.
func (w *Writer) Txn() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txn
}

// Close flushes and releases the segment's file handles. Per the
// WAL segment lifecycle, this only happens on idle release — never
// while an apply job may still be reading the segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.eventFile.Close()
		w.indexFile.Close()
		return err
	}
	if err := w.eventFile.Close(); err != nil {
		w.indexFile.Close()
		return err
	}
	return w.indexFile.Close()
}

var _ io.Closer = (*Writer)(nil)
