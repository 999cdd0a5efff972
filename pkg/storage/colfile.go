package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	colMagic   uint32 = 0x43454C53 // "CELS"
	colVersion uint16 = 1

	// colHeaderSize is the fixed file header: magic(4) + version(2) +
	// reserved(2).
	colHeaderSize = 8

	// cellHeaderSize frames each cell: byte length(4) + valid flag(1) +
	// createTxn(8). createTxn is the transaction that produced the row,
	// letting a reader correlate any cell with the WAL record behind it.
	cellHeaderSize = 13
)

// ColumnFile is one column's cell stream within a partition: an
// append-only file of BSON-encoded cells in row order. Cell index i
// is the value of this column for the partition row (i + columnTop).
// Exactly one writer appends at a time (the table's writer or the WAL
// apply worker, never both); readers iterate with their own file
// handle and never touch the writer's.
type ColumnFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64 // offset of the next append == end of last complete cell
}

// OpenColumnFile opens (or creates) a column's cell stream. Recovery
// walks the existing cells to the last complete one, so a torn
// trailing append from a crash is overwritten in place by the next
// writer instead of poisoning the stream.
func OpenColumnFile(path string) (*ColumnFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open column file %q: %w", path, err)
	}
	cf := &ColumnFile{path: path, f: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat column file %q: %w", path, err)
	}

	if info.Size() == 0 {
		var header [colHeaderSize]byte
		binary.LittleEndian.PutUint32(header[0:4], colMagic)
		binary.LittleEndian.PutUint16(header[4:6], colVersion)
		if _, err := f.WriteAt(header[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: init column file %q: %w", path, err)
		}
		cf.size = colHeaderSize
		return cf, nil
	}

	var header [colHeaderSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read column header %q: %w", path, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != colMagic {
		f.Close()
		return nil, fmt.Errorf("storage: %q is not a column file", path)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != colVersion {
		f.Close()
		return nil, fmt.Errorf("storage: unsupported column file version %d in %q", v, path)
	}

	cf.size = colHeaderSize
	var cellHeader [cellHeaderSize]byte
	for cf.size+cellHeaderSize <= info.Size() {
		if _, err := f.ReadAt(cellHeader[:], cf.size); err != nil {
			break
		}
		n := int64(binary.LittleEndian.Uint32(cellHeader[0:4]))
		if n == 0 || cf.size+cellHeaderSize+n > info.Size() {
			break // torn tail; next append overwrites it
		}
		cf.size += cellHeaderSize + n
	}
	return cf, nil
}

// Append writes one cell produced by createTxn at the end of the
// stream.
func (cf *ColumnFile) Append(cell []byte, createTxn int64) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	buf := make([]byte, cellHeaderSize+len(cell))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(cell)))
	buf[4] = 1 // valid
	binary.LittleEndian.PutUint64(buf[5:13], uint64(createTxn))
	copy(buf[cellHeaderSize:], cell)

	if _, err := cf.f.WriteAt(buf, cf.size); err != nil {
		return fmt.Errorf("storage: append to %q: %w", cf.path, err)
	}
	cf.size += int64(len(buf))
	return nil
}

// Sync flushes appended cells to stable storage.
func (cf *ColumnFile) Sync() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.f.Sync()
}

// Close releases the writer's handle.
func (cf *ColumnFile) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.f.Close()
}

// CellIterator walks a column's cells in row order with an independent
// read handle, so scans never contend with a live appender.
type CellIterator struct {
	f    *os.File
	off  int64
	size int64
}

// NewCellIterator opens a fresh iterator over path's cells. The
// stream's end is pinned at open time; cells appended afterwards
// belong to a later snapshot.
func NewCellIterator(path string) (*CellIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open column %q for scan: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat column %q: %w", path, err)
	}
	return &CellIterator{f: f, off: colHeaderSize, size: info.Size()}, nil
}

// Next returns the next cell and the transaction that created it.
// io.EOF ends the walk; a torn trailing cell ends it the same way, as
// the content past the last complete cell was never committed.
func (it *CellIterator) Next() (cell []byte, createTxn int64, valid bool, err error) {
	if it.off+cellHeaderSize > it.size {
		return nil, 0, false, io.EOF
	}
	var header [cellHeaderSize]byte
	if _, err := it.f.ReadAt(header[:], it.off); err != nil {
		return nil, 0, false, io.EOF
	}
	n := int64(binary.LittleEndian.Uint32(header[0:4]))
	if n == 0 || it.off+cellHeaderSize+n > it.size {
		return nil, 0, false, io.EOF
	}

	cell = make([]byte, n)
	if _, err := it.f.ReadAt(cell, it.off+cellHeaderSize); err != nil {
		return nil, 0, false, fmt.Errorf("storage: read cell: %w", err)
	}
	valid = header[4] != 0
	createTxn = int64(binary.LittleEndian.Uint64(header[5:13]))
	it.off += cellHeaderSize + n
	return cell, createTxn, valid, nil
}

// Close releases the iterator's handle.
func (it *CellIterator) Close() error { return it.f.Close() }
