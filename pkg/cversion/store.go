package cversion

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

// HeaderSize is the 48-byte fixed header: version, (offsetA, sizeA),
// (offsetB, sizeB), and 8 reserved bytes.
const HeaderSize = 48

const defaultAreaCap = 64 * RecordSize // 64 records per area, grown on demand

// Store is the single writer's handle on the column-version file. It
// keeps one persistent read-write mmap for the lifetime of the owning
// *engine.Writer; every WriteSafe call serializes into the currently-
// inactive area, flushes, and only then publishes the new version.
// Ownership of this mapping never crosses a goroutine boundary except
// through the exported methods.
//
// Invariant guarding the readers' seqlock: between two version stores,
// the writer only ever mutates the INACTIVE area's offset, size, and
// bytes. Readers load the pair for the published version's parity
// alone, so inactive-side mutation is invisible to them; moving or
// rewriting anything on the active side without a version change would
// let a reader return a torn snapshot with matching version checks.
type Store struct {
	mu     sync.Mutex
	facade fsfacade.Facade
	path   string
	f      *os.File
	mm     mmap.MMap
	capA   int64 // usable bytes behind the offsetA area
	capB   int64
}

// Open creates (if absent) or opens an existing column-version file
// for writing.
func Open(facade fsfacade.Facade, path string) (*Store, error) {
	f, err := facade.OpenReadWrite(path)
	if err != nil {
		return nil, errors.Critical("cversion.open", path, fsfacade.Errno(err), err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Critical("cversion.stat", path, fsfacade.Errno(err), err)
	}

	s := &Store{facade: facade, path: path, f: f, capA: defaultAreaCap, capB: defaultAreaCap}

	if info.Size() == 0 {
		if err := f.Truncate(HeaderSize + 2*defaultAreaCap); err != nil {
			f.Close()
			return nil, errors.Critical("cversion.truncate", path, fsfacade.Errno(err), err)
		}
		mm, err := facade.MapReadWrite(f, int(HeaderSize+2*defaultAreaCap))
		if err != nil {
			f.Close()
			return nil, errors.Critical("cversion.mmap", path, fsfacade.Errno(err), err)
		}
		s.mm = mm
		binary.LittleEndian.PutUint64(s.mm[8:16], uint64(HeaderSize))
		binary.LittleEndian.PutUint64(s.mm[16:24], 0)
		binary.LittleEndian.PutUint64(s.mm[24:32], uint64(HeaderSize+defaultAreaCap))
		binary.LittleEndian.PutUint64(s.mm[32:40], 0)
		storeVersion(s.mm, 0)
		if err := s.mm.Flush(); err != nil {
			return nil, errors.Critical("cversion.flush", path, fsfacade.Errno(err), err)
		}
		return s, nil
	}

	mm, err := facade.MapReadWrite(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, errors.Critical("cversion.mmap", path, fsfacade.Errno(err), err)
	}
	s.mm = mm
	s.restoreCapsLocked(info.Size())
	return s, nil
}

// restoreCapsLocked recovers each area's usable capacity on reopen.
// The header only records offsets and current content sizes, so the
// capacities are inferred: the pristine side-by-side layout means half
// the file each; after grow-append relocations the content size is the
// only safe lower bound, and an over-tight guess merely costs one more
// relocation on the next oversized write.
func (s *Store) restoreCapsLocked(fileSize int64) {
	offA := int64(binary.LittleEndian.Uint64(s.mm[8:16]))
	sizeA := int64(binary.LittleEndian.Uint64(s.mm[16:24]))
	offB := int64(binary.LittleEndian.Uint64(s.mm[24:32]))
	sizeB := int64(binary.LittleEndian.Uint64(s.mm[32:40]))

	half := (fileSize - HeaderSize) / 2
	if offA == HeaderSize && offB == HeaderSize+half {
		s.capA, s.capB = half, half
		return
	}
	s.capA, s.capB = sizeA, sizeB
}

// Close unmaps and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mm != nil {
		_ = s.mm.Unmap()
	}
	return s.f.Close()
}

// WriteSafe serializes records to the currently-inactive area,
// flushes it, and then bumps the version with a release store so the
// parity flip is the last thing any reader can observe. A payload too
// large for the inactive area relocates that area to a fresh region
// appended at the end of the file first — the active pair is never
// touched, so concurrent readers keep a consistent view throughout.
func (s *Store) WriteSafe(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := EncodeAll(records)

	version := loadVersion(s.mm)
	parity := version & 1
	// parity even -> area A (offset 8) active, write to area B (offset 24); and vice versa.
	var targetOffsetField, targetSizeField int
	var targetCap *int64
	if parity == 0 {
		targetOffsetField, targetSizeField = 24, 32
		targetCap = &s.capB
	} else {
		targetOffsetField, targetSizeField = 8, 16
		targetCap = &s.capA
	}

	if int64(len(payload)) > *targetCap {
		if err := s.relocateInactiveLocked(targetOffsetField, targetCap, int64(len(payload))); err != nil {
			return err
		}
	}

	offset := binary.LittleEndian.Uint64(s.mm[targetOffsetField : targetOffsetField+8])
	copy(s.mm[offset:], payload)
	binary.LittleEndian.PutUint64(s.mm[targetSizeField:targetSizeField+8], uint64(len(payload)))

	if err := s.mm.Flush(); err != nil {
		return errors.Critical("cversion.write", s.path, fsfacade.Errno(err), err)
	}

	storeVersion(s.mm, version+1)
	if err := s.mm.Flush(); err != nil {
		return errors.Critical("cversion.write", s.path, fsfacade.Errno(err), err)
	}
	return nil
}

// ReadCurrent returns the record vector at the currently-published
// version. Only the owning writer calls this (to seed the vector it
// will Upsert into before the next WriteSafe), so no seqlock dance is
// needed: the single writer cannot race itself.
func (s *Store) ReadCurrent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := loadVersion(s.mm)
	var offsetField, sizeField int
	if version&1 == 0 {
		offsetField, sizeField = 8, 16
	} else {
		offsetField, sizeField = 24, 32
	}
	offset := binary.LittleEndian.Uint64(s.mm[offsetField : offsetField+8])
	size := binary.LittleEndian.Uint64(s.mm[sizeField : sizeField+8])
	buf := make([]byte, size)
	copy(buf, s.mm[offset:offset+size])
	return DecodeAll(buf)
}

// relocateInactiveLocked moves the inactive area to a fresh region
// appended at the end of the file, sized for need. The active area's
// offset, size, and bytes stay exactly where they are, and the version
// is not touched: a reader racing this sees either the old file length
// (its mapping is unchanged) or, after its own remap, the same active
// pair at the same offsets. The old inactive region becomes dead space
// — an acceptable trade for an index whose writes are rare and small.
func (s *Store) relocateInactiveLocked(offsetField int, capacity *int64, need int64) error {
	newCap := *capacity
	if newCap < defaultAreaCap {
		newCap = defaultAreaCap
	}
	for newCap < need {
		newCap *= 2
	}

	oldSize := int64(len(s.mm))
	newOff := oldSize
	if err := s.mm.Unmap(); err != nil {
		return errors.Critical("cversion.grow", s.path, fsfacade.Errno(err), err)
	}
	if err := s.f.Truncate(oldSize + newCap); err != nil {
		return errors.Critical("cversion.grow", s.path, fsfacade.Errno(err), err)
	}
	mm, err := s.facade.MapReadWrite(s.f, int(oldSize+newCap))
	if err != nil {
		return errors.Critical("cversion.grow", s.path, fsfacade.Errno(err), err)
	}
	s.mm = mm

	binary.LittleEndian.PutUint64(s.mm[offsetField:offsetField+8], uint64(newOff))
	*capacity = newCap
	return nil
}

func loadVersion(mm mmap.MMap) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&mm[0])))
}

func storeVersion(mm mmap.MMap, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mm[0])), v)
}

// Reader is a read-only handle used by query paths. It maps the file
// read-only and never touches the writer's mapping.
type Reader struct {
	facade          fsfacade.Facade
	path            string
	f               *os.File
	mm              mmap.MMap
	spinLockTimeout time.Duration
}

// OpenReader maps path read-only. spinLockTimeout bounds the seqlock
// retry loop in ReadSafe.
func OpenReader(facade fsfacade.Facade, path string, spinLockTimeout time.Duration) (*Reader, error) {
	f, err := facade.OpenReadOnly(path)
	if err != nil {
		return nil, errors.Critical("cversion.openReader", path, fsfacade.Errno(err), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Critical("cversion.stat", path, fsfacade.Errno(err), err)
	}
	mm, err := facade.MapReadOnly(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, errors.Critical("cversion.mmap", path, fsfacade.Errno(err), err)
	}
	return &Reader{facade: facade, path: path, f: f, mm: mm, spinLockTimeout: spinLockTimeout}, nil
}

// Close unmaps and closes the reader's handle.
func (r *Reader) Close() error {
	if r.mm != nil {
		_ = r.mm.Unmap()
	}
	return r.f.Close()
}

// remapIfGrown re-maps the file when the writer has grown it since we
// last mapped; detected by comparing file size, cheap relative to the
// syscalls a remap costs and only triggered by an actual grow event.
func (r *Reader) remapIfGrown() error {
	info, err := r.f.Stat()
	if err != nil {
		return errors.Critical("cversion.stat", r.path, fsfacade.Errno(err), err)
	}
	if int(info.Size()) == len(r.mm) {
		return nil
	}
	if err := r.mm.Unmap(); err != nil {
		return errors.Critical("cversion.remap", r.path, fsfacade.Errno(err), err)
	}
	mm, err := r.facade.MapReadOnly(r.f, int(info.Size()))
	if err != nil {
		return errors.Critical("cversion.remap", r.path, fsfacade.Errno(err), err)
	}
	r.mm = mm
	return nil
}

// ReadSafe implements the seqlock read protocol:
// read the version, read the active area under that version, then
// recheck the version twice more. Any mismatch means the writer raced
// us; retry until spinLockTimeout elapses, at which point this
// returns a CRITICAL SpinTimeoutError.
func (r *Reader) ReadSafe() ([]Record, error) {
	deadline := time.Now().Add(r.spinLockTimeout)

	for {
		if err := r.remapIfGrown(); err != nil {
			return nil, err
		}

		v1 := loadVersion(r.mm)
		parity := v1 & 1
		var offsetField, sizeField int
		if parity == 0 {
			offsetField, sizeField = 8, 16
		} else {
			offsetField, sizeField = 24, 32
		}
		offset := binary.LittleEndian.Uint64(r.mm[offsetField : offsetField+8])
		size := binary.LittleEndian.Uint64(r.mm[sizeField : sizeField+8])

		v2 := loadVersion(r.mm)
		if v2 != v1 {
			if time.Now().After(deadline) {
				return nil, &errors.SpinTimeoutError{Resource: "Column Version", Timeout: r.spinLockTimeout.String()}
			}
			continue
		}

		if offset+size > uint64(len(r.mm)) {
			// Writer grew the file mid-read; retry after remap.
			if time.Now().After(deadline) {
				return nil, &errors.SpinTimeoutError{Resource: "Column Version", Timeout: r.spinLockTimeout.String()}
			}
			continue
		}
		buf := make([]byte, size)
		copy(buf, r.mm[offset:offset+size])

		v3 := loadVersion(r.mm)
		if v3 != v1 {
			if time.Now().After(deadline) {
				return nil, &errors.SpinTimeoutError{Resource: "Column Version", Timeout: r.spinLockTimeout.String()}
			}
			continue
		}

		return DecodeAll(buf), nil
	}
}
