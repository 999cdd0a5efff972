package engine

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

// rowsFileName is the WAL segment sidecar holding the row payloads a
// segment's DATA records frame by row-id range. The event file records
// what happened; this file holds the rows themselves, as a stream of
// length-prefixed BSON documents in row-id order.
const rowsFileName = "_rows"

// rowFile is the writer's append handle on a segment's row sidecar.
// The apply worker reads the same file through readRows with its own
// descriptor, so the writer never shares this handle.
type rowFile struct {
	mu    sync.Mutex
	f     *os.File
	count int64 // rows appended so far == next rowID
	off   int64 // current append offset
}

// openRowFile opens (or creates) a segment's row sidecar, recovering
// count and append offset by walking the existing stream.
func openRowFile(fs fsfacade.Facade, path string) (*rowFile, error) {
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return nil, errors.Critical("rows.open", path, fsfacade.Errno(err), err)
	}
	rf := &rowFile{f: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Critical("rows.stat", path, fsfacade.Errno(err), err)
	}
	var lenBuf [4]byte
	for rf.off+4 <= info.Size() {
		if _, err := f.ReadAt(lenBuf[:], rf.off); err != nil {
			break
		}
		n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if n == 0 || rf.off+4+n > info.Size() {
			break // trailing garbage from a torn append; overwritten in place
		}
		rf.off += 4 + n
		rf.count++
	}
	return rf, nil
}

// append writes docs after the last recovered row, returning the
// [start, end) row-id range they occupy.
func (rf *rowFile) append(docs []bson.D) (start, end int64, err error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	start = rf.count
	for _, doc := range docs {
		data, err := bson.Marshal(doc)
		if err != nil {
			return 0, 0, errors.Critical("rows.append", rf.f.Name(), 0, err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if _, err := rf.f.WriteAt(lenBuf[:], rf.off); err != nil {
			return 0, 0, errors.Critical("rows.append", rf.f.Name(), fsfacade.Errno(err), err)
		}
		if _, err := rf.f.WriteAt(data, rf.off+4); err != nil {
			return 0, 0, errors.Critical("rows.append", rf.f.Name(), fsfacade.Errno(err), err)
		}
		rf.off += 4 + int64(len(data))
		rf.count++
	}
	return start, rf.count, nil
}

func (rf *rowFile) sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.f.Sync()
}

func (rf *rowFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.f.Close()
}

// readRows decodes rows [start, end) from a segment's row sidecar with
// a fresh descriptor, independent of any live writer on the same file.
func readRows(fs fsfacade.Facade, path string, start, end int64) ([]bson.D, error) {
	f, err := fs.OpenReadOnly(path)
	if err != nil {
		return nil, errors.Critical("rows.read", path, fsfacade.Errno(err), err)
	}
	defer f.Close()

	var out []bson.D
	var off int64
	var lenBuf [4]byte
	for rowID := int64(0); rowID < end; rowID++ {
		if _, err := f.ReadAt(lenBuf[:], off); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Critical("rows.read", path, fsfacade.Errno(err), err)
		}
		n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if rowID >= start {
			data := make([]byte, n)
			if _, err := f.ReadAt(data, off+4); err != nil {
				return nil, errors.Critical("rows.read", path, fsfacade.Errno(err), err)
			}
			var doc bson.D
			if err := bson.Unmarshal(data, &doc); err != nil {
				return nil, errors.Critical("rows.read", path, 0, err)
			}
			out = append(out, doc)
		}
		off += 4 + n
	}
	return out, nil
}
