// Package fsfacade is a thin abstraction over the filesystem syscalls
// the engine needs: open/read/write/rename/unlink/fsync/mmap. Code that
// is handed a Facade routes these calls through it, so tests can
// substitute a faulty implementation to exercise the CRITICAL error
// paths. The column cell files in pkg/storage, the tables.d registry
// file and the checkpoint manifests use the os package directly and
// do not go through a Facade.
package fsfacade

import (
	"errors"
	"os"
	"syscall"

	"github.com/edsrzf/mmap-go"
)

// Facade is implemented by OS and by test doubles.
type Facade interface {
	MkdirAll(path string) error
	OpenReadWrite(path string) (*os.File, error)
	OpenReadOnly(path string) (*os.File, error)
	Create(path string) (*os.File, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	RemoveAll(path string) error
	Stat(path string) (os.FileInfo, error)
	Fsync(f *os.File) error
	MapReadWrite(f *os.File, length int) (mmap.MMap, error)
	MapReadOnly(f *os.File, length int) (mmap.MMap, error)
}

// OS is the production Facade, backed directly by the os package and
// github.com/edsrzf/mmap-go.
type OS struct{}

var _ Facade = OS{}

func (OS) MkdirAll(path string) error { return os.MkdirAll(path, 0755) }

func (OS) OpenReadWrite(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}

func (OS) OpenReadOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY, 0644)
}

func (OS) Create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

func (OS) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }

func (OS) Remove(path string) error { return os.Remove(path) }

func (OS) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OS) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (OS) Fsync(f *os.File) error { return f.Sync() }

func (OS) MapReadWrite(f *os.File, length int) (mmap.MMap, error) {
	return mmap.MapRegion(f, length, mmap.RDWR, 0, 0)
}

func (OS) MapReadOnly(f *os.File, length int) (mmap.MMap, error) {
	return mmap.MapRegion(f, length, mmap.RDONLY, 0, 0)
}

// Errno extracts the OS errno from err if present, for the
// [table=...,errno=...] tagging the CRITICAL error taxonomy uses. It
// returns 0 if err does not wrap a syscall.Errno.
func Errno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
