package wal

import "time"

// CommitMode selects the durability boundary sync() honors.
type CommitMode int

const (
	// NoSync returns immediately after the in-memory append; the
	// segment is only as durable as the OS page cache.
	NoSync CommitMode = iota
	// AsyncSync fsyncs the index file synchronously and issues no
	// flush of the event file, whose durability is left to the OS page
	// cache.
	AsyncSync
	// Sync issues a full synchronous flush of both files.
	Sync
)

// Options configures a Writer.
type Options struct {
	CommitMode CommitMode

	// SyncIntervalDuration drives a background sync ticker when
	// CommitMode is AsyncSync, mirroring the interval-sync policy used
	// for non-WAL segment files.
	SyncIntervalDuration time.Duration
}

// DefaultOptions returns a balanced configuration: async sync every
// 200ms.
func DefaultOptions() Options {
	return Options{
		CommitMode:           AsyncSync,
		SyncIntervalDuration: 200 * time.Millisecond,
	}
}
