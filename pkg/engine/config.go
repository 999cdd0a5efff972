// Package engine composes the lower-layer packages (tabletoken,
// respool, wal, cversion, sequencer, msgbus, checkpoint, matview) into
// the DDL facade: table create/rename/drop, resource acquisition, and
// the background workers that apply WAL segments, reap idle pool
// slots, and run checkpoints.
package engine

import (
	"time"

	"github.com/bobboyms/tsengine/pkg/fsfacade"
	"github.com/bobboyms/tsengine/pkg/wal"
)

// Logger is the minimal structured-logging surface the engine needs.
// Network transports, formatting, and sinks are all external
// concerns; this interface only names the three severities the core
// itself emits.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Criticalf(format string, args ...interface{})
}

// nopLogger is installed when Config.Logger is nil.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})    {}
func (nopLogger) Infof(string, ...interface{})     {}
func (nopLogger) Criticalf(string, ...interface{}) {}

// Config configures an Engine. Every duration/capacity has a sane
// default via DefaultConfig; callers typically only override Root and
// Logger.
type Config struct {
	// Root is the database directory: tables.d, per-table directories,
	// and checkpoint manifests all live under it.
	Root string

	Logger Logger

	// Facade overrides the filesystem implementation; nil means the
	// real OS facade. Tests substitute a faulty one to drive the
	// CRITICAL error paths.
	Facade fsfacade.Facade

	// MaxWritersPerTable and MaxReadersPerTable bound the respool
	// instances backing GetWriter/GetWalWriter/GetReader.
	MaxWritersPerTable int
	MaxReadersPerTable int
	MaxMetadataHandles int

	// MaxFileNameLen bounds table and column names, which become
	// filesystem entries.
	MaxFileNameLen int

	// WalOptions configures every table's WAL segment writer (commit
	// mode and background sync interval).
	WalOptions wal.Options

	// NotificationQueueCap / CommandQueueCap override the message-bus
	// ring sizes (power of two); 0 selects the msgbus defaults. Tests
	// shrink the notification ring to force the queue-full fallback.
	NotificationQueueCap int
	CommandQueueCap      int

	// SpinLockTimeout bounds ColumnVersionStore reader retries.
	SpinLockTimeout time.Duration

	// AwaitTxnTimeout bounds SequencerAPI.AwaitTxn.
	AwaitTxnTimeout time.Duration

	// CreateTableLockSpin bounds the per-name spin-mutex used while a
	// create/drop is in flight for that name.
	CreateTableLockSpin time.Duration

	// MaintenanceInterval drives the idle-pool reaper worker.
	MaintenanceInterval time.Duration
	// ApplyInterval is the WAL-apply worker's polling period; commit
	// notifications wait on the message bus until the next tick.
	ApplyInterval time.Duration
	// CheckpointInterval drives the periodic checkpoint worker.
	CheckpointInterval time.Duration

	// MatViews enables the real MatViewGraph; when false, a NoOp graph
	// is installed.
	MatViews bool
}

// DefaultConfig returns a Config with every field set to a reasonable
// default; Root must still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		MaxWritersPerTable:  1,
		MaxReadersPerTable:  64,
		MaxMetadataHandles:  8,
		MaxFileNameLen:      127,
		WalOptions:          wal.DefaultOptions(),
		SpinLockTimeout:     time.Second,
		AwaitTxnTimeout:     30 * time.Second,
		CreateTableLockSpin: 5 * time.Second,
		MaintenanceInterval: 5 * time.Second,
		ApplyInterval:       50 * time.Millisecond,
		CheckpointInterval:  time.Minute,
		MatViews:            true,
	}
}

func (c Config) logger() Logger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}

func (c Config) facade() fsfacade.Facade {
	if c.Facade == nil {
		return fsfacade.OS{}
	}
	return c.Facade
}
