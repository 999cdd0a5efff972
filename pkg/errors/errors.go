// Package errors defines the engine's error taxonomy: NonCritical,
// Critical, EntryUnavailable, and TableReferenceOutOfDate, plus the
// concrete table/registry error shapes raised throughout pkg/engine.
package errors

import (
	"fmt"

	cockroach "github.com/cockroachdb/errors"
)

// ReasonCheckpointInProgress is returned by lockReaders* while a
// checkpoint snapshot is in flight.
const ReasonCheckpointInProgress = "checkpointInProgress"

// Pool lock() rejection reasons reported when a slot is CHECKED_OUT.
const (
	ReasonBusyReader = "busyReader"
	ReasonBusyWriter = "busyWriter"
)

// NonCriticalError wraps a user-facing or transient condition: safe to
// retry or report back to a client as-is.
type NonCriticalError struct {
	Op     string
	Table  string
	Reason string
}

func (e *NonCriticalError) Error() string {
	return fmt.Sprintf("%s: [table=%s,reason=%s]", e.Op, e.Table, e.Reason)
}

func NonCritical(op, table, reason string) error {
	return &NonCriticalError{Op: op, Table: table, Reason: reason}
}

// EntryUnavailableError signals pool/lock contention. Callers choose
// their own retry policy; the pool never blocks waiting for a slot.
type EntryUnavailableError struct {
	Table  string
	Reason string
}

func (e *EntryUnavailableError) Error() string {
	return fmt.Sprintf("entry unavailable: [table=%s,reason=%s]", e.Table, e.Reason)
}

func EntryUnavailable(table, reason string) error {
	return &EntryUnavailableError{Table: table, Reason: reason}
}

// TableReferenceOutOfDateError means the caller's (tableId,
// metadataVersion) pair no longer matches live state; it must
// recompile and retry.
type TableReferenceOutOfDateError struct {
	Table           string
	ExpectedVersion int64
	ObservedVersion int64
	ExpectedTableID int64
	ObservedTableID int64
}

func (e *TableReferenceOutOfDateError) Error() string {
	return fmt.Sprintf(
		"table reference out of date: [table=%s,expectedTableId=%d,observedTableId=%d,expectedVersion=%d,observedVersion=%d]",
		e.Table, e.ExpectedTableID, e.ObservedTableID, e.ExpectedVersion, e.ObservedVersion,
	)
}

// CriticalError marks a data-integrity or filesystem failure. It is
// always logged with full context by the caller and may leave the
// affected table suspended.
type CriticalError struct {
	cause error
	Op    string
	Table string
	Errno int
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("CRITICAL %s: [table=%s,errno=%d,reason=%s]", e.Op, e.Table, e.Errno, e.cause.Error())
}

func (e *CriticalError) Unwrap() error { return e.cause }

// Critical wraps cause as a CRITICAL failure, attaching a stack trace
// and safe-detail tags via cockroachdb/errors so the message carries
// op/table/errno context without hand-built fmt.Sprintf tag strings.
func Critical(op, table string, errno int, cause error) error {
	wrapped := cockroach.Wrapf(cause, "%s", op)
	wrapped = cockroach.WithSafeDetails(wrapped, "table=%s errno=%d", table, errno)
	return &CriticalError{cause: wrapped, Op: op, Table: table, Errno: errno}
}

// IsCritical reports whether err (or something it wraps) is a CRITICAL failure.
func IsCritical(err error) bool {
	var c *CriticalError
	return cockroach.As(err, &c)
}

// Table/registry-level errors.

type TableAlreadyExistsError struct{ Name string }

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

type TableNotFoundError struct{ Name string }

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %q not found", e.Name)
}

type TableReservedError struct{ Name string }

func (e *TableReservedError) Error() string {
	return fmt.Sprintf("table directory for %q already exists on disk", e.Name)
}

type InvalidTableNameError struct{ Name string }

func (e *InvalidTableNameError) Error() string {
	return fmt.Sprintf("invalid table name %q", e.Name)
}

// SpinTimeoutError is raised by a seqlock reader when the retry loop
// exhausts spinLockTimeout without observing a stable version.
type SpinTimeoutError struct {
	Resource string
	Timeout  string
}

func (e *SpinTimeoutError) Error() string {
	return fmt.Sprintf("CRITICAL: %s read timeout after %s", e.Resource, e.Timeout)
}

// TableSuspendedError is returned by the sequencer when writes/awaitTxn
// are attempted against a table that an apply failure has suspended.
type TableSuspendedError struct{ Table string }

func (e *TableSuspendedError) Error() string {
	return fmt.Sprintf("table %q is suspended", e.Table)
}

// TxnAwaitTimeoutError is returned by awaitTxn when the deadline
// elapses before writerTxn catches up to the requested txn.
type TxnAwaitTimeoutError struct {
	Table       string
	WantTxn     uint64
	ObservedTxn uint64
}

func (e *TxnAwaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out awaiting txn %d on table %q (observed %d)", e.WantTxn, e.Table, e.ObservedTxn)
}
