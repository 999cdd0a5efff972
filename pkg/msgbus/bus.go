package msgbus

import (
	"sync/atomic"

	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

const (
	// WalTxnNotificationCapacity is sized generously above expected
	// concurrent in-flight commits per table so Claim only returns
	// Full under genuine apply-worker lag.
	WalTxnNotificationCapacity = 1024
	// AsyncWriterCommandCapacity bounds the number of outstanding
	// ALTER/UPDATE commands waiting for a writer thread to pick them
	// up; smaller than the notification queue since these are rarer
	// and heavier.
	AsyncWriterCommandCapacity = 256
)

// WalTxnNotification carries one committed WAL transaction's table
// identity to the apply worker.
type WalTxnNotification struct {
	Token tabletoken.Token
	Txn   int64
}

// WriterCommand is a serialized ALTER/UPDATE dispatched to the writer
// thread when the caller could not directly acquire the writer.
type WriterCommand struct {
	Token   tabletoken.Token
	Kind    string
	Payload []byte
}

// MessageBus owns the engine's two bounded queues plus the fallback
// counter that guarantees a full notification queue never silently
// drops a commit signal.
type MessageBus struct {
	notifications *RingBuffer[WalTxnNotification]
	commands      *RingBuffer[WriterCommand]

	unpublishedWalTxnCount int64
}

// NewBus creates a MessageBus with the standard queue capacities.
func NewBus() *MessageBus {
	return NewBusSized(WalTxnNotificationCapacity, AsyncWriterCommandCapacity)
}

// NewBusSized creates a MessageBus with explicit power-of-two queue
// capacities, letting tests force a tiny notification queue to
// exercise the queue-full fallback.
func NewBusSized(notificationCap, commandCap int) *MessageBus {
	return &MessageBus{
		notifications: New[WalTxnNotification](notificationCap),
		commands:      New[WriterCommand](commandCap),
	}
}

// PublishTxnCommitted enqueues a WAL-commit notification, reporting
// whether it made it onto the ring. If the ring is full, it never
// blocks and never loses the signal: it bumps unpublishedWalTxnCount
// so the apply worker's periodic rescan will pick up the missed
// commit, and returns false.
func (b *MessageBus) PublishTxnCommitted(token tabletoken.Token, txn int64) bool {
	cursor := b.notifications.Claim()
	if cursor == Full {
		atomic.AddInt64(&b.unpublishedWalTxnCount, 1)
		return false
	}
	b.notifications.Write(cursor, WalTxnNotification{Token: token, Txn: txn})
	b.notifications.Done(cursor)
	return true
}

// DrainTxnNotifications returns every notification published since
// the last drain.
func (b *MessageBus) DrainTxnNotifications() []WalTxnNotification {
	return b.notifications.Poll()
}

// UnpublishedWalTxnCount returns the number of commits that missed the
// ring and must instead be picked up by a reconciliation scan.
func (b *MessageBus) UnpublishedWalTxnCount() int64 {
	return atomic.LoadInt64(&b.unpublishedWalTxnCount)
}

// BumpUnpublishedWalTxnCount forces the counter up without a queue
// attempt. The engine calls this once at startup so the first
// apply pass (Engine.ApplyOnce) always runs a reconciliation scan, catching any
// commit whose notification died with the previous process.
func (b *MessageBus) BumpUnpublishedWalTxnCount() {
	atomic.AddInt64(&b.unpublishedWalTxnCount, 1)
}

// ResetUnpublishedWalTxnCount clears the fallback counter once a
// reconciliation scan has caught up.
func (b *MessageBus) ResetUnpublishedWalTxnCount() {
	atomic.StoreInt64(&b.unpublishedWalTxnCount, 0)
}

// PublishCommand enqueues a writer command, returning false if the
// command queue is saturated (caller should retry or fail the
// request).
func (b *MessageBus) PublishCommand(cmd WriterCommand) bool {
	cursor := b.commands.Claim()
	if cursor == Full {
		return false
	}
	b.commands.Write(cursor, cmd)
	b.commands.Done(cursor)
	return true
}

// DrainCommands returns every command published since the last drain.
func (b *MessageBus) DrainCommands() []WriterCommand {
	return b.commands.Poll()
}
