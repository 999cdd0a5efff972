package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/bobboyms/tsengine/pkg/errors"
)

func TestTracker_NextTxnIncrements(t *testing.T) {
	tr := NewTracker("t1")
	if got := tr.NextTxn(); got != 1 {
		t.Errorf("expected first NextTxn to be 1, got %d", got)
	}
	if got := tr.NextTxn(); got != 2 {
		t.Errorf("expected second NextTxn to be 2, got %d", got)
	}
}

func TestTracker_AwaitTxnReturnsOnceApplied(t *testing.T) {
	tr := NewTracker("t1")
	tr.NextTxn()

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitTxn(context.Background(), 1, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	tr.SetWriterTxn(1)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected AwaitTxn to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitTxn did not return after writer txn advanced")
	}
}

func TestTracker_AwaitTxnTimesOut(t *testing.T) {
	tr := NewTracker("t1")
	err := tr.AwaitTxn(context.Background(), 5, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*errors.TxnAwaitTimeoutError); !ok {
		t.Errorf("expected TxnAwaitTimeoutError, got %T", err)
	}
}

func TestTracker_AwaitTxnFailsFastWhenSuspended(t *testing.T) {
	tr := NewTracker("t1")
	tr.Suspend()

	err := tr.AwaitTxn(context.Background(), 1, time.Second)
	if err == nil {
		t.Fatal("expected suspension error")
	}
	if _, ok := err.(*errors.TableSuspendedError); !ok {
		t.Errorf("expected TableSuspendedError, got %T", err)
	}
}

func TestRegistry_RegisterTableIsIdempotent(t *testing.T) {
	r := NewRegistry()
	t1 := r.RegisterTable("x")
	t2 := r.RegisterTable("x")
	if t1 != t2 {
		t.Error("expected RegisterTable to return the same tracker for the same name")
	}

	r.DropTable("x")
	if _, ok := r.Get("x"); ok {
		t.Error("expected tracker to be gone after DropTable")
	}
}
