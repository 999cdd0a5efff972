package msgbus

import (
	"testing"

	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

func TestRingBuffer_ClaimWriteDonePoll(t *testing.T) {
	r := New[int](4)

	c := r.Claim()
	if c == Full {
		t.Fatal("unexpected Full on empty ring")
	}
	r.Write(c, 42)
	r.Done(c)

	got := r.Poll()
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected [42], got %v", got)
	}
	if r.Len() != 0 {
		t.Errorf("expected 0 remaining after Poll, got %d", r.Len())
	}
}

func TestRingBuffer_ReturnsFullAtCapacity(t *testing.T) {
	r := New[int](2)

	for i := 0; i < 2; i++ {
		c := r.Claim()
		if c == Full {
			t.Fatalf("unexpected Full while under capacity at i=%d", i)
		}
		r.Write(c, i)
		r.Done(c)
	}

	if c := r.Claim(); c != Full {
		t.Errorf("expected Full once consumed hasn't drained, got %d", c)
	}

	r.Poll()
	if c := r.Claim(); c == Full {
		t.Error("expected a free slot after Poll drained the ring")
	}
}

func TestMessageBus_PublishTxnCommittedFallsBackWhenFull(t *testing.T) {
	b := NewBusSized(1, 1)
	tok := tabletoken.Token{Name: "t1", DirName: "t1", TableID: 1}

	if !b.PublishTxnCommitted(tok, 1) {
		t.Fatal("expected first publish to land on the ring")
	}
	if b.PublishTxnCommitted(tok, 2) { // ring full now: must bump fallback, not lose it
		t.Fatal("expected second publish to report the queue-full fallback")
	}

	if got := b.UnpublishedWalTxnCount(); got != 1 {
		t.Errorf("expected fallback counter 1, got %d", got)
	}

	notifications := b.DrainTxnNotifications()
	if len(notifications) != 1 || notifications[0].Txn != 1 {
		t.Fatalf("expected exactly the first notification, got %v", notifications)
	}
}

func TestMessageBus_PublishCommandReportsSaturation(t *testing.T) {
	b := NewBusSized(1, 1)
	tok := tabletoken.Token{Name: "t1", DirName: "t1", TableID: 1}

	if ok := b.PublishCommand(WriterCommand{Token: tok, Kind: "ALTER"}); !ok {
		t.Fatal("expected first PublishCommand to succeed")
	}
	if ok := b.PublishCommand(WriterCommand{Token: tok, Kind: "ALTER"}); ok {
		t.Fatal("expected second PublishCommand to report saturation")
	}
}
