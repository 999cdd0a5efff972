package matview

import (
	"testing"

	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

func TestDependencyGraph_NotifyTxnAppliedSkipsInvalidViews(t *testing.T) {
	g := New()
	base := tabletoken.Token{Name: "trades", DirName: "trades", TableID: 1}
	v1 := tabletoken.Token{Name: "trades_1h", DirName: "trades_1h", TableID: 2, IsMatView: true}
	v2 := tabletoken.Token{Name: "trades_1d", DirName: "trades_1d", TableID: 3, IsMatView: true}

	if err := g.AddView(v1, base, Definition{Query: "select ..."}); err != nil {
		t.Fatalf("AddView failed: %v", err)
	}
	if err := g.AddView(v2, base, Definition{Query: "select ..."}); err != nil {
		t.Fatalf("AddView failed: %v", err)
	}
	g.Invalidate(v2, true)

	tasks := g.NotifyTxnApplied(base, 5)
	if len(tasks) != 1 || tasks[0].View != v1 {
		t.Fatalf("expected only v1 to be scheduled, got %+v", tasks)
	}
	if tasks[0].BaseTxn != 5 {
		t.Errorf("expected BaseTxn 5, got %d", tasks[0].BaseTxn)
	}
}

func TestDependencyGraph_DropViewRemovesFromBaseIndex(t *testing.T) {
	g := New()
	base := tabletoken.Token{Name: "trades", DirName: "trades", TableID: 1}
	v1 := tabletoken.Token{Name: "trades_1h", DirName: "trades_1h", TableID: 2, IsMatView: true}

	if err := g.AddView(v1, base, Definition{}); err != nil {
		t.Fatalf("AddView failed: %v", err)
	}
	if !g.DropViewIfExists(v1) {
		t.Fatal("expected DropViewIfExists to report true for an existing view")
	}
	if g.DropViewIfExists(v1) {
		t.Fatal("expected second DropViewIfExists to report false")
	}
	if got := g.ViewsOf(base); len(got) != 0 {
		t.Errorf("expected no views left on base, got %v", got)
	}
}

func TestNoOp_IsInert(t *testing.T) {
	var g Graph = NoOp{}
	base := tabletoken.Token{Name: "trades", DirName: "trades", TableID: 1}
	view := tabletoken.Token{Name: "trades_1h", DirName: "trades_1h", TableID: 2}

	if err := g.AddView(view, base, Definition{}); err != nil {
		t.Fatalf("expected NoOp.AddView to succeed, got %v", err)
	}
	if tasks := g.NotifyTxnApplied(base, 1); tasks != nil {
		t.Errorf("expected NoOp.NotifyTxnApplied to return nil, got %v", tasks)
	}
	if g.DropViewIfExists(view) {
		t.Error("expected NoOp.DropViewIfExists to always report false")
	}
}
