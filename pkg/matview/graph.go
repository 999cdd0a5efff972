// Package matview implements MatViewGraph: the directed dependency
// graph from base tables to the materialized views defined over them,
// and the bookkeeping needed to decide which views need a refresh
// after a base table's transaction applies. Refresh execution itself
// is out of scope here — NotifyTxnApplied only returns the set of
// views that need one.
package matview

import (
	"sync"

	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// Definition is the opaque compiled view definition the core stores
// and hands back to the (external) refresh executor; it never
// interprets the contents.
type Definition struct {
	Query string
}

// State is a view's refresh bookkeeping.
type State struct {
	Invalid       bool
	LastRefreshed int64 // txn of the base table at last successful refresh
}

type viewEntry struct {
	token      tabletoken.Token
	base       tabletoken.Token
	definition Definition
	state      State
}

// RefreshTask names one view that needs refreshing, carrying the base
// table's txn that triggered it.
type RefreshTask struct {
	View       tabletoken.Token
	Base       tabletoken.Token
	BaseTxn    int64
}

// Graph is implemented by both the real dependency graph and NoOp.
type Graph interface {
	AddView(view tabletoken.Token, base tabletoken.Token, def Definition) error
	DropViewIfExists(view tabletoken.Token) bool
	NotifyTxnApplied(base tabletoken.Token, txn int64) []RefreshTask
	Invalidate(view tabletoken.Token, invalid bool)
	ViewsOf(base tabletoken.Token) []tabletoken.Token
}

// DependencyGraph is the real, mutable base -> views mapping.
type DependencyGraph struct {
	mu    sync.Mutex
	views map[tabletoken.Token]*viewEntry   // view token -> entry
	byBase map[tabletoken.Token][]tabletoken.Token // base token -> view tokens
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		views:  make(map[tabletoken.Token]*viewEntry),
		byBase: make(map[tabletoken.Token][]tabletoken.Token),
	}
}

var _ Graph = (*DependencyGraph)(nil)

// AddView registers view as depending on base.
func (g *DependencyGraph) AddView(view tabletoken.Token, base tabletoken.Token, def Definition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.views[view] = &viewEntry{token: view, base: base, definition: def}
	g.byBase[base] = append(g.byBase[base], view)
	return nil
}

// DropViewIfExists removes view from the graph, returning whether it
// was present.
func (g *DependencyGraph) DropViewIfExists(view tabletoken.Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.views[view]
	if !ok {
		return false
	}
	delete(g.views, view)

	peers := g.byBase[e.base]
	for i, v := range peers {
		if v == view {
			g.byBase[e.base] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	return true
}

// NotifyTxnApplied enqueues a RefreshTask for every view on base that
// is not currently marked invalid. It performs no refresh itself.
func (g *DependencyGraph) NotifyTxnApplied(base tabletoken.Token, txn int64) []RefreshTask {
	g.mu.Lock()
	defer g.mu.Unlock()

	var tasks []RefreshTask
	for _, v := range g.byBase[base] {
		e := g.views[v]
		if e == nil || e.state.Invalid {
			continue
		}
		tasks = append(tasks, RefreshTask{View: v, Base: base, BaseTxn: txn})
	}
	return tasks
}

// Invalidate marks view invalid or valid, gating future
// NotifyTxnApplied tasks.
func (g *DependencyGraph) Invalidate(view tabletoken.Token, invalid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.views[view]; ok {
		e.state.Invalid = invalid
	}
}

// ViewsOf returns every view currently depending on base.
func (g *DependencyGraph) ViewsOf(base tabletoken.Token) []tabletoken.Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]tabletoken.Token, len(g.byBase[base]))
	copy(out, g.byBase[base])
	return out
}

// NoOp is installed when materialized views are disabled; every
// operation is inert.
type NoOp struct{}

var _ Graph = NoOp{}

func (NoOp) AddView(tabletoken.Token, tabletoken.Token, Definition) error { return nil }
func (NoOp) DropViewIfExists(tabletoken.Token) bool                      { return false }
func (NoOp) NotifyTxnApplied(tabletoken.Token, int64) []RefreshTask      { return nil }
func (NoOp) Invalidate(tabletoken.Token, bool)                           {}
func (NoOp) ViewsOf(tabletoken.Token) []tabletoken.Token                 { return nil }
