package engine

import (
	"github.com/bobboyms/tsengine/pkg/sequencer"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// TableMetaView is the cheap read-only metadata handle the metadata
// pool serves: a snapshot of the table's schema, for callers that need
// column information without opening a full reader.
type TableMetaView struct {
	eng     *Engine
	token   tabletoken.Token
	meta    TableMeta
	release func()
}

func (e *Engine) openTableMetaView(token tabletoken.Token) (*TableMetaView, error) {
	v := &TableMetaView{eng: e, token: token}
	if err := v.refresh(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *TableMetaView) refresh() error {
	meta, err := loadMeta(v.eng.tableDir(v.token))
	if err != nil {
		return err
	}
	v.meta = *meta
	return nil
}

// Meta returns the snapshot taken when this view was checked out.
func (v *TableMetaView) Meta() TableMeta { return v.meta }

// Token returns the table identity this view was opened for.
func (v *TableMetaView) Token() tabletoken.Token { return v.token }

// Close returns the view to its pool, or discards it if the pool is
// evicting it.
func (v *TableMetaView) Close() error {
	if rel := v.release; rel != nil {
		v.release = nil
		rel()
	}
	return nil
}

// GetTableMetadata checks out a metadata view for token.
func (e *Engine) GetTableMetadata(token tabletoken.Token) (*TableMetaView, error) {
	if _, err := e.resolveCurrent(token); err != nil {
		return nil, err
	}
	v, err := e.tableMetaPool.Get(token, "metadata")
	if err != nil {
		return nil, err
	}
	if err := v.refresh(); err != nil {
		e.tableMetaPool.Release(token, v)
		return nil, err
	}
	v.release = func() { e.tableMetaPool.Release(token, v) }
	return v, nil
}

// SeqMetaView is the sequencer-metadata pool's resource: a handle on a
// WAL table's txn counters and suspension flag.
type SeqMetaView struct {
	eng     *Engine
	token   tabletoken.Token
	tracker *sequencer.Tracker
	release func()
}

func (e *Engine) openSeqMetaView(token tabletoken.Token) (*SeqMetaView, error) {
	tracker := e.seq.RegisterTable(token.DirName)
	return &SeqMetaView{eng: e, token: token, tracker: tracker}, nil
}

// SeqTxn returns the highest txn the sequencer has accepted.
func (v *SeqMetaView) SeqTxn() int64 { return v.tracker.SeqTxn() }

// WriterTxn returns the highest txn applied to physical storage.
func (v *SeqMetaView) WriterTxn() int64 { return v.tracker.WriterTxn() }

// IsSuspended reports whether apply failures have suspended the table.
func (v *SeqMetaView) IsSuspended() bool { return v.tracker.IsSuspended() }

// Close returns the view to its pool.
func (v *SeqMetaView) Close() error {
	if rel := v.release; rel != nil {
		v.release = nil
		rel()
	}
	return nil
}

// GetSequencerMetadata checks out a sequencer-metadata view for token.
func (e *Engine) GetSequencerMetadata(token tabletoken.Token) (*SeqMetaView, error) {
	if _, err := e.resolveCurrent(token); err != nil {
		return nil, err
	}
	v, err := e.seqMetaPool.Get(token, "seqMetadata")
	if err != nil {
		return nil, err
	}
	v.release = func() { e.seqMetaPool.Release(token, v) }
	return v, nil
}
