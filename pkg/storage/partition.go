package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobboyms/tsengine/pkg/query"
)

// Partition is one table's physical column store for a single
// partition directory (e.g. dbRoot/<dirName>/2024-01-01/). Every
// column owns a ColumnFile (<column>.d) holding that column's cell
// stream in row order, and a shared TimestampIndex maps designated
// timestamps to row ids so range scans don't decode every column.
//
// RowID is a dense, monotonically increasing sequence starting at 0
// for the partition's first row. A column added after rowCount rows
// already exist starts its cell stream empty; pkg/cversion records
// that boundary as the column top, and ScanColumn pads that many
// leading nulls so the stream stays aligned with the row sequence.
type Partition struct {
	mu       sync.Mutex
	dir      string
	tsColumn string
	index    *TimestampIndex
	columns  map[string]*ColumnFile
	rowCount int64
}

// OpenPartition opens (or creates) the partition directory dir and
// rebuilds the row count and timestamp index from the designated
// timestamp column's cell stream — the one column every row is
// guaranteed to have a cell in. A fresh reader view and a writer
// resuming after restart both go through this same recovery walk, so
// neither depends on in-process state surviving.
func OpenPartition(dir, tsColumn string) (*Partition, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create partition dir %q: %w", dir, err)
	}
	p := &Partition{
		dir:      dir,
		tsColumn: tsColumn,
		index:    NewTimestampIndex(),
		columns:  make(map[string]*ColumnFile),
	}
	if tsColumn == "" {
		return p, nil
	}
	tsPath := filepath.Join(dir, tsColumn+".d")
	if _, err := os.Stat(tsPath); err != nil {
		return p, nil // no rows yet
	}
	it, err := NewCellIterator(tsPath)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for {
		cell, _, valid, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: recover partition %q: %w", dir, err)
		}
		if !valid {
			continue
		}
		v, err := DecodeCell(cell)
		if err != nil {
			return nil, err
		}
		ts, err := TimeValue(v)
		if err != nil {
			return nil, fmt.Errorf("storage: recover partition %q: %w", dir, err)
		}
		p.index.Insert(ts.UnixMicro(), p.rowCount)
		p.rowCount++
	}
	return p, nil
}

// column returns the ColumnFile backing columnName's cell stream,
// opening <dir>/<columnName>.d on first use. Caller holds mu.
func (p *Partition) column(columnName string) (*ColumnFile, error) {
	if cf, ok := p.columns[columnName]; ok {
		return cf, nil
	}
	cf, err := OpenColumnFile(filepath.Join(p.dir, columnName+".d"))
	if err != nil {
		return nil, err
	}
	p.columns[columnName] = cf
	return cf, nil
}

// AppendRow writes one row's values into their respective column cell
// streams and indexes its designated timestamp. txn becomes each
// cell's createTxn, correlating the cells with the WAL transaction
// that produced them. Returns the assigned rowID (the row's 0-based
// position within this partition).
func (p *Partition) AppendRow(ts time.Time, values map[string]interface{}, txn int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rowID := p.rowCount
	for columnName, value := range values {
		cf, err := p.column(columnName)
		if err != nil {
			return 0, err
		}
		cell, err := EncodeCell(value)
		if err != nil {
			return 0, fmt.Errorf("storage: encode column %q: %w", columnName, err)
		}
		if err := cf.Append(cell, txn); err != nil {
			return 0, err
		}
	}
	p.index.Insert(ts.UnixMicro(), rowID)
	p.rowCount++
	return rowID, nil
}

// RowCount reports how many rows this partition has received.
func (p *Partition) RowCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rowCount
}

// ScanColumn returns every value columnName holds across rows whose
// designated timestamp satisfies cond (nil means unconditional full
// scan), in rowID order. columnTop is the number of leading rows with
// no cell for this column at all (pkg/cversion's column top); those
// rows are reported as nil so the cell stream stays aligned with the
// row sequence.
func (p *Partition) ScanColumn(columnName string, columnTop int64, cond *query.ScanCondition) ([]interface{}, error) {
	var cells []interface{}
	path := filepath.Join(p.dir, columnName+".d")
	if _, err := os.Stat(path); err == nil {
		it, err := NewCellIterator(path)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		for {
			cell, _, valid, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("storage: scan column %q: %w", columnName, err)
			}
			if !valid {
				continue
			}
			v, err := DecodeCell(cell)
			if err != nil {
				return nil, err
			}
			cells = append(cells, v)
		}
	}

	p.mu.Lock()
	rowCount := p.rowCount
	p.mu.Unlock()

	out := make([]interface{}, 0, rowCount)
	for row := int64(0); row < rowCount; row++ {
		if row < columnTop {
			out = append(out, nil)
			continue
		}
		idx := row - columnTop
		if idx < int64(len(cells)) {
			out = append(out, cells[idx])
		} else {
			out = append(out, nil)
		}
	}

	if cond == nil {
		return out, nil
	}
	return p.filterByTimestamp(out, cond)
}

// filterByTimestamp keeps only the rows whose designated timestamp
// satisfies cond, seeking the index walk past rows the condition can
// never match and stopping it as soon as no later row can match.
func (p *Partition) filterByTimestamp(values []interface{}, cond *query.ScanCondition) ([]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rowTimestamps := make(map[int64]int64, len(values))
	from := 0
	if seekTs, ok := cond.SeekTs(); ok {
		from = p.index.LowerBound(seekTs)
	}
	p.index.Walk(from, func(ts, row int64) bool {
		rowTimestamps[row] = ts
		return cond.ShouldContinue(ts)
	})

	out := make([]interface{}, 0, len(values))
	for rowID, v := range values {
		ts, ok := rowTimestamps[int64(rowID)]
		if !ok || !cond.Matches(ts) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Sync flushes every open column's appended cells.
func (p *Partition) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, cf := range p.columns {
		if err := cf.Sync(); err != nil {
			return fmt.Errorf("storage: sync column %q: %w", name, err)
		}
	}
	return nil
}

// Close releases every column's file handle.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, cf := range p.columns {
		if err := cf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
