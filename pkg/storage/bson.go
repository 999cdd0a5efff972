// Package storage implements the physical, per-partition column store
// backing pkg/engine's Writer and Reader: each column's values live in
// their own append-only cell stream (<column>.d), and an in-memory
// timestamp index maps designated timestamps to dense row ids so a
// reader can range-scan a partition without decoding every column.
package storage

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ColumnType is the logical type of a column's values.
type ColumnType int

const (
	ColumnInt ColumnType = iota
	ColumnVarchar
	ColumnBoolean
	ColumnFloat
	ColumnTimestamp
	ColumnSymbol
)

func (c ColumnType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOLEAN", "FLOAT", "TIMESTAMP", "SYMBOL"}[c]
}

// EncodeRow marshals a full row (name -> value) into one BSON
// document, the form rows travel in through the WAL row sidecar.
func EncodeRow(columns bson.D) ([]byte, error) {
	return bson.Marshal(columns)
}

// DecodeRow unmarshals a row document back into its column values.
func DecodeRow(data []byte) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode row: %w", err)
	}
	return doc, nil
}

// ColumnValue looks up one column's value within a decoded row,
// reporting both its presence and its inferred ColumnType.
func ColumnValue(row bson.D, column string) (value interface{}, colType ColumnType, ok bool) {
	for _, field := range row {
		if field.Key != column {
			continue
		}
		switch v := field.Value.(type) {
		case int, int32, int64:
			return v, ColumnInt, true
		case string:
			return v, ColumnVarchar, true
		case bool:
			return v, ColumnBoolean, true
		case float32, float64:
			return v, ColumnFloat, true
		case time.Time:
			return v, ColumnTimestamp, true
		default:
			return v, ColumnVarchar, true
		}
	}
	return nil, 0, false
}

// cellField is the single key under which EncodeCell/DecodeCell store
// a column's value; a column's cell stream holds these one-field
// documents rather than a full row per entry.
const cellField = "v"

// EncodeCell marshals a single column value for one row into the
// bytes appended to that column's cell stream.
func EncodeCell(value interface{}) ([]byte, error) {
	return bson.Marshal(bson.D{{Key: cellField, Value: value}})
}

// DecodeCell reverses EncodeCell.
func DecodeCell(data []byte) (interface{}, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode cell: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("storage: empty cell")
	}
	return doc[0].Value, nil
}

// TimeValue coerces a decoded cell back to time.Time; BSON round-trips
// time values as millisecond-precision DateTime, so both
// representations must be accepted.
func TimeValue(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case bson.DateTime:
		return t.Time(), nil
	case int64:
		return time.UnixMilli(t), nil
	}
	return time.Time{}, fmt.Errorf("storage: expected time value, got %T", v)
}

// DesignatedTimestamp extracts the row's partitioning timestamp as
// microseconds since epoch, ready to feed the partition's timestamp
// index.
func DesignatedTimestamp(row bson.D, tsColumn string) (int64, error) {
	for _, field := range row {
		if field.Key != tsColumn {
			continue
		}
		ts, err := TimeValue(field.Value)
		if err != nil {
			return 0, fmt.Errorf("storage: designated timestamp column %q: %w", tsColumn, err)
		}
		return ts.UnixMicro(), nil
	}
	return 0, fmt.Errorf("storage: designated timestamp column %q missing from row", tsColumn)
}
