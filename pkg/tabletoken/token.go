// Package tabletoken implements the TableToken identity type and the
// TableNameRegistry that maps logical names to tokens under
// create/rename/drop, keeping every live name resolving to exactly one
// token and every directory name owned by at most one live token.
package tabletoken

import "fmt"

// Token is the immutable identity of a table. It pins a filesystem
// directory (DirName) that never changes across a rename; only the
// logical Name does. Two tokens compare equal only if every field
// matches — a Token for the same TableID but a different Name
// indicates the holder has a stale reference and should refresh it via
// the registry.
type Token struct {
	Name      string
	DirName   string
	TableID   int64
	IsWal     bool
	IsMatView bool
}

// Equals compares tokens by value across all fields.
func (t Token) Equals(other Token) bool {
	return t == other
}

// SameTable reports whether two tokens identify the same physical
// table (by id), regardless of whether the logical name has since
// diverged — the signature of a stale reference.
func (t Token) SameTable(other Token) bool {
	return t.TableID == other.TableID
}

func (t Token) String() string {
	return fmt.Sprintf("%s[id=%d,dir=%s,wal=%t,matview=%t]", t.Name, t.TableID, t.DirName, t.IsWal, t.IsMatView)
}

// IsZero reports whether t is the zero Token (never a valid identity:
// table ids start at 1).
func (t Token) IsZero() bool {
	return t == Token{}
}

// state is the tagged-sum registry entry state; Free is simply the
// absence of a map entry.
type state int

const (
	stateLocked state = iota
	stateLive
	stateLockedDrop
)

func (s state) String() string {
	switch s {
	case stateLocked:
		return "LOCKED"
	case stateLive:
		return "LIVE"
	case stateLockedDrop:
		return "LOCKED_DROP"
	default:
		return "UNKNOWN"
	}
}
