// Package checkpoint implements the CheckpointAgent: a barrier that
// freezes new reader-lock acquisition while a consistent snapshot of
// every table's applied-txn watermark is written to a manifest, plus
// the write-temp-then-rename durability idiom used throughout this
// engine's metadata persistence.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

// TableSnapshot is one table's watermark at checkpoint time.
type TableSnapshot struct {
	Name      string `json:"name"`
	DirName   string `json:"dirName"`
	TableID   int64  `json:"tableId"`
	WriterTxn int64  `json:"writerTxn"`
}

// Manifest is the full checkpoint record persisted to disk.
type Manifest struct {
	ID     int64           `json:"id"`
	Tables []TableSnapshot `json:"tables"`
}

// Agent coordinates checkpoint creation against concurrent reader
// acquisition. While InProgress is true, lockReaders-style callers in
// pkg/engine must refuse with errors.ReasonCheckpointInProgress so the
// reader set stays stable for the duration of the snapshot.
type Agent struct {
	mu         sync.Mutex
	facade     fsfacade.Facade
	dir        string
	inProgress bool
	manifest   Manifest
}

// New creates an Agent persisting manifests under dir.
func New(facade fsfacade.Facade, dir string) *Agent {
	return &Agent{facade: facade, dir: dir}
}

func (a *Agent) manifestPath(id int64) string {
	return filepath.Join(a.dir, fmt.Sprintf("checkpoint_%d.chk", id))
}

func (a *Agent) donePath(id int64) string {
	return a.manifestPath(id) + ".done"
}

// InProgress reports whether a checkpoint snapshot is currently being
// taken.
func (a *Agent) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// CheckpointCreate sets the in-progress barrier and durably persists
// manifest via write-temp-then-rename. The barrier stays set until
// CheckpointRelease is called; callers are expected to call Release
// once the snapshot's readers have been drained.
func (a *Agent) CheckpointCreate(manifest Manifest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inProgress {
		return errors.NonCritical("checkpointCreate", "", errors.ReasonCheckpointInProgress)
	}
	a.inProgress = true

	data, err := json.Marshal(manifest)
	if err != nil {
		a.inProgress = false
		return errors.Critical("checkpointCreate", "", 0, err)
	}

	path := a.manifestPath(manifest.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		a.inProgress = false
		return errors.Critical("checkpointCreate", "", fsfacade.Errno(err), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		a.inProgress = false
		return errors.Critical("checkpointCreate", "", fsfacade.Errno(err), err)
	}

	a.manifest = manifest
	return nil
}

// CheckpointRelease marks the just-created manifest complete (via a
// sibling .done marker, so CheckpointRecover can tell a finished
// checkpoint from one interrupted mid-write) and clears the barrier.
func (a *Agent) CheckpointRelease() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inProgress {
		return nil
	}
	if err := os.WriteFile(a.donePath(a.manifest.ID), nil, 0644); err != nil {
		return errors.Critical("checkpointRelease", "", fsfacade.Errno(err), err)
	}
	a.inProgress = false
	return nil
}

// CheckpointRecover scans dir at startup from the highest manifest ID
// down. The first readable manifest without a .done marker — a
// checkpoint interrupted mid-create — is returned for the caller to
// reconcile (typically by discarding it and relying on the WAL to
// replay past it). The scan ends with nil, nil at the first manifest
// that has a .done marker, so manifests older than the newest
// completed one are not examined.
func (a *Agent) CheckpointRecover() (*Manifest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Critical("checkpointRecover", "", fsfacade.Errno(err), err)
	}

	var ids []int64
	for _, e := range entries {
		var id int64
		if _, err := fmt.Sscanf(e.Name(), "checkpoint_%d.chk", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	for _, id := range ids {
		if _, err := os.Stat(a.donePath(id)); err == nil {
			return nil, nil // most recent manifest completed; nothing to recover
		}
		data, err := os.ReadFile(a.manifestPath(id))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		a.inProgress = false
		return &m, nil
	}
	return nil, nil
}
