package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/fsfacade"
)

func TestAgent_CreateSetsInProgressUntilRelease(t *testing.T) {
	dir := t.TempDir()
	a := New(fsfacade.OS{}, dir)

	m := Manifest{ID: 1, Tables: []TableSnapshot{{Name: "t1", DirName: "t1", TableID: 1, WriterTxn: 10}}}
	if err := a.CheckpointCreate(m); err != nil {
		t.Fatalf("CheckpointCreate failed: %v", err)
	}
	if !a.InProgress() {
		t.Fatal("expected InProgress to be true after CheckpointCreate")
	}

	if err := a.CheckpointRelease(); err != nil {
		t.Fatalf("CheckpointRelease failed: %v", err)
	}
	if a.InProgress() {
		t.Fatal("expected InProgress to be false after CheckpointRelease")
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoint_1.chk"))
	if err != nil {
		t.Fatalf("expected manifest file to exist: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty manifest contents")
	}
}

func TestAgent_CreateFailsWhileAlreadyInProgress(t *testing.T) {
	dir := t.TempDir()
	a := New(fsfacade.OS{}, dir)

	if err := a.CheckpointCreate(Manifest{ID: 1}); err != nil {
		t.Fatalf("first CheckpointCreate failed: %v", err)
	}

	err := a.CheckpointCreate(Manifest{ID: 2})
	if err == nil {
		t.Fatal("expected second CheckpointCreate to fail while one is in progress")
	}
	nc, ok := err.(*errors.NonCriticalError)
	if !ok {
		t.Fatalf("expected NonCriticalError, got %T", err)
	}
	if nc.Reason != errors.ReasonCheckpointInProgress {
		t.Errorf("expected reason %q, got %q", errors.ReasonCheckpointInProgress, nc.Reason)
	}
}

func TestAgent_RecoverFindsInterruptedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	a := New(fsfacade.OS{}, dir)

	m := Manifest{ID: 3, Tables: []TableSnapshot{{Name: "t1", DirName: "t1", TableID: 1, WriterTxn: 7}}}
	if err := a.CheckpointCreate(m); err != nil {
		t.Fatalf("CheckpointCreate failed: %v", err)
	}
	// Note: no CheckpointRelease, so no .done marker — simulates a crash
	// mid-checkpoint.

	b := New(fsfacade.OS{}, dir)
	recovered, err := b.CheckpointRecover()
	if err != nil {
		t.Fatalf("CheckpointRecover failed: %v", err)
	}
	if recovered == nil {
		t.Fatal("expected an interrupted manifest to be recovered")
	}
	if recovered.ID != 3 || len(recovered.Tables) != 1 || recovered.Tables[0].WriterTxn != 7 {
		t.Errorf("unexpected recovered manifest: %+v", recovered)
	}
}

func TestAgent_RecoverFindsNothingAfterCleanRelease(t *testing.T) {
	dir := t.TempDir()
	a := New(fsfacade.OS{}, dir)

	if err := a.CheckpointCreate(Manifest{ID: 1}); err != nil {
		t.Fatalf("CheckpointCreate failed: %v", err)
	}
	if err := a.CheckpointRelease(); err != nil {
		t.Fatalf("CheckpointRelease failed: %v", err)
	}

	b := New(fsfacade.OS{}, dir)
	recovered, err := b.CheckpointRecover()
	if err != nil {
		t.Fatalf("CheckpointRecover failed: %v", err)
	}
	if recovered != nil {
		t.Errorf("expected no interrupted manifest, got %+v", recovered)
	}
}
