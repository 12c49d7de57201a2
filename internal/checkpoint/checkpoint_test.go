package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/mediaforge/orchestrator-core/internal/ledger"
	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
	"github.com/mediaforge/orchestrator-core/internal/store"
)

func newHarness(t *testing.T) (*Manager, store.Store, string) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(model.AllTables()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	root := t.TempDir()
	ldg := ledger.New(root, nil, logger.Noop())
	st := store.New(gdb, logger.Noop(), ldg)
	ldg.AttachStore(st)

	mgr := New(st, ldg, logger.Noop(), 2)
	return mgr, st, root
}

func TestSaveProducesValidChecksummedDocument(t *testing.T) {
	mgr, st, _ := newHarness(t)
	ctx := context.Background()

	if _, err := st.CreateProject(ctx, "p1", "n", "t", nil, 1); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := st.CreateStageRecords(ctx, "p1", []store.StageDef{{Name: "script"}}); err != nil {
		t.Fatalf("CreateStageRecords: %v", err)
	}

	doc, err := mgr.Save(ctx, "p1")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if doc.FormatVersion != FormatVersion {
		t.Fatalf("expected format version %d, got %d", FormatVersion, doc.FormatVersion)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(doc.Stages) != 1 || doc.Stages[0].Name != "script" {
		t.Fatalf("expected one stage snapshot named script, got %+v", doc.Stages)
	}
}

func TestValidateDetectsTamperedDocument(t *testing.T) {
	mgr, st, _ := newHarness(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "p1", "n", "t", nil, 1); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := mgr.Save(ctx, "p1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err := mgr.Latest("p1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	doc.Project.Name = "tampered"
	if err := doc.Validate(); err == nil {
		t.Fatalf("expected Validate to fail after mutating the document in memory")
	}
}

func TestRetentionKeepsOnlyNewestCheckpoints(t *testing.T) {
	mgr, st, _ := newHarness(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "p1", "n", "t", nil, 1); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	var seqs []int
	for i := 0; i < 5; i++ {
		doc, err := mgr.Save(ctx, "p1")
		if err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
		seqs = append(seqs, doc.Sequence)
	}

	entries, err := listCheckpointFiles(mgr.Ledger.CheckpointsDir("p1"))
	if err != nil {
		t.Fatalf("listCheckpointFiles: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected retention to keep 2 checkpoints, found %d: %v", len(entries), entries)
	}

	latest, err := mgr.Latest("p1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Sequence != seqs[len(seqs)-1] {
		t.Fatalf("expected latest sequence %d, got %d", seqs[len(seqs)-1], latest.Sequence)
	}
}

func TestResumeNormalizesRunningStagesToFailed(t *testing.T) {
	mgr, st, _ := newHarness(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "p1", "n", "t", nil, 1); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := st.CreateStageRecords(ctx, "p1", []store.StageDef{{Name: "script"}, {Name: "render"}}); err != nil {
		t.Fatalf("CreateStageRecords: %v", err)
	}
	if err := st.UpdateStageStatus(ctx, "p1", "script", model.StageRunning, store.StageTransitionOpts{}); err != nil {
		t.Fatalf("UpdateStageStatus: %v", err)
	}

	interrupted, err := mgr.IsInterrupted(ctx, "p1")
	if err != nil {
		t.Fatalf("IsInterrupted: %v", err)
	}
	if !interrupted {
		t.Fatalf("expected project with a running stage to be interrupted")
	}

	if err := mgr.Resume(ctx, "p1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	rec, err := st.GetStageRecord(ctx, "p1", "script")
	if err != nil {
		t.Fatalf("GetStageRecord: %v", err)
	}
	if rec.Status != model.StageFailed {
		t.Fatalf("expected script to be normalized to failed, got %s", rec.Status)
	}

	interrupted, err = mgr.IsInterrupted(ctx, "p1")
	if err != nil {
		t.Fatalf("IsInterrupted (after resume): %v", err)
	}
	if interrupted {
		t.Fatalf("expected project to no longer be interrupted after Resume")
	}
}

func TestFindInterruptedScansEveryProjectsLastCheckpoint(t *testing.T) {
	mgr, st, root := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := st.CreateProject(ctx, id, "n", "t", nil, 1); err != nil {
			t.Fatalf("CreateProject(%s): %v", id, err)
		}
		if _, err := st.CreateStageRecords(ctx, id, []store.StageDef{{Name: "script"}}); err != nil {
			t.Fatalf("CreateStageRecords(%s): %v", id, err)
		}
	}

	// p1: stage completes before the checkpoint is taken -> not interrupted.
	if err := st.UpdateStageStatus(ctx, "p1", "script", model.StageRunning, store.StageTransitionOpts{}); err != nil {
		t.Fatalf("UpdateStageStatus p1 running: %v", err)
	}
	if err := st.UpdateStageStatus(ctx, "p1", "script", model.StageCompleted, store.StageTransitionOpts{}); err != nil {
		t.Fatalf("UpdateStageStatus p1 completed: %v", err)
	}
	if _, err := mgr.Save(ctx, "p1"); err != nil {
		t.Fatalf("Save p1: %v", err)
	}

	// p2: checkpoint taken while the stage is still running -> interrupted.
	if err := st.UpdateStageStatus(ctx, "p2", "script", model.StageRunning, store.StageTransitionOpts{}); err != nil {
		t.Fatalf("UpdateStageStatus p2 running: %v", err)
	}
	if _, err := mgr.Save(ctx, "p2"); err != nil {
		t.Fatalf("Save p2: %v", err)
	}

	// p3: never checkpointed at all -> skipped, not treated as interrupted.

	interrupted, err := mgr.FindInterrupted(root)
	if err != nil {
		t.Fatalf("FindInterrupted: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0] != "p2" {
		t.Fatalf("expected only p2 to be reported interrupted, got %v", interrupted)
	}
}

func TestFindInterruptedOnMissingProjectsRoot(t *testing.T) {
	mgr, _, _ := newHarness(t)
	interrupted, err := mgr.FindInterrupted("/no/such/projects/root")
	if err != nil {
		t.Fatalf("FindInterrupted: %v", err)
	}
	if len(interrupted) != 0 {
		t.Fatalf("expected no interrupted projects for a missing root, got %v", interrupted)
	}
}

func TestLoadTypechecksExternalCheckpoint(t *testing.T) {
	mgr, st, _ := newHarness(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "p1", "n", "t", nil, 1); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	doc, err := mgr.Save(ctx, "p1")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(mgr.Ledger.CheckpointsDir("p1"), fileName(doc.Sequence))
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Sequence != doc.Sequence || loaded.Project.ID != "p1" {
		t.Fatalf("expected loaded checkpoint to match saved one, got %+v", loaded)
	}

	if err := Validate(loaded); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, err := Load(filepath.Join(mgr.Ledger.CheckpointsDir("p1"), "does-not-exist.json")); err == nil {
		t.Fatalf("expected Load to fail for a nonexistent path")
	}
}
