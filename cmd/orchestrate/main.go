// orchestrate is a thin demonstration entrypoint that wires the Project
// Store, Artifact Ledger, Dependency Planner, Resource Arbiter,
// Scheduler, and Checkpoint manager together and drives one project to
// completion. It is not a general-purpose CLI (spec Non-goals): flags and
// argument parsing are deliberately out of scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/orchestrator-core/internal/arbiter"
	"github.com/mediaforge/orchestrator-core/internal/checkpoint"
	"github.com/mediaforge/orchestrator-core/internal/config"
	"github.com/mediaforge/orchestrator-core/internal/db"
	"github.com/mediaforge/orchestrator-core/internal/exitcode"
	"github.com/mediaforge/orchestrator-core/internal/ledger"
	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/planner"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
	"github.com/mediaforge/orchestrator-core/internal/scheduler"
	"github.com/mediaforge/orchestrator-core/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return exitcode.Misconfigured
	}
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitcode.Misconfigured
	}

	gdb, err := db.Open(cfg.StorePath, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return exitcode.StoreError
	}

	ldg := ledger.New(cfg.ProjectsRoot, nil, log)
	st := store.New(gdb, log, ldg)
	ldg.AttachStore(st)

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		log.Error("migration failed", "error", err)
		return exitcode.StoreError
	}

	projectID := uuid.NewString()
	proj, err := st.CreateProject(ctx, projectID, "demo", "a short explainer video", map[string]any{"voice": "default"}, 3)
	if err != nil {
		log.Error("create project failed", "error", err)
		return exitcode.StoreError
	}
	log.Info("project created", "project_id", proj.ID)

	pool := arbiter.NewPool(cfg.ResourcePool)
	registry := scheduler.NewRegistry()
	registry.MustRegister(noopStage{name: "script"})
	registry.MustRegister(noopStage{name: "narration"})
	registry.MustRegister(noopStage{name: "render"})

	sched := scheduler.New(st, ldg, registry, pool, cfg, log)
	ckpt := checkpoint.New(st, ldg, log, cfg.CheckpointRetentionCount)
	sched.Checkpoint = ckpt

	specs := []scheduler.StageSpec{
		{StageDef: planner.StageDef{Name: "script"}, Timeout: cfg.DefaultStageTimeout, Retry: scheduler.RetryPolicy{MaxAttempts: 2}},
		{StageDef: planner.StageDef{Name: "narration", DependsOn: []string{"script"}}, Timeout: cfg.DefaultStageTimeout, Retry: scheduler.RetryPolicy{MaxAttempts: 2}},
		{StageDef: planner.StageDef{Name: "render", DependsOn: []string{"narration"}}, Timeout: cfg.DefaultStageTimeout, Retry: scheduler.RetryPolicy{MaxAttempts: 2}},
	}

	if err := st.UpdateProjectStatus(ctx, proj.ID, model.ProjectProcessing); err != nil {
		log.Error("failed to mark project processing", "error", err)
		return exitcode.StoreError
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	execErr := sched.Execute(runCtx, proj.ID, specs, scheduler.FailStopAll, func(state scheduler.ExecutionState) {
		log.Info("progress", "project_id", state.ProjectID, "overall_pct", state.OverallPct)
	})

	// sched.Execute already checkpoints after every stage's terminal transition and on
	// its own interval; this final save just captures the project's
	// post-Execute status before the process exits.
	if _, err := ckpt.Save(ctx, proj.ID); err != nil {
		log.Warn("checkpoint save failed", "error", err)
	}

	if execErr != nil {
		log.Error("execution did not complete", "error", execErr)
		if runCtx.Err() != nil {
			_ = st.UpdateProjectStatus(ctx, proj.ID, model.ProjectCancelled)
			return exitcode.Cancelled
		}
		_ = st.UpdateProjectStatus(ctx, proj.ID, model.ProjectFailed)
		return exitcode.ExecutionFailed
	}

	if err := st.UpdateProjectStatus(ctx, proj.ID, model.ProjectCompleted); err != nil {
		log.Error("failed to mark project completed", "error", err)
		return exitcode.StoreError
	}

	log.Info("execution completed", "project_id", proj.ID)
	return exitcode.Success
}

type noopStage struct{ name string }

func (n noopStage) Name() string { return n.name }

func (n noopStage) Run(sc *scheduler.StageContext) (scheduler.StageResult, error) {
	sc.Progress(1, "done")
	return scheduler.StageResult{Output: map[string]any{"stage": n.name}}, nil
}
