// Package scheduler implements the Scheduler/Engine (C5): it drives a
// validated execution plan phase by phase, bounding concurrency, retrying
// failed stages with backoff, arbitrating shared resources, and reporting
// progress (spec §4.5, §5).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mediaforge/orchestrator-core/internal/arbiter"
	"github.com/mediaforge/orchestrator-core/internal/checkpoint"
	"github.com/mediaforge/orchestrator-core/internal/config"
	"github.com/mediaforge/orchestrator-core/internal/ledger"
	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/planner"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
	"github.com/mediaforge/orchestrator-core/internal/store"
)

var tracer = otel.Tracer("github.com/mediaforge/orchestrator-core/internal/scheduler")

// RetryPolicy controls whether and how long to wait before re-running a
// failed stage (spec §4.5).
type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// FailurePolicy controls how a failed stage affects stages that depend on
// it (spec §4.5).
type FailurePolicy string

const (
	// FailStopAll cancels every stage not yet started when any stage fails
	// out of retries.
	FailStopAll FailurePolicy = "stop_all"
	// FailSkipDependents marks only the failed stage's transitive
	// dependents as skipped; unrelated branches of the plan continue.
	FailSkipDependents FailurePolicy = "skip_dependents"
)

// StageSpec is everything the Scheduler needs to run one stage: its graph
// position (embedded StageDef), its timeout, its retry policy, and the
// resources it must hold from the Arbiter while running.
type StageSpec struct {
	planner.StageDef
	Timeout   time.Duration
	Retry     RetryPolicy
	Resources map[string]int64
}

// ProgressFunc receives ExecutionState snapshots as execution proceeds.
type ProgressFunc func(ExecutionState)

// Scheduler owns one Execute invocation's worth of coordination state. A
// single Scheduler may run many projects; each Execute call is independent
// and may run concurrently with others up to the shared Arbiter pool's
// capacity.
type Scheduler struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Registry *Registry
	Pool     *arbiter.Pool
	Config   config.Config
	Log      *logger.Logger

	// Checkpoint is optional. When set, Execute saves a checkpoint after
	// every stage's terminal transition, on pause, and on a background
	// timer at Config.CheckpointInterval (spec §4.6).
	Checkpoint *checkpoint.Manager

	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc

	pauseMu sync.Mutex
	pauses  map[string]*pauseGate
}

func New(st store.Store, ldg *ledger.Ledger, reg *Registry, pool *arbiter.Pool, cfg config.Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		Store:    st,
		Ledger:   ldg,
		Registry: reg,
		Pool:     pool,
		Config:   cfg,
		Log:      log.With("component", "Scheduler"),
		cancels:  make(map[string]context.CancelCauseFunc),
		pauses:   make(map[string]*pauseGate),
	}
}

// saveCheckpoint is a best-effort checkpoint write: a failure here must
// never abort an otherwise-successful execution, so it is logged and
// swallowed (mirrors the demo binary's own post-Execute save in
// cmd/orchestrate).
func (s *Scheduler) saveCheckpoint(ctx context.Context, projectID string) {
	if s.Checkpoint == nil {
		return
	}
	if _, err := s.Checkpoint.Save(ctx, projectID); err != nil {
		s.Log.Warn("checkpoint save failed", "project_id", projectID, "error", err)
	}
}

// Execute runs specs to completion (or failure, or cancellation) for
// projectID, persisting every status transition to the Store so the run
// can be resumed after a crash (spec §4.5, §4.6). Stage records that are
// already in a terminal status (completed/skipped) are not re-run, which
// is what makes Execute idempotent on a partially-completed project.
func (s *Scheduler) Execute(ctx context.Context, projectID string, specs []StageSpec, failurePolicy FailurePolicy, onProgress ProgressFunc) error {
	defs := make([]planner.StageDef, 0, len(specs))
	specByName := make(map[string]StageSpec, len(specs))
	for _, sp := range specs {
		defs = append(defs, sp.StageDef)
		specByName[sp.Name] = sp
	}

	plan, err := planner.Build(defs)
	if err != nil {
		return err
	}

	stageDefs := make([]store.StageDef, 0, len(specs))
	for _, sp := range specs {
		stageDefs = append(stageDefs, store.StageDef{Name: sp.Name})
	}
	if _, err := s.Store.CreateStageRecords(ctx, projectID, orderedStageDefs(plan, stageDefs)); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	if !s.registerCancel(projectID, cancel) {
		cancel(nil)
		return ErrAlreadyRunning
	}
	defer s.clearCancel(projectID)
	defer cancel(nil)

	gate := s.registerPause(projectID)
	defer s.clearPause(projectID)

	if s.Checkpoint != nil && s.Config.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.Config.CheckpointInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					s.saveCheckpoint(ctx, projectID)
				}
			}
		}()
	}

	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	var stateMu sync.Mutex
	snapshots := make(map[string]StageSnapshot, len(specs))
	reportState := func(force bool) {
		if onProgress == nil {
			return
		}
		if !force && !limiter.Allow() {
			return
		}
		stateMu.Lock()
		list := make([]StageSnapshot, 0, len(snapshots))
		for _, name := range plan.Order() {
			if snap, ok := snapshots[name]; ok {
				list = append(list, snap)
			}
		}
		stateMu.Unlock()
		onProgress(ExecutionState{
			ProjectID:   projectID,
			Stages:      list,
			OverallPct:  computeOverallProgress(list),
			GeneratedAt: time.Now().UTC(),
		})
	}

	setSnapshot := func(snap StageSnapshot) {
		stateMu.Lock()
		snapshots[snap.Name] = snap
		stateMu.Unlock()
		reportState(false)
	}

	failed := make(map[string]bool)
	var failedMu sync.Mutex
	markFailed := func(name string) {
		failedMu.Lock()
		failed[name] = true
		failedMu.Unlock()
	}
	isFailed := func(name string) bool {
		failedMu.Lock()
		defer failedMu.Unlock()
		return failed[name]
	}

	maxConcurrency := s.Config.MaxConcurrentStages
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	for _, phase := range plan.Phases {
		select {
		case <-runCtx.Done():
			return s.terminalErr(runCtx)
		default:
		}

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(maxConcurrency)

		for _, name := range phase.Stages {
			name := name
			spec := specByName[name]

			if err := gate.wait(runCtx); err != nil {
				g.Wait()
				reportState(true)
				return s.terminalErr(runCtx)
			}

			blockedByDep := false
			for _, dep := range spec.DependsOn {
				if isFailed(dep) {
					blockedByDep = true
					break
				}
			}

			if blockedByDep {
				if err := s.Store.UpdateStageStatus(ctx, projectID, name, model.StageSkipped, store.StageTransitionOpts{
					Error: "skipped: upstream dependency failed",
				}); err != nil {
					s.Log.Warn("failed to mark stage skipped", "project_id", projectID, "stage", name, "error", err)
				}
				markFailed(name) // propagate skip to further dependents
				setSnapshot(StageSnapshot{Name: name, Status: model.StageSkipped})
				s.saveCheckpoint(ctx, projectID)
				continue
			}

			g.Go(func() error {
				ok, runErr := s.runStageWithRetry(gctx, projectID, spec, setSnapshot)
				if !ok {
					markFailed(name)
					if failurePolicy == FailStopAll {
						cancel(runErr)
						return runErr
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			reportState(true)
			return err
		}
	}

	reportState(true)

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d stage(s) did not complete", ErrStageFailed, len(failed))
	}
	return nil
}

// Cancel requests cancellation of a running Execute call for projectID.
// It is a no-op if no execution is in flight.
func (s *Scheduler) Cancel(projectID string, reason error) {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[projectID]
	s.cancelMu.Unlock()
	if !ok {
		return
	}
	if reason == nil {
		reason = ErrCancelled
	}
	cancel(reason)
}

func (s *Scheduler) registerCancel(projectID string, cancel context.CancelCauseFunc) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if _, exists := s.cancels[projectID]; exists {
		return false
	}
	s.cancels[projectID] = cancel
	return true
}

func (s *Scheduler) clearCancel(projectID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, projectID)
}

func (s *Scheduler) terminalErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// runStageWithRetry runs one stage to a terminal status, retrying on
// failure per spec.Retry. It returns ok=false if the stage ends in
// StageFailed after exhausting retries.
func (s *Scheduler) runStageWithRetry(ctx context.Context, projectID string, spec StageSpec, setSnapshot func(StageSnapshot)) (bool, error) {
	rec, err := s.Store.GetStageRecord(ctx, projectID, spec.Name)
	if err != nil {
		return false, err
	}
	if rec.Status == model.StageCompleted || rec.Status == model.StageSkipped {
		setSnapshot(StageSnapshot{Name: spec.Name, Status: rec.Status, Progress: 1})
		return true, nil
	}

	processor, ok := s.Registry.Lookup(spec.Name)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownStage, spec.Name)
		_ = s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageFailed, store.StageTransitionOpts{Error: err.Error()})
		setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageFailed, Error: err.Error()})
		return false, err
	}

	if rec.Status == model.StagePending {
		skip, err := s.checkSkip(ctx, projectID, spec, processor)
		if err != nil {
			return false, err
		}
		if skip {
			if err := s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageSkipped, store.StageTransitionOpts{}); err != nil {
				return false, err
			}
			setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageSkipped, Progress: 1})
			s.saveCheckpoint(ctx, projectID)
			return true, nil
		}
	}

	attempts := rec.RetryCount
	for {
		attempts++
		stageCtx, span := tracer.Start(ctx, "stage."+spec.Name, trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("attempt", attempts),
		))

		if err := s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageRunning, store.StageTransitionOpts{}); err != nil {
			span.End()
			return false, err
		}
		setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageRunning, Attempts: attempts})

		startedAt := time.Now()
		result, runErr := s.runOnce(stageCtx, projectID, spec, processor, setSnapshot)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.End()

		if runErr == nil {
			elapsed := time.Since(startedAt).Seconds()
			out := result.Output
			if err := s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageCompleted, store.StageTransitionOpts{
				Output:  out,
				Elapsed: &elapsed,
			}); err != nil {
				return false, err
			}
			setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageCompleted, Progress: 1, Attempts: attempts})
			s.saveCheckpoint(ctx, projectID)
			return true, nil
		}

		if ctx.Err() != nil {
			_ = s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageCancelled, store.StageTransitionOpts{Error: runErr.Error()})
			setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageCancelled, Error: runErr.Error(), Attempts: attempts})
			s.saveCheckpoint(ctx, projectID)
			return false, runErr
		}

		retryCount := attempts
		if err := s.Store.UpdateStageStatus(ctx, projectID, spec.Name, model.StageFailed, store.StageTransitionOpts{
			Error:      runErr.Error(),
			RetryCount: &retryCount,
		}); err != nil {
			return false, err
		}
		setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageFailed, Error: runErr.Error(), Attempts: attempts})

		if !shouldRetry(spec.Retry, attempts, runErr) {
			s.saveCheckpoint(ctx, projectID)
			return false, fmt.Errorf("%w: %s: %v", ErrStageFailed, spec.Name, runErr)
		}

		delay := computeBackoff(spec.Retry, attempts)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		// loop top transitions StageFailed -> StageRunning and increments attempts
	}
}

// checkSkip asks an optional CanSkipper whether spec's work is already
// satisfied. It is only ever called while the stage is still StagePending
// (spec §4.5: "skipped (terminal, only from pending and only if
// can_skip)"), so it never acquires an Arbiter lease or applies the
// stage's timeout — those are for Run, not for this capability probe.
func (s *Scheduler) checkSkip(ctx context.Context, projectID string, spec StageSpec, processor StageProcessor) (bool, error) {
	skipper, ok := processor.(CanSkipper)
	if !ok {
		return false, nil
	}

	rec, err := s.Store.GetStageRecord(ctx, projectID, spec.Name)
	if err != nil {
		return false, err
	}
	var input map[string]any
	if len(rec.InputParamsJSON) > 0 {
		_ = json.Unmarshal(rec.InputParamsJSON, &input)
	}

	sc := &StageContext{
		Context:     ctx,
		ProjectID:   projectID,
		StageName:   spec.Name,
		InputParams: input,
		Store:       s.Store,
		Ledger:      s.Ledger,
		Log:         s.Log.With("project_id", projectID, "stage", spec.Name),
	}
	return skipper.CanSkip(sc)
}

func (s *Scheduler) runOnce(ctx context.Context, projectID string, spec StageSpec, processor StageProcessor, setSnapshot func(StageSnapshot)) (StageResult, error) {
	var lease *arbiter.Lease
	if len(spec.Resources) > 0 {
		var err error
		lease, err = s.Pool.Acquire(ctx, spec.Resources)
		if err != nil {
			return StageResult{}, err
		}
		defer lease.Release()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	rec, err := s.Store.GetStageRecord(ctx, projectID, spec.Name)
	if err != nil {
		return StageResult{}, err
	}
	var input map[string]any
	if len(rec.InputParamsJSON) > 0 {
		_ = json.Unmarshal(rec.InputParamsJSON, &input)
	}

	sc := &StageContext{
		Context:     runCtx,
		ProjectID:   projectID,
		StageName:   spec.Name,
		InputParams: input,
		Store:       s.Store,
		Ledger:      s.Ledger,
		Resources:   lease,
		Log:         s.Log.With("project_id", projectID, "stage", spec.Name),
		reportProgress: func(pct float64, message string) {
			setSnapshot(StageSnapshot{Name: spec.Name, Status: model.StageRunning, Progress: pct, Message: message})
		},
	}

	result, err := processor.Run(sc)
	if err != nil {
		if runCtx.Err() != nil {
			return StageResult{}, fmt.Errorf("%w: %v", ErrStageTimeout, err)
		}
		return StageResult{}, err
	}
	return result, nil
}

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low, high := float64(d)-delta, float64(d)+delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

func orderedStageDefs(plan *planner.ExecutionPlan, defs []store.StageDef) []store.StageDef {
	order := plan.Order()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	out := make([]store.StageDef, len(defs))
	copy(out, defs)
	for i := range out {
		out[i].Order = pos[out[i].Name]
	}
	return out
}

