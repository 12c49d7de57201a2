package scheduler

import (
	"context"
	"time"

	"github.com/mediaforge/orchestrator-core/internal/arbiter"
	"github.com/mediaforge/orchestrator-core/internal/ledger"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
	"github.com/mediaforge/orchestrator-core/internal/store"
)

// StageContext is the capability-scoped handle a StageProcessor receives
// for a single execution of a single stage (spec §6.1). It carries the
// stage's own input, the Store and Ledger handles, its resource lease, and a
// way to report progress. The Store and Ledger handles are not scoped to
// this project or stage: a processor can reach any project's records
// through them.
type StageContext struct {
	context.Context

	ProjectID   string
	StageName   string
	InputParams map[string]any

	Store     store.Store
	Ledger    *ledger.Ledger
	Resources *arbiter.Lease
	Log       *logger.Logger

	reportProgress func(pct float64, message string)
}

// Progress reports fractional completion (0..1) within the stage. Calls
// are rate-limited by the Scheduler (spec §4.5); the processor may call it
// as often as it likes.
func (sc *StageContext) Progress(pct float64, message string) {
	if sc.reportProgress != nil {
		sc.reportProgress(pct, message)
	}
}

// StageResult is what a successful stage run returns (spec §6.1).
type StageResult struct {
	Output      map[string]any
	ArtifactIDs []uint64
}

// StageProcessor implements one stage's domain logic. A project's workflow
// is a set of named stages wired to processors via a Registry (spec §6.1).
type StageProcessor interface {
	Name() string
	Run(sc *StageContext) (StageResult, error)
}

// CanSkipper is an optional capability a StageProcessor may implement: the
// Scheduler asks before running the stage whether, given current project
// state, the stage's work has already been satisfied and can be skipped
// without running Run (spec §9, supplementing the base stage contract).
type CanSkipper interface {
	CanSkip(sc *StageContext) (bool, error)
}

// DurationEstimator is an optional capability a StageProcessor may
// implement to report an expected run time. Neither the Scheduler nor the
// Planner consults it: ExecutionPlan.EstimateTotalTime uses only the static
// StageDef.EstimatedSeconds value.
type DurationEstimator interface {
	EstimateDuration(sc *StageContext) time.Duration
}
