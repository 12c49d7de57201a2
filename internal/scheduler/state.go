package scheduler

import (
	"time"

	"github.com/mediaforge/orchestrator-core/internal/model"
)

// StageSnapshot is a point-in-time view of one stage's progress within a
// running execution.
type StageSnapshot struct {
	Name      string
	Status    model.StageStatus
	Attempts  int
	Progress  float64 // 0..1 within this stage
	Message   string
	Error     string
}

// ExecutionState is the snapshot the Scheduler hands to progress observers
// (spec §4.5). It is built from the in-memory StageSnapshots the Scheduler
// records as it persists each stage transition, and is never written back
// to the store: resume after a crash relies on the StageRecord rows alone
// (spec §4.6).
type ExecutionState struct {
	ProjectID    string
	Stages       []StageSnapshot
	OverallPct   float64
	GeneratedAt  time.Time
}

func computeOverallProgress(snaps []StageSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		switch s.Status {
		case model.StageCompleted, model.StageSkipped:
			sum += 1
		case model.StageFailed, model.StageCancelled:
			sum += 1
		case model.StageRunning:
			sum += clamp01(s.Progress)
		}
	}
	return clamp01(sum / float64(len(snaps)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
