package scheduler

import "errors"

// Error taxonomy for the Scheduler/Engine (spec §4.5, §7).
var (
	ErrCancelled       = errors.New("scheduler: execution cancelled")
	ErrStageTimeout    = errors.New("scheduler: stage exceeded its timeout")
	ErrStageFailed     = errors.New("scheduler: stage failed")
	ErrUnknownStage    = errors.New("scheduler: no processor registered for stage")
	ErrAlreadyRunning  = errors.New("scheduler: project execution already in progress")
)
