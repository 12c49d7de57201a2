package planner

import "errors"

// Error taxonomy for the Dependency Planner (spec §4.3, §7).
var (
	ErrDuplicateStage = errors.New("planner: duplicate stage name")
	ErrUnknownDep     = errors.New("planner: stage depends on unknown stage")
	ErrCycle          = errors.New("planner: dependency cycle detected")
	ErrEmptyPlan      = errors.New("planner: no stages supplied")
)
