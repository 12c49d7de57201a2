// Package planner implements the Dependency Planner (C3): it turns a flat
// set of stage definitions into a validated, phased execution plan (spec
// §4.3).
package planner

import (
	"fmt"
	"sort"
)

// StageDef is one node of the dependency graph as supplied by the caller
// before planning (spec §4.3).
type StageDef struct {
	Name              string
	DependsOn         []string
	EstimatedSeconds  float64
	Resources         []string // resource names this stage will need from the Arbiter (spec §4.4)
	Priority          int      // higher runs first within a phase; ties break lexicographically (spec §4.3)
}

// Phase is a set of stage names that have no dependency on one another and
// so may run concurrently (bounded by the Scheduler's concurrency limit).
type Phase struct {
	Index  int
	Stages []string
}

// ExecutionPlan is the Planner's output: stages partitioned into ordered
// phases, plus the metadata the Scheduler and Arbiter need (spec §4.3).
type ExecutionPlan struct {
	Phases      []Phase
	stagesByName map[string]StageDef
	order        []string // topological order, lexicographically tie-broken
}

// Order returns the full topological ordering (flattened across phases).
func (p *ExecutionPlan) Order() []string { return p.order }

// Stage looks up a stage definition by name.
func (p *ExecutionPlan) Stage(name string) (StageDef, bool) {
	s, ok := p.stagesByName[name]
	return s, ok
}

// Dependents returns the stages that directly depend on name.
func (p *ExecutionPlan) Dependents(name string) []string {
	var out []string
	for _, s := range p.stagesByName {
		for _, dep := range s.DependsOn {
			if dep == name {
				out = append(out, s.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// EstimateTotalTime sums the slowest stage's EstimatedSeconds within each
// phase: an optimistic parallel bound assuming every stage in a phase
// starts the instant the phase opens (spec §4.3). This matches how the
// Scheduler actually runs a plan — a phase is a hard barrier, so the next
// phase can't begin until every stage in the current one reaches a
// terminal state (spec §5c) — so the wall-clock floor for a phase is its
// single slowest stage, not any one cross-phase dependency chain.
func (p *ExecutionPlan) EstimateTotalTime() float64 {
	var total float64
	for _, phase := range p.Phases {
		var phaseMax float64
		for _, name := range phase.Stages {
			if s := p.stagesByName[name].EstimatedSeconds; s > phaseMax {
				phaseMax = s
			}
		}
		total += phaseMax
	}
	return total
}

// RequiredResources returns the de-duplicated, sorted union of every
// resource name any stage in the plan will request from the Arbiter.
func (p *ExecutionPlan) RequiredResources() []string {
	seen := map[string]bool{}
	for _, s := range p.stagesByName {
		for _, r := range s.Resources {
			seen[r] = true
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Build validates defs and produces an ExecutionPlan. It rejects duplicate
// stage names, dependencies on stages that don't exist, and dependency
// cycles (spec §4.3, §8). Topological layering uses Kahn's algorithm;
// within a layer, stages are ordered by descending Priority, ties broken
// lexicographically by name, so the same input always yields the same plan
// and dispatch order (spec §4.3, §4.5 step 2c, §8: determinism).
func Build(defs []StageDef) (*ExecutionPlan, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyPlan
	}

	byName := make(map[string]StageDef, len(defs))
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStage, d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on %q", ErrUnknownDep, d.Name, dep)
			}
		}
	}

	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, d := range defs {
		indegree[d.Name] = len(d.DependsOn)
		for _, dep := range d.DependsOn {
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	var phases []Phase
	var flatOrder []string
	remaining := len(defs)
	phaseIdx := 0
	for remaining > 0 {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w: involving %v", ErrCycle, remainingNames(indegree))
		}
		sort.Slice(ready, func(i, j int) bool {
			pi, pj := byName[ready[i]].Priority, byName[ready[j]].Priority
			if pi != pj {
				return pi > pj
			}
			return ready[i] < ready[j]
		})

		for _, name := range ready {
			delete(indegree, name)
			for _, dep := range dependents[name] {
				indegree[dep]--
			}
		}

		phases = append(phases, Phase{Index: phaseIdx, Stages: ready})
		flatOrder = append(flatOrder, ready...)
		remaining -= len(ready)
		phaseIdx++
	}

	return &ExecutionPlan{Phases: phases, stagesByName: byName, order: flatOrder}, nil
}

func remainingNames(indegree map[string]int) []string {
	out := make([]string, 0, len(indegree))
	for name := range indegree {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
