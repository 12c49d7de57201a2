// Package arbiter implements the Resource Arbiter (C4): all-or-nothing
// acquisition of named, counted resources shared across concurrently
// running stages, with deadlock avoidance via canonical lock ordering
// (spec §4.4, §5).
package arbiter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

type resource struct {
	capacity int64
	sem      *semaphore.Weighted
}

// Pool is the process-wide set of named resources stages contend over
// (e.g. "gpu", "tts_api_slot", "ffmpeg_worker"). The pool is fixed at
// construction time (spec §4.4: resources are declared up front, not
// created on demand).
type Pool struct {
	mu        sync.Mutex
	resources map[string]*resource

	waitMu sync.Mutex
	waitsFor map[int64]map[string]bool // leaseID -> set of resource names it is blocked on
	holds    map[int64]map[string]bool // leaseID -> set of resource names it currently holds
	nextID   int64
}

// NewPool constructs a Pool from a name->capacity map (spec §6.5
// resource_pool).
func NewPool(capacities map[string]int) *Pool {
	p := &Pool{
		resources: make(map[string]*resource, len(capacities)),
		waitsFor:  make(map[int64]map[string]bool),
		holds:     make(map[int64]map[string]bool),
	}
	for name, cap := range capacities {
		p.resources[name] = &resource{capacity: int64(cap), sem: semaphore.NewWeighted(int64(cap))}
	}
	return p
}

// Lease represents a held, all-or-nothing acquisition across one or more
// resources. Release must be called exactly once.
type Lease struct {
	id   int64
	pool *Pool
	held map[string]int64 // resource -> amount currently held
	order []string        // resource names in canonical acquisition order
}

// Acquire blocks until every resource in reqs is available, or ctx is
// canceled, or the request is structurally infeasible or would deadlock.
// Resources are always locked in canonical (lexicographic) name order
// regardless of the order they appear in reqs, which is what makes
// concurrent Acquire calls safe from circular-wait deadlock (spec §5).
func (p *Pool) Acquire(ctx context.Context, reqs map[string]int64) (*Lease, error) {
	if len(reqs) == 0 {
		return &Lease{id: p.newLeaseID(), pool: p, held: map[string]int64{}}, nil
	}

	names := make([]string, 0, len(reqs))
	for name, amt := range reqs {
		res, ok := p.resources[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
		}
		if amt > res.capacity {
			return nil, fmt.Errorf("%w: resource %q requests %d but capacity is %d", ErrInfeasible, name, amt, res.capacity)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	id := p.newLeaseID()
	lease := &Lease{id: id, pool: p, held: make(map[string]int64, len(names)), order: names}

	// Resources are acquired one at a time, in canonical order, so the
	// cycle check below runs against this lease's actually-held set at
	// each step rather than a set that hasn't been acquired yet — a lease
	// holding nothing cannot be part of a wait-for cycle, so the check is
	// only meaningful once a lease already holds something and is about
	// to block on more (spec §4.4, §5).
	for _, name := range names {
		amt := reqs[name]

		p.markWaiting(id, name)
		if p.wouldDeadlock(id, name) {
			p.clearWaiting(id)
			p.releaseHeld(lease)
			return nil, ErrDeadlock
		}

		err := p.resources[name].sem.Acquire(ctx, amt)
		p.clearWaiting(id)
		if err != nil {
			p.releaseHeld(lease)
			return nil, err
		}
		p.markHeld(id, name)
		lease.held[name] = amt
	}
	return lease, nil
}

// Release gives back every resource the lease holds. Safe to call once;
// a second call is a no-op.
func (l *Lease) Release() {
	if l == nil || len(l.held) == 0 {
		return
	}
	l.pool.releaseHeld(l)
}

func (p *Pool) releaseHeld(l *Lease) {
	for _, name := range l.order {
		amt, ok := l.held[name]
		if !ok {
			continue
		}
		p.resources[name].sem.Release(amt)
		delete(l.held, name)
	}
	p.clearHeld(l.id)
}

func (p *Pool) newLeaseID() int64 {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	p.nextID++
	return p.nextID
}

func (p *Pool) markWaiting(id int64, name string) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	p.waitsFor[id] = map[string]bool{name: true}
}

func (p *Pool) clearWaiting(id int64) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	delete(p.waitsFor, id)
}

func (p *Pool) markHeld(id int64, name string) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	set, ok := p.holds[id]
	if !ok {
		set = make(map[string]bool)
		p.holds[id] = set
	}
	set[name] = true
}

func (p *Pool) clearHeld(id int64) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	delete(p.holds, id)
}

// wouldDeadlock walks the wait-for graph: lease id already holds mine and
// is about to wait on name. If any lease currently holding name is itself
// (transitively) waiting on a resource id already holds, granting this
// request would close a cycle. Canonical lock ordering prevents this in
// practice — a lease can only ever wait on a resource that sorts after
// everything it already holds, which rules out circular wait by
// construction — so this check is unreachable via Acquire under correct
// concurrent use; it exists as a second line of defense against that
// invariant ever being violated (a future caller bypassing Acquire's
// ordering, a bug in the sort) and surfaces ErrDeadlock instead of hanging
// (spec §4.4, §8). See TestWouldDeadlockDetectsCycle for a white-box proof
// the algorithm itself is correct.
func (p *Pool) wouldDeadlock(id int64, name string) bool {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()

	mine := p.holds[id]
	if len(mine) == 0 {
		return false
	}

	visited := map[int64]bool{id: true}
	var queue []int64
	for otherID, heldSet := range p.holds {
		if otherID == id {
			continue
		}
		if heldSet[name] {
			queue = append(queue, otherID)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		waitSet := p.waitsFor[cur]
		for resName := range waitSet {
			if mine[resName] {
				return true
			}
			for otherID, heldSet := range p.holds {
				if otherID == cur || visited[otherID] {
					continue
				}
				if heldSet[resName] {
					queue = append(queue, otherID)
				}
			}
		}
	}
	return false
}
