package requery

import (
	"sync"
	"time"

	"github.com/requery-go/requery/clock"
)

// MutationEvent is delivered to MutationCache.Subscribe listeners.
type MutationEvent struct {
	Type     EventType
	Mutation *Mutation
}

// MutationFilters select mutations for FindAll scans. Zero fields match
// everything.
type MutationFilters struct {
	Status    Status
	Paused    *bool
	Predicate func(*Mutation) bool
}

// MutationCacheOptions configure a MutationCache.
type MutationCacheOptions struct {
	// GCTime retains settled mutations for introspection before removal.
	// 0 => DefaultGCTime; GCNever keeps them until Clear.
	GCTime time.Duration
}

// MutationCache aggregates independent mutation invocations: it hands out
// identifiers, exposes them for introspection and resumes the ones parked
// while offline. Cache effects (optimistic writes, invalidation) go through
// the bound query cache.
type MutationCache struct {
	queries *Cache
	log     Logger
	clk     clock.Clock
	gcTime  time.Duration

	mu        sync.Mutex
	mutations map[int]*Mutation
	nextID    int
	offline   bool
	gcTimers  map[int]clock.Timer

	listeners *listenerSet[MutationEvent]
}

// NewMutationCache binds a mutation cache to the query cache its mutations
// act on. Logger and clock are shared with the query cache.
func NewMutationCache(queries *Cache, opts MutationCacheOptions) *MutationCache {
	mc := &MutationCache{
		queries:   queries,
		log:       queries.log,
		clk:       queries.clock,
		gcTime:    coalesce(opts.GCTime, DefaultGCTime),
		mutations: make(map[int]*Mutation),
		gcTimers:  make(map[int]clock.Timer),
	}
	mc.listeners = newListenerSet[MutationEvent](mc.log)
	return mc
}

// Build registers a fresh mutation instance for one Execute call.
func (mc *MutationCache) Build(opts MutationOptions) *Mutation {
	mc.mu.Lock()
	mc.nextID++
	m := &Mutation{
		id:    mc.nextID,
		cache: mc,
		opts:  opts,
		state: MutationState{Status: StatusIdle},
	}
	mc.mutations[m.id] = m
	mc.mu.Unlock()
	mc.publish(EventAdded, m)
	return m
}

// Remove deregisters a mutation and clears its GC timer.
func (mc *MutationCache) Remove(m *Mutation) {
	mc.mu.Lock()
	if cur, ok := mc.mutations[m.id]; !ok || cur != m {
		mc.mu.Unlock()
		return
	}
	delete(mc.mutations, m.id)
	if t, ok := mc.gcTimers[m.id]; ok {
		t.Stop()
		delete(mc.gcTimers, m.id)
	}
	mc.mu.Unlock()
	mc.publish(EventRemoved, m)
}

// FindAll returns every mutation matching the filters.
func (mc *MutationCache) FindAll(filters MutationFilters) []*Mutation {
	mc.mu.Lock()
	all := make([]*Mutation, 0, len(mc.mutations))
	for _, m := range mc.mutations {
		all = append(all, m)
	}
	mc.mu.Unlock()

	var out []*Mutation
	for _, m := range all {
		s := m.State()
		if filters.Status != "" && s.Status != filters.Status {
			continue
		}
		if filters.Paused != nil && s.Paused != *filters.Paused {
			continue
		}
		if filters.Predicate != nil && !filters.Predicate(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SetOnline flips offline awareness. While offline, executing mutations
// park as paused instead of calling their function. Going online does not
// resume them; call ResumePausedMutations, typically from a connectivity
// listener.
func (mc *MutationCache) SetOnline(online bool) {
	mc.mu.Lock()
	mc.offline = !online
	mc.mu.Unlock()
}

// Online reports the current connectivity assumption.
func (mc *MutationCache) Online() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return !mc.offline
}

// ResumePausedMutations wakes every parked mutation.
func (mc *MutationCache) ResumePausedMutations() {
	paused := true
	for _, m := range mc.FindAll(MutationFilters{Paused: &paused}) {
		m.resumeNow()
	}
}

// Subscribe registers a bus listener and returns its disposer.
func (mc *MutationCache) Subscribe(fn func(MutationEvent)) func() {
	return mc.listeners.subscribe(fn)
}

func (mc *MutationCache) publish(t EventType, m *Mutation) {
	mc.listeners.notify(MutationEvent{Type: t, Mutation: m})
}

// Clear removes every mutation.
func (mc *MutationCache) Clear() {
	mc.mu.Lock()
	all := make([]*Mutation, 0, len(mc.mutations))
	for _, m := range mc.mutations {
		all = append(all, m)
	}
	mc.mu.Unlock()
	for _, m := range all {
		m.resumeNow()
		mc.Remove(m)
	}
}

// scheduleGC retains a settled mutation briefly for introspection, then
// removes it.
func (mc *MutationCache) scheduleGC(m *Mutation) {
	gc := m.opts.GCTime
	if gc == 0 {
		gc = mc.gcTime
	}
	if gc == GCNever {
		return
	}
	mc.mu.Lock()
	if t, ok := mc.gcTimers[m.id]; ok {
		t.Stop()
	}
	mc.gcTimers[m.id] = mc.clk.AfterFunc(gc, func() { mc.Remove(m) })
	mc.mu.Unlock()
}
