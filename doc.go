// Package requery implements a client-side asynchronous data cache and
// reactivity engine. Callers supply opaque fetch/mutate functions keyed by
// structured identifiers; the engine tracks in-flight and settled results,
// de-duplicates concurrent requests per key, preserves referential stability
// of unchanged data (structural sharing), retries transient failures with
// exponential backoff, garbage-collects unused entries and notifies
// subscribed observers on every state transition.
//
// Components:
//   - Cache: registry of Query entries, GC scheduling, cache-wide event bus.
//   - Query: per-key state machine with a generation counter; completions
//     from superseded fetches are discarded, never applied.
//   - Observer[T] / InfiniteObserver[T]: consumer bindings computing the
//     derived UI-facing result and driving the fetch lifecycle.
//   - MutationCache / Mutation: independent write invocations with
//     optimistic cache updates reverted by invalidation on failure.
//
// The engine performs no network I/O itself and persists nothing across
// process restarts. A process may own any number of independent Cache
// instances; there is no package-level shared state.
//
// Lifecycle pattern:
//
//	cache := requery.NewCache(requery.CacheOptions{})
//	obs := requery.NewObserver[[]User](cache, requery.ObserverOptions[[]User]{
//		Key:   keycodec.Key{"users", map[string]any{"active": true}},
//		Fetch: fetchActiveUsers, // wraps e.g. a PostgREST query
//	})
//	stop := obs.Subscribe(func(r requery.Result[[]User]) { render(r) })
//	defer stop()
package requery
