// Package snapshot captures a point-in-time view of a query cache for
// introspection tooling (devtools bridges, debug dumps). A snapshot is
// state transfer, not persistence: cached data keeps no identity across a
// decode, and the engine never reads snapshots back into a live cache.
package snapshot

import (
	"sort"
	"time"

	"github.com/requery-go/requery"
	"github.com/requery-go/requery/codec"
	"github.com/requery-go/requery/keycodec"
)

// Entry mirrors one query's externally visible state.
type Entry struct {
	Hash           string              `json:"hash"`
	Key            keycodec.Key        `json:"key"`
	Status         requery.Status      `json:"status"`
	FetchStatus    requery.FetchStatus `json:"fetchStatus"`
	DataUpdatedAt  time.Time           `json:"dataUpdatedAt"`
	ErrorUpdatedAt time.Time           `json:"errorUpdatedAt"`
	FailureCount   int                 `json:"failureCount"`
	Invalidated    bool                `json:"invalidated"`
	Observers      int                 `json:"observers"`
	Data           any                 `json:"data,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Snapshot is one capture of a whole cache, entries ordered by hash so two
// captures of identical state encode identically under a deterministic
// codec.
type Snapshot struct {
	CapturedAt time.Time `json:"capturedAt"`
	Entries    []Entry   `json:"entries"`
}

// Capture reads every entry of the cache.
func Capture(c *requery.Cache) Snapshot {
	queries := c.FindAll(requery.QueryFilters{})
	snap := Snapshot{
		CapturedAt: time.Now(),
		Entries:    make([]Entry, 0, len(queries)),
	}
	for _, q := range queries {
		s := q.State()
		e := Entry{
			Hash:           q.Hash(),
			Key:            q.Key(),
			Status:         s.Status,
			FetchStatus:    s.FetchStatus,
			DataUpdatedAt:  s.DataUpdatedAt,
			ErrorUpdatedAt: s.ErrorUpdatedAt,
			FailureCount:   s.FailureCount,
			Invalidated:    s.Invalidated,
			Observers:      q.ObserverCount(),
			Data:           s.Data,
		}
		if s.Error != nil {
			e.Error = s.Error.Error()
		}
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Hash < snap.Entries[j].Hash
	})
	return snap
}

// Encode serializes a snapshot with the given codec.
func Encode(s Snapshot, c codec.Codec[Snapshot]) ([]byte, error) {
	return c.Encode(s)
}

// Decode deserializes a snapshot with the given codec.
func Decode(b []byte, c codec.Codec[Snapshot]) (Snapshot, error) {
	return c.Decode(b)
}
