package snapshot

import (
	"bytes"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/requery-go/requery"
	"github.com/requery-go/requery/codec"
	"github.com/requery-go/requery/keycodec"
)

func seededCache(t *testing.T) *requery.Cache {
	t.Helper()
	c := requery.NewCache(requery.CacheOptions{})
	t.Cleanup(c.Close)
	c.SetQueryData(keycodec.Key{"todos"}, []string{"a", "b"})
	c.SetQueryData(keycodec.Key{"users", 1}, map[string]any{"name": "alice"})
	return c
}

func TestCaptureSortsByHash(t *testing.T) {
	c := seededCache(t)

	snap := Capture(c)
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(snap.Entries))
	}
	if !sort.SliceIsSorted(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Hash < snap.Entries[j].Hash
	}) {
		t.Fatal("entries not sorted by hash")
	}
	for _, e := range snap.Entries {
		if e.Status != requery.StatusSuccess {
			t.Fatalf("entry %s status = %s, want success", e.Hash, e.Status)
		}
		if e.Data == nil {
			t.Fatalf("entry %s lost its data", e.Hash)
		}
	}
}

func TestCaptureRecordsError(t *testing.T) {
	c := requery.NewCache(requery.CacheOptions{})
	t.Cleanup(c.Close)
	q := c.Build(requery.QueryOptions{Key: keycodec.Key{"broken"}})
	q.SetState(func(s *requery.QueryState) {
		s.Status = requery.StatusError
		s.Error = errors.New("fetch failed")
	})

	snap := Capture(c)
	if len(snap.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(snap.Entries))
	}
	if snap.Entries[0].Error != "fetch failed" {
		t.Fatalf("Error = %q, want fetch failed", snap.Entries[0].Error)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := Capture(seededCache(t))

	codecs := map[string]codec.Codec[Snapshot]{
		"json":    codec.JSON[Snapshot]{},
		"msgpack": codec.Msgpack[Snapshot]{},
	}
	for name, cd := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := Encode(snap, cd)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(b, cd)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got.Entries) != len(snap.Entries) {
				t.Fatalf("entries = %d, want %d", len(got.Entries), len(snap.Entries))
			}
			for i := range got.Entries {
				if got.Entries[i].Hash != snap.Entries[i].Hash {
					t.Fatalf("entry %d hash = %s, want %s", i, got.Entries[i].Hash, snap.Entries[i].Hash)
				}
				if got.Entries[i].Status != snap.Entries[i].Status {
					t.Fatalf("entry %d status = %s, want %s", i, got.Entries[i].Status, snap.Entries[i].Status)
				}
			}
		})
	}
}

func TestDeterministicCBOREncoding(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	build := func() Snapshot {
		return Snapshot{
			CapturedAt: at,
			Entries: []Entry{{
				Hash:   "abc",
				Key:    keycodec.Key{"todos"},
				Status: requery.StatusSuccess,
				Data:   map[string]any{"b": 2, "a": 1},
			}},
		}
	}

	cd := codec.MustCBOR[Snapshot](true)
	first, err := cd.Encode(build())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := cd.Encode(build())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("deterministic encodings of equal snapshots differ")
	}
}

func TestDecodeLimit(t *testing.T) {
	snap := Capture(seededCache(t))
	limited := codec.Limit[Snapshot]{Inner: codec.JSON[Snapshot]{}, MaxDecode: 16}

	b, err := Encode(snap, limited)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) <= limited.MaxDecode {
		t.Fatalf("test payload too small to exercise the limit: %d bytes", len(b))
	}
	if _, err := Decode(b, limited); err == nil {
		t.Fatal("oversized payload must be rejected")
	}
}
