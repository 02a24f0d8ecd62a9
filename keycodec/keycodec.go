// Package keycodec hashes and matches structured query keys.
//
// A Key is an ordered sequence of JSON-like values: strings, numbers, bools,
// plain records (map[string]any) and nested sequences. Two keys are
// equivalent when deep-equal regardless of record property order; Hash is
// stable under that equivalence, so a cache can use it as the registry key.
package keycodec

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// Key identifies one cached query.
type Key []any

// Canonical byte form: RFC 8949 core deterministic CBOR sorts record keys,
// which is what makes Hash insertion-order independent.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("keycodec: cbor enc mode: %v", err))
	}
	encMode = em
}

// Hash returns a stable identifier for key. Equivalent keys (deep-equal
// modulo record key order) always hash identically.
func Hash(key Key) string {
	b, err := encMode.Marshal([]any(key))
	if err != nil {
		// unencodable element (func, chan, ...); degrade to a formatted
		// rendering so the key is still usable, if order-sensitive
		b = []byte(fmt.Sprintf("%#v", []any(key)))
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// Equal reports whether two keys are equivalent.
func Equal(a, b Key) bool {
	if len(a) != len(b) {
		return false
	}
	return Hash(a) == Hash(b)
}

// Matches reports whether key satisfies filter. With exact set, the keys
// must be fully equivalent. Otherwise filter must be an ordered prefix of
// key, where record-valued elements match structurally: every entry of the
// filter record must be present and matching in the key record, recursively.
func Matches(key, filter Key, exact bool) bool {
	if exact {
		return Equal(key, filter)
	}
	if len(filter) > len(key) {
		return false
	}
	for i := range filter {
		if !partialMatch(key[i], filter[i]) {
			return false
		}
	}
	return true
}

func partialMatch(have, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		h, ok := have.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			hv, ok := h[k]
			if !ok || !partialMatch(hv, wv) {
				return false
			}
		}
		return true
	case []any:
		h, ok := have.([]any)
		if !ok || len(w) > len(h) {
			return false
		}
		for i := range w {
			if !partialMatch(h[i], w[i]) {
				return false
			}
		}
		return true
	default:
		return leafEqual(have, want)
	}
}

func leafEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	// records and sequences never reach here; leaves are comparable
	// primitives, compared through the same canonical encoding as Hash so
	// numeric representation quirks stay consistent with key equivalence
	ab, aerr := encMode.Marshal(a)
	bb, berr := encMode.Marshal(b)
	if aerr != nil || berr != nil {
		return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
	}
	return string(ab) == string(bb)
}
