// Package detenc provides the deterministic-encoding discipline shared by
// state.State.AppHash and the vote digests in internal/engine: normalize
// Go maps into key-sorted slices before marshaling, so the byte stream (and
// any hash over it) never depends on map iteration order.
package detenc

import (
	"encoding/json"
	"sort"
)

// SortedUint64Map returns the entries of m ordered by key, for use in a
// struct that will be marshaled and hashed.
func SortedUint64Map(m map[string]uint64) []KV {
	out := make([]KV, 0, len(m))
	for k, v := range m {
		out = append(out, KV{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type KV struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

// Marshal is the canonical byte encoding used before hashing: plain JSON
// over an already-normalized (map-free) value. JSON over a pre-sorted
// structure gives a deterministic byte stream without a bespoke binary
// codec, matching how state.State.AppHash already normalizes maps before
// JSON-marshaling them.
func Marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
