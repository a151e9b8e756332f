package types

import (
	"sort"
	"strings"
)

// keySep separates the parts of a composite key.
const keySep = "\x1f"

// TupleKey builds the set key of row's values for cols.
// ok is false when any part is null, since SQL never matches null keys.
func TupleKey(row Row, cols []string) (key string, ok bool) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, present := row[c]
		if !present || v == nil {
			return "", false
		}
		parts[i] = KeyString(v)
	}
	return strings.Join(parts, keySep), true
}

// SplitKey returns the parts of a key built by TupleKey.
func SplitKey(key string) []string {
	return strings.Split(key, keySep)
}

// DisplayKey renders a key for reports: composite parts are joined with '|'.
func DisplayKey(key string) string {
	return strings.ReplaceAll(key, keySep, "|")
}

// KeySet is a set of normalized key tuples.
type KeySet map[string]struct{}

// NewKeySet builds the key set of rows over cols, skipping null tuples.
func NewKeySet(rows []Row, cols []string) KeySet {
	ks := make(KeySet, len(rows))
	for _, r := range rows {
		if k, ok := TupleKey(r, cols); ok {
			ks[k] = struct{}{}
		}
	}
	return ks
}

// Add inserts a key.
func (ks KeySet) Add(key string) {
	ks[key] = struct{}{}
}

// Has reports membership.
func (ks KeySet) Has(key string) bool {
	_, ok := ks[key]
	return ok
}

// Sorted returns the keys in lexical order.
func (ks KeySet) Sorted() []string {
	out := make([]string, 0, len(ks))
	for k := range ks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Difference returns the keys of ks that are not in other.
func (ks KeySet) Difference(other KeySet) KeySet {
	out := make(KeySet)
	for k := range ks {
		if !other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}
