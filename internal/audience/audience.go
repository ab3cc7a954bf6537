// Package audience groups broadcast recipients by key (typically org unit).
package audience

import (
	"cmp"
	"iter"
	"slices"
)

// Map groups a set of values under each key.
type Map[K comparable, V comparable] map[K]map[V]struct{}

// Merge adds every key/value pair of item into acc and returns acc.
// A nil acc is allocated.
func Merge[K comparable, V comparable](acc Map[K, V], item map[K]V) Map[K, V] {
	if acc == nil {
		acc = Map[K, V]{}
	}
	for k, v := range item {
		set, ok := acc[k]
		if !ok {
			set = map[V]struct{}{}
			acc[k] = set
		}
		set[v] = struct{}{}
	}
	return acc
}

// Fold merges every partial map from seq into a fresh Map. The result is
// only returned once seq is exhausted.
func Fold[K comparable, V comparable](seq iter.Seq[map[K]V]) Map[K, V] {
	acc := Map[K, V]{}
	for item := range seq {
		acc = Merge(acc, item)
	}
	return acc
}

// Values returns the values under key in sorted order.
func Values[K comparable, V cmp.Ordered](m Map[K, V], key K) []V {
	set := m[key]
	out := make([]V, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Keys returns the map's keys in sorted order.
func Keys[K cmp.Ordered, V comparable](m Map[K, V]) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
