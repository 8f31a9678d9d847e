package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// Policy decides which of two conflicting map entries survives a merge.
// Implementations are zero-size tag types so the rule is part of the map's
// type.
type Policy interface {
	FWW | LWW
	// Replace reports whether the incoming entry beats the current one.
	// order is cmp.Compare(incoming value, current value).
	Replace(written, incoming Timestamp, order int) bool
	kind() Kind
}

// FWW keeps the earliest write; ties go to the smaller value
type FWW struct{}

// Replace implements Policy
func (FWW) Replace(written, incoming Timestamp, order int) bool {
	if incoming != written {
		return incoming < written
	}
	return order < 0
}

func (FWW) kind() Kind { return KindFWWMap }

// LWW keeps the latest write; ties go to the larger value
type LWW struct{}

// Replace implements Policy
func (LWW) Replace(written, incoming Timestamp, order int) bool {
	if incoming != written {
		return incoming > written
	}
	return order > 0
}

func (LWW) kind() Kind { return KindLWWMap }

type mapEntry[V cmp.Ordered] struct {
	value   V
	written Timestamp
}

// CrdtMap maps keys to timestamped values. Concurrent writes to the same key
// are resolved by the policy P.
type CrdtMap[K cmp.Ordered, V cmp.Ordered, P Policy] struct {
	entries map[K]mapEntry[V]
}

// NewCrdtMap creates an empty map
func NewCrdtMap[K cmp.Ordered, V cmp.Ordered, P Policy]() *CrdtMap[K, V, P] {
	return &CrdtMap[K, V, P]{entries: make(map[K]mapEntry[V])}
}

// NewFWWMap creates an empty first-writer-wins map
func NewFWWMap[K cmp.Ordered, V cmp.Ordered]() *CrdtMap[K, V, FWW] {
	return NewCrdtMap[K, V, FWW]()
}

// NewLWWMap creates an empty last-writer-wins map
func NewLWWMap[K cmp.Ordered, V cmp.Ordered]() *CrdtMap[K, V, LWW] {
	return NewCrdtMap[K, V, LWW]()
}

// Insert records a local write. A replica's own writes are ordered, so the
// new entry always replaces the old one.
func (m *CrdtMap[K, V, P]) Insert(key K, value V, now Timestamp) {
	if m.entries == nil {
		m.entries = make(map[K]mapEntry[V])
	}
	m.entries[key] = mapEntry[V]{value: value, written: now}
}

// Get returns the value stored for key
func (m *CrdtMap[K, V, P]) Get(key K) (V, bool) {
	e, ok := m.entries[key]
	return e.value, ok
}

// Written returns the write time stored for key
func (m *CrdtMap[K, V, P]) Written(key K) (Timestamp, bool) {
	e, ok := m.entries[key]
	return e.written, ok
}

// ContainsKey checks if key is present
func (m *CrdtMap[K, V, P]) ContainsKey(key K) bool {
	_, ok := m.entries[key]
	return ok
}

// Keys returns the keys in ascending order
func (m *CrdtMap[K, V, P]) Keys() []K {
	out := make([]K, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Merge folds other into m, resolving conflicts with P
func (m *CrdtMap[K, V, P]) Merge(other *CrdtMap[K, V, P]) error {
	if other == nil {
		return nil
	}
	var p P
	for k, in := range other.entries {
		cur, ok := m.entries[k]
		if !ok {
			m.Insert(k, in.value, in.written)
			continue
		}
		if p.Replace(cur.written, in.written, cmp.Compare(in.value, cur.value)) {
			m.entries[k] = in
		}
	}
	return nil
}

// Cleanup does nothing; map entries do not expire.
func (m *CrdtMap[K, V, P]) Cleanup(now Timestamp) {}

// Kind implements Container
func (m *CrdtMap[K, V, P]) Kind() Kind {
	var p P
	return p.kind()
}

// Len returns the number of keys
func (m *CrdtMap[K, V, P]) Len() int { return len(m.entries) }

// MapEntry is one key of a CrdtMap snapshot
type MapEntry[K cmp.Ordered, V cmp.Ordered] struct {
	Key     K         `json:"key"`
	Value   V         `json:"value"`
	Written Timestamp `json:"written"`
}

// MapSnapshot is the serialisable state of a CrdtMap
type MapSnapshot[K cmp.Ordered, V cmp.Ordered] struct {
	Entries []MapEntry[K, V] `json:"entries"`
}

// Snapshot returns the map's state sorted by key
func (m *CrdtMap[K, V, P]) Snapshot() MapSnapshot[K, V] {
	entries := make([]MapEntry[K, V], 0, len(m.entries))
	for _, k := range m.Keys() {
		e := m.entries[k]
		entries = append(entries, MapEntry[K, V]{Key: k, Value: e.value, Written: e.written})
	}
	return MapSnapshot[K, V]{Entries: entries}
}

// RestoreCrdtMap rebuilds a map from a snapshot. Duplicate keys are
// resolved with P.
func RestoreCrdtMap[K cmp.Ordered, V cmp.Ordered, P Policy](snap MapSnapshot[K, V]) *CrdtMap[K, V, P] {
	m := NewCrdtMap[K, V, P]()
	var p P
	for _, e := range snap.Entries {
		cur, ok := m.entries[e.Key]
		if ok && !p.Replace(cur.written, e.Written, cmp.Compare(e.Value, cur.value)) {
			continue
		}
		m.entries[e.Key] = mapEntry[V]{value: e.Value, written: e.Written}
	}
	return m
}

// MarshalSnapshot implements Container
func (m *CrdtMap[K, V, P]) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// MergeSnapshot implements Container
func (m *CrdtMap[K, V, P]) MergeSnapshot(data []byte) error {
	var snap MapSnapshot[K, V]
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return m.Merge(RestoreCrdtMap[K, V, P](snap))
}
