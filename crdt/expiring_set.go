package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// ExpiringSet is a set where every element carries an expiry bound. An
// element's bound only grows until Cleanup removes it.
type ExpiringSet[T cmp.Ordered] struct {
	entries map[T]Timestamp
}

// NewExpiringSet creates an empty set
func NewExpiringSet[T cmp.Ordered]() *ExpiringSet[T] {
	return &ExpiringSet[T]{entries: make(map[T]Timestamp)}
}

// Insert adds value or raises its expiry to expires
func (s *ExpiringSet[T]) Insert(value T, expires Timestamp) {
	if s.entries == nil {
		s.entries = make(map[T]Timestamp)
	}
	if cur, ok := s.entries[value]; ok && cur >= expires {
		return
	}
	s.entries[value] = expires
}

// Contains reports whether value is present. Expiry is not checked; only
// Cleanup removes elements.
func (s *ExpiringSet[T]) Contains(value T) bool {
	_, ok := s.entries[value]
	return ok
}

// Expiry returns the expiry bound of value
func (s *ExpiringSet[T]) Expiry(value T) (Timestamp, bool) {
	exp, ok := s.entries[value]
	return exp, ok
}

// Members returns the elements in ascending order
func (s *ExpiringSet[T]) Members() []T {
	out := make([]T, 0, len(s.entries))
	for v := range s.entries {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Merge takes the union with other, keeping the later bound per element
func (s *ExpiringSet[T]) Merge(other *ExpiringSet[T]) error {
	if other == nil {
		return nil
	}
	for v, exp := range other.entries {
		s.Insert(v, exp)
	}
	return nil
}

// Cleanup removes every element whose bound is at or before now
func (s *ExpiringSet[T]) Cleanup(now Timestamp) {
	for v, exp := range s.entries {
		if exp <= now {
			delete(s.entries, v)
		}
	}
}

// Kind implements Container
func (s *ExpiringSet[T]) Kind() Kind { return KindExpiringSet }

// Len returns the number of elements
func (s *ExpiringSet[T]) Len() int { return len(s.entries) }

// ExpiringEntry is one element of an ExpiringSet snapshot
type ExpiringEntry[T cmp.Ordered] struct {
	Value   T         `json:"value"`
	Expires Timestamp `json:"expires"`
}

// ExpiringSetSnapshot is the serialisable state of an ExpiringSet
type ExpiringSetSnapshot[T cmp.Ordered] struct {
	Entries []ExpiringEntry[T] `json:"entries"`
}

// Snapshot returns the set's state sorted by value
func (s *ExpiringSet[T]) Snapshot() ExpiringSetSnapshot[T] {
	entries := make([]ExpiringEntry[T], 0, len(s.entries))
	for _, v := range s.Members() {
		entries = append(entries, ExpiringEntry[T]{Value: v, Expires: s.entries[v]})
	}
	return ExpiringSetSnapshot[T]{Entries: entries}
}

// RestoreExpiringSet rebuilds a set from a snapshot
func RestoreExpiringSet[T cmp.Ordered](snap ExpiringSetSnapshot[T]) *ExpiringSet[T] {
	s := NewExpiringSet[T]()
	for _, e := range snap.Entries {
		s.Insert(e.Value, e.Expires)
	}
	return s
}

// MarshalSnapshot implements Container
func (s *ExpiringSet[T]) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// MergeSnapshot implements Container
func (s *ExpiringSet[T]) MergeSnapshot(data []byte) error {
	var snap ExpiringSetSnapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s.Merge(RestoreExpiringSet(snap))
}
