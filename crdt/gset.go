package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// GrowOnlySet is a set whose elements are never removed
type GrowOnlySet[T cmp.Ordered] struct {
	members map[T]struct{}
}

// NewGrowOnlySet creates an empty set
func NewGrowOnlySet[T cmp.Ordered]() *GrowOnlySet[T] {
	return &GrowOnlySet[T]{members: make(map[T]struct{})}
}

// Insert adds value to the set
func (s *GrowOnlySet[T]) Insert(value T) {
	if s.members == nil {
		s.members = make(map[T]struct{})
	}
	s.members[value] = struct{}{}
}

// Contains checks if value is in the set
func (s *GrowOnlySet[T]) Contains(value T) bool {
	_, ok := s.members[value]
	return ok
}

// Members returns the elements in ascending order
func (s *GrowOnlySet[T]) Members() []T {
	out := make([]T, 0, len(s.members))
	for v := range s.members {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Merge adds every element of other
func (s *GrowOnlySet[T]) Merge(other *GrowOnlySet[T]) error {
	if other == nil {
		return nil
	}
	for v := range other.members {
		s.Insert(v)
	}
	return nil
}

// Cleanup does nothing; a grow-only set never drops elements.
func (s *GrowOnlySet[T]) Cleanup(now Timestamp) {}

// Kind implements Container
func (s *GrowOnlySet[T]) Kind() Kind { return KindGrowOnlySet }

// Len returns the number of elements
func (s *GrowOnlySet[T]) Len() int { return len(s.members) }

// GrowOnlySetSnapshot is the serialisable state of a GrowOnlySet
type GrowOnlySetSnapshot[T cmp.Ordered] struct {
	Members []T `json:"members"`
}

// Snapshot returns the set's state
func (s *GrowOnlySet[T]) Snapshot() GrowOnlySetSnapshot[T] {
	return GrowOnlySetSnapshot[T]{Members: s.Members()}
}

// RestoreGrowOnlySet rebuilds a set from a snapshot
func RestoreGrowOnlySet[T cmp.Ordered](snap GrowOnlySetSnapshot[T]) *GrowOnlySet[T] {
	s := NewGrowOnlySet[T]()
	for _, v := range snap.Members {
		s.Insert(v)
	}
	return s
}

// MarshalSnapshot implements Container
func (s *GrowOnlySet[T]) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// MergeSnapshot implements Container
func (s *GrowOnlySet[T]) MergeSnapshot(data []byte) error {
	var snap GrowOnlySetSnapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s.Merge(RestoreGrowOnlySet(snap))
}
