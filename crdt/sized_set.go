package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

type sizedEntry struct {
	written Timestamp
	expires Timestamp
}

// better reports whether e should replace o for the same value: the earlier
// write wins, and equal writes keep the later expiry.
func (e sizedEntry) better(o sizedEntry) bool {
	if e.written != o.written {
		return e.written < o.written
	}
	return e.expires > o.expires
}

// SizedFWWExpiringSet is an expiring set holding at most capacity elements.
// When full, elements are ranked by ascending (written, value) and the
// earliest writers are kept.
type SizedFWWExpiringSet[T cmp.Ordered] struct {
	capacity int
	entries  map[T]sizedEntry
}

// NewSizedFWWExpiringSet creates an empty set that holds at most capacity
// elements. A negative capacity is treated as zero.
func NewSizedFWWExpiringSet[T cmp.Ordered](capacity int) *SizedFWWExpiringSet[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &SizedFWWExpiringSet[T]{
		capacity: capacity,
		entries:  make(map[T]sizedEntry),
	}
}

// Capacity returns the configured maximum number of elements
func (s *SizedFWWExpiringSet[T]) Capacity() int { return s.capacity }

// Insert adds value written at now. A value already present is replaced
// only by an earlier write, or by the same write time with a later expiry.
// A new value enters a full set only by evicting a worse-ranked element.
func (s *SizedFWWExpiringSet[T]) Insert(value T, now, expires Timestamp) {
	if s.entries == nil {
		s.entries = make(map[T]sizedEntry)
	}
	candidate := sizedEntry{written: now, expires: expires}
	if cur, ok := s.entries[value]; ok {
		if candidate.better(cur) {
			s.entries[value] = candidate
		}
		return
	}
	if len(s.entries) < s.capacity {
		s.entries[value] = candidate
		return
	}
	worst, ok := s.worst()
	if !ok {
		return
	}
	if less(now, value, s.entries[worst].written, worst) {
		delete(s.entries, worst)
		s.entries[value] = candidate
	}
}

// worst returns the element ranked last under ascending (written, value)
func (s *SizedFWWExpiringSet[T]) worst() (T, bool) {
	var (
		worst T
		found bool
	)
	for v, e := range s.entries {
		if !found || less(s.entries[worst].written, worst, e.written, v) {
			worst = v
			found = true
		}
	}
	return worst, found
}

// Contains checks if value is in the set
func (s *SizedFWWExpiringSet[T]) Contains(value T) bool {
	_, ok := s.entries[value]
	return ok
}

// Members returns the elements ranked by ascending (written, value)
func (s *SizedFWWExpiringSet[T]) Members() []T {
	out := make([]T, 0, len(s.entries))
	for v := range s.entries {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int {
		ea, eb := s.entries[a], s.entries[b]
		if c := cmp.Compare(ea.written, eb.written); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}

// Merge keeps the best capacity elements of the union of s and other.
// Both sets must have the same capacity.
func (s *SizedFWWExpiringSet[T]) Merge(other *SizedFWWExpiringSet[T]) error {
	if other == nil {
		return nil
	}
	if err := s.checkCapacity(other.capacity); err != nil {
		return err
	}

	union := make(map[T]sizedEntry, len(s.entries)+len(other.entries))
	for v, e := range s.entries {
		union[v] = e
	}
	for v, e := range other.entries {
		if cur, ok := union[v]; ok && !e.better(cur) {
			continue
		}
		union[v] = e
	}
	s.entries = union
	if len(union) <= s.capacity {
		return nil
	}

	ranked := s.Members()
	for _, v := range ranked[s.capacity:] {
		delete(s.entries, v)
	}
	return nil
}

func (s *SizedFWWExpiringSet[T]) checkCapacity(capacity int) error {
	if s.capacity != capacity {
		return &MergeError{
			Kind:   KindSizedSet,
			Reason: fmt.Sprintf("capacity %d != %d", s.capacity, capacity),
		}
	}
	return nil
}

// Cleanup removes every element whose bound is at or before now
func (s *SizedFWWExpiringSet[T]) Cleanup(now Timestamp) {
	for v, e := range s.entries {
		if e.expires <= now {
			delete(s.entries, v)
		}
	}
}

// Kind implements Container
func (s *SizedFWWExpiringSet[T]) Kind() Kind { return KindSizedSet }

// Len returns the number of elements
func (s *SizedFWWExpiringSet[T]) Len() int { return len(s.entries) }

// SizedEntry is one element of a SizedFWWExpiringSet snapshot
type SizedEntry[T cmp.Ordered] struct {
	Value   T         `json:"value"`
	Written Timestamp `json:"written"`
	Expires Timestamp `json:"expires"`
}

// SizedSetSnapshot is the serialisable state of a SizedFWWExpiringSet
type SizedSetSnapshot[T cmp.Ordered] struct {
	Capacity int             `json:"capacity"`
	Entries  []SizedEntry[T] `json:"entries"`
}

// Snapshot returns the set's state sorted by value
func (s *SizedFWWExpiringSet[T]) Snapshot() SizedSetSnapshot[T] {
	values := make([]T, 0, len(s.entries))
	for v := range s.entries {
		values = append(values, v)
	}
	slices.Sort(values)

	entries := make([]SizedEntry[T], 0, len(values))
	for _, v := range values {
		e := s.entries[v]
		entries = append(entries, SizedEntry[T]{Value: v, Written: e.written, Expires: e.expires})
	}
	return SizedSetSnapshot[T]{Capacity: s.capacity, Entries: entries}
}

// RestoreSizedFWWExpiringSet rebuilds a set from a snapshot. Entries beyond
// the capacity are dropped by the usual ranking.
func RestoreSizedFWWExpiringSet[T cmp.Ordered](snap SizedSetSnapshot[T]) *SizedFWWExpiringSet[T] {
	s := NewSizedFWWExpiringSet[T](snap.Capacity)
	for _, e := range snap.Entries {
		s.Insert(e.Value, e.Written, e.Expires)
	}
	return s
}

// MarshalSnapshot implements Container
func (s *SizedFWWExpiringSet[T]) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// MergeSnapshot implements Container
func (s *SizedFWWExpiringSet[T]) MergeSnapshot(data []byte) error {
	var snap SizedSetSnapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	// Reject before rebuilding so a peer's capacity never sizes anything.
	if err := s.checkCapacity(max(snap.Capacity, 0)); err != nil {
		return err
	}
	return s.Merge(RestoreSizedFWWExpiringSet(snap))
}
