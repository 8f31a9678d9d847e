package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
)

// ExpiringFWWRegister holds at most one value with an expiry bound. Between
// competing writes the earliest one wins; equal write times are broken by
// the value order.
//
// Cleanup is not monotonic: once a replica clears an expired value, merging
// with a peer that still holds the same (earlier) write brings it back.
type ExpiringFWWRegister[T cmp.Ordered] struct {
	value   T
	set     bool
	written Timestamp
	expires Timestamp
}

// NewExpiringFWWRegister creates an empty register
func NewExpiringFWWRegister[T cmp.Ordered]() *ExpiringFWWRegister[T] {
	return &ExpiringFWWRegister[T]{}
}

// Get returns the current value, if any
func (r *ExpiringFWWRegister[T]) Get() (T, bool) {
	return r.value, r.set
}

// Written returns the write time of the current value
func (r *ExpiringFWWRegister[T]) Written() Timestamp {
	return r.written
}

// Expires returns the expiry bound of the current value
func (r *ExpiringFWWRegister[T]) Expires() Timestamp {
	return r.expires
}

// Set proposes a write made at now. It is applied only if it wins against
// the current value.
func (r *ExpiringFWWRegister[T]) Set(value T, now, expires Timestamp) {
	if r.set && !less(now, value, r.written, r.value) {
		return
	}
	r.value = value
	r.set = true
	r.written = now
	r.expires = expires
}

// UpdateExpiry replaces the expiry bound of the current value. It does not
// count as a write and does nothing on an empty register.
func (r *ExpiringFWWRegister[T]) UpdateExpiry(expires Timestamp) {
	if !r.set {
		return
	}
	r.expires = expires
}

// Merge folds other into r. The other value competes like a Set; when both
// sides hold the same write the later expiry is kept, so a refresh made with
// UpdateExpiry spreads to every replica.
func (r *ExpiringFWWRegister[T]) Merge(other *ExpiringFWWRegister[T]) error {
	if other == nil || !other.set {
		return nil
	}
	if !r.set {
		*r = *other
		return nil
	}
	if r.value == other.value && r.written == other.written {
		r.expires = max(r.expires, other.expires)
		return nil
	}
	if less(other.written, other.value, r.written, r.value) {
		*r = *other
	}
	return nil
}

// Cleanup empties the register once its value has expired
func (r *ExpiringFWWRegister[T]) Cleanup(now Timestamp) {
	if r.set && r.expires <= now {
		var zero T
		r.value = zero
		r.set = false
		r.written = 0
		r.expires = 0
	}
}

// Kind implements Container
func (r *ExpiringFWWRegister[T]) Kind() Kind { return KindRegister }

// Len returns 1 when the register holds a value
func (r *ExpiringFWWRegister[T]) Len() int {
	if r.set {
		return 1
	}
	return 0
}

// RegisterSnapshot is the serialisable state of a register. Value is nil for
// an empty register.
type RegisterSnapshot[T cmp.Ordered] struct {
	Value   *T        `json:"value,omitempty"`
	Written Timestamp `json:"written,omitempty"`
	Expires Timestamp `json:"expires,omitempty"`
}

// Snapshot returns the register's state
func (r *ExpiringFWWRegister[T]) Snapshot() RegisterSnapshot[T] {
	if !r.set {
		return RegisterSnapshot[T]{}
	}
	v := r.value
	return RegisterSnapshot[T]{Value: &v, Written: r.written, Expires: r.expires}
}

// RestoreExpiringFWWRegister rebuilds a register from a snapshot
func RestoreExpiringFWWRegister[T cmp.Ordered](s RegisterSnapshot[T]) *ExpiringFWWRegister[T] {
	r := NewExpiringFWWRegister[T]()
	if s.Value != nil {
		r.value = *s.Value
		r.set = true
		r.written = s.Written
		r.expires = s.Expires
	}
	return r
}

// MarshalSnapshot implements Container
func (r *ExpiringFWWRegister[T]) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// MergeSnapshot implements Container
func (r *ExpiringFWWRegister[T]) MergeSnapshot(data []byte) error {
	var s RegisterSnapshot[T]
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return r.Merge(RestoreExpiringFWWRegister(s))
}
