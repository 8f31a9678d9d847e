package crdt

import (
	"cmp"
	"errors"
	"fmt"
)

// Timestamp is a caller supplied logical time. Its unit and epoch are up to
// the replicas that share it; containers only compare timestamps.
type Timestamp = int64

// Kind identifies a container family on the wire
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRegister
	KindGrowOnlySet
	KindExpiringSet
	KindSizedSet
	KindFWWMap
	KindLWWMap
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindGrowOnlySet:
		return "gset"
	case KindExpiringSet:
		return "eset"
	case KindSizedSet:
		return "sset"
	case KindFWWMap:
		return "fww-map"
	case KindLWWMap:
		return "lww-map"
	default:
		return "unknown"
	}
}

// Mergeable is the contract shared by every container. Merge must be
// commutative, associative and idempotent.
type Mergeable[C any] interface {
	Merge(other C) error
	Cleanup(now Timestamp)
}

// Container is the type-erased view of a container used by code that moves
// snapshots between replicas without knowing the element types.
type Container interface {
	Kind() Kind
	Len() int
	Cleanup(now Timestamp)
	MarshalSnapshot() ([]byte, error)
	MergeSnapshot(data []byte) error
}

var (
	// ErrIncompatibleConfiguration is returned when two containers carry
	// different fixed parameters and cannot be merged.
	ErrIncompatibleConfiguration = errors.New("incompatible configuration")
	// ErrInvalidSnapshot is returned when a snapshot cannot be decoded
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrKindMismatch is returned when a snapshot of one container family
	// is offered to a container of another
	ErrKindMismatch = errors.New("container kind mismatch")
)

// MergeError describes a merge that was refused. The receiver is left
// unchanged.
type MergeError struct {
	Kind   Kind
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s: incompatible configuration: %s", e.Kind, e.Reason)
}

// Is reports whether target is ErrIncompatibleConfiguration
func (e *MergeError) Is(target error) bool {
	return target == ErrIncompatibleConfiguration
}

// less orders (written, value) pairs ascending
func less[T cmp.Ordered](aWritten Timestamp, a T, bWritten Timestamp, b T) bool {
	if aWritten != bWritten {
		return aWritten < bWritten
	}
	return cmp.Less(a, b)
}
