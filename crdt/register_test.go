package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cloneRegister[T string | int](r *ExpiringFWWRegister[T]) *ExpiringFWWRegister[T] {
	return RestoreExpiringFWWRegister(r.Snapshot())
}

func TestExpiringFWWRegister_Empty(t *testing.T) {
	r := NewExpiringFWWRegister[string]()

	_, ok := r.Get()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	r.UpdateExpiry(100)
	_, ok = r.Get()
	assert.False(t, ok, "UpdateExpiry must not fill an empty register")
}

func TestExpiringFWWRegister_Set(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		now     int64
		want    string
		written int64
	}{
		{name: "later write loses", value: "a", now: 20, want: "m", written: 10},
		{name: "earlier write wins", value: "z", now: 5, want: "z", written: 5},
		{name: "tie smaller value wins", value: "a", now: 10, want: "a", written: 10},
		{name: "tie larger value loses", value: "z", now: 10, want: "m", written: 10},
		{name: "same write is a no-op", value: "m", now: 10, want: "m", written: 10},
		{name: "negative timestamp wins", value: "q", now: -1, want: "q", written: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewExpiringFWWRegister[string]()
			r.Set("m", 10, 100)
			r.Set(tt.value, tt.now, 200)

			got, ok := r.Get()
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.written, r.Written())
		})
	}
}

func TestExpiringFWWRegister_UpdateExpiryIsNotAWrite(t *testing.T) {
	r := NewExpiringFWWRegister[string]()
	r.Set("v", 10, 100)
	r.UpdateExpiry(50)

	assert.Equal(t, int64(50), r.Expires())
	assert.Equal(t, int64(10), r.Written())

	r.UpdateExpiry(500)
	assert.Equal(t, int64(500), r.Expires())
}

// Replica A writes v1 at 10, replica B writes v2 at 3: both end with v2.
func TestExpiringFWWRegister_MergeEarlierWriterWins(t *testing.T) {
	a := NewExpiringFWWRegister[string]()
	b := NewExpiringFWWRegister[string]()
	a.Set("v1", 10, 1000)
	b.Set("v2", 3, 1000)

	a2, b2 := cloneRegister(a), cloneRegister(b)
	require.NoError(t, a2.Merge(b))
	require.NoError(t, b2.Merge(a))

	va, _ := a2.Get()
	vb, _ := b2.Get()
	assert.Equal(t, "v2", va)
	assert.Equal(t, "v2", vb)
	assert.Equal(t, a2.Snapshot(), b2.Snapshot())
}

func TestExpiringFWWRegister_MergePropagatesRefresh(t *testing.T) {
	a := NewExpiringFWWRegister[string]()
	a.Set("leader", 10, 100)
	b := cloneRegister(a)
	b.UpdateExpiry(400)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, int64(400), a.Expires())

	// An older bound never shrinks the newer one.
	stale := NewExpiringFWWRegister[string]()
	stale.Set("leader", 10, 50)
	require.NoError(t, a.Merge(stale))
	assert.Equal(t, int64(400), a.Expires())
}

func TestExpiringFWWRegister_Cleanup(t *testing.T) {
	r := NewExpiringFWWRegister[string]()
	r.Set("v", 1, 100)

	r.Cleanup(99)
	_, ok := r.Get()
	assert.True(t, ok)

	r.Cleanup(100)
	_, ok = r.Get()
	assert.False(t, ok, "value expires when expires <= now")

	r.Cleanup(100)
	assert.Equal(t, RegisterSnapshot[string]{}, r.Snapshot())
}

// A cleared register accepts the same old write back from a peer that has
// not expired it yet.
func TestExpiringFWWRegister_CleanupThenReadmit(t *testing.T) {
	a := NewExpiringFWWRegister[string]()
	a.Set("v", 1, 100)
	b := cloneRegister(a)

	a.Cleanup(150)
	_, ok := a.Get()
	require.False(t, ok)

	require.NoError(t, a.Merge(b))
	got, ok := a.Get()
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestExpiringFWWRegister_MergeLaws(t *testing.T) {
	mk := func(v string, written, expires int64) *ExpiringFWWRegister[string] {
		r := NewExpiringFWWRegister[string]()
		r.Set(v, written, expires)
		return r
	}
	states := []*ExpiringFWWRegister[string]{
		NewExpiringFWWRegister[string](),
		mk("a", 1, 10),
		mk("a", 1, 30),
		mk("a", 3, 20),
		mk("b", 1, 5),
		mk("c", 2, 50),
		mk("b", 3, 40),
	}

	for _, a := range states {
		aa := cloneRegister(a)
		require.NoError(t, aa.Merge(a))
		assert.Equal(t, a.Snapshot(), aa.Snapshot(), "idempotence")

		for _, b := range states {
			ab, ba := cloneRegister(a), cloneRegister(b)
			require.NoError(t, ab.Merge(b))
			require.NoError(t, ba.Merge(a))
			assert.Equal(t, ab.Snapshot(), ba.Snapshot(), "commutativity")

			for _, c := range states {
				left := cloneRegister(a)
				require.NoError(t, left.Merge(b))
				require.NoError(t, left.Merge(c))

				bc := cloneRegister(b)
				require.NoError(t, bc.Merge(c))
				right := cloneRegister(a)
				require.NoError(t, right.Merge(bc))

				assert.Equal(t, left.Snapshot(), right.Snapshot(), "associativity")
			}
		}
	}
}

func TestExpiringFWWRegister_SnapshotRoundTrip(t *testing.T) {
	r := NewExpiringFWWRegister[int]()
	r.Set(42, 7, 70)

	data, err := r.MarshalSnapshot()
	require.NoError(t, err)

	restored := NewExpiringFWWRegister[int]()
	require.NoError(t, restored.MergeSnapshot(data))
	again, err := restored.MarshalSnapshot()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	empty, err := NewExpiringFWWRegister[int]().MarshalSnapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(empty))
}

func TestExpiringFWWRegister_MergeSnapshotInvalid(t *testing.T) {
	r := NewExpiringFWWRegister[int]()
	err := r.MergeSnapshot([]byte(`{"value":"not a number"}`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
