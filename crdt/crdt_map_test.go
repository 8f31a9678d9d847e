package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// "k" is 1 at 5 on A and 2 at 9 on B. LWW converges to 2, FWW to 1.
func TestCrdtMap_MergeByPolicy(t *testing.T) {
	t.Run("LWW", func(t *testing.T) {
		a, b := NewLWWMap[string, int](), NewLWWMap[string, int]()
		a.Insert("k", 1, 5)
		b.Insert("k", 2, 9)

		ab := RestoreCrdtMap[string, int, LWW](a.Snapshot())
		require.NoError(t, ab.Merge(b))
		require.NoError(t, b.Merge(a))

		for _, m := range []*CrdtMap[string, int, LWW]{ab, b} {
			v, ok := m.Get("k")
			require.True(t, ok)
			assert.Equal(t, 2, v)
		}
	})

	t.Run("FWW", func(t *testing.T) {
		a, b := NewFWWMap[string, int](), NewFWWMap[string, int]()
		a.Insert("k", 1, 5)
		b.Insert("k", 2, 9)

		ab := RestoreCrdtMap[string, int, FWW](a.Snapshot())
		require.NoError(t, ab.Merge(b))
		require.NoError(t, b.Merge(a))

		for _, m := range []*CrdtMap[string, int, FWW]{ab, b} {
			v, ok := m.Get("k")
			require.True(t, ok)
			assert.Equal(t, 1, v)
		}
	})
}

func TestCrdtMap_TieBreak(t *testing.T) {
	fa, fb := NewFWWMap[string, string](), NewFWWMap[string, string]()
	fa.Insert("k", "x", 3)
	fb.Insert("k", "y", 3)
	require.NoError(t, fb.Merge(fa))
	v, _ := fb.Get("k")
	assert.Equal(t, "x", v, "FWW ties go to the smaller value")

	la, lb := NewLWWMap[string, string](), NewLWWMap[string, string]()
	la.Insert("k", "y", 3)
	lb.Insert("k", "x", 3)
	require.NoError(t, la.Merge(lb))
	v, _ = la.Get("k")
	assert.Equal(t, "y", v, "LWW ties go to the larger value")
}

func TestCrdtMap_InsertIsUnconditional(t *testing.T) {
	m := NewFWWMap[string, int]()
	m.Insert("k", 1, 10)
	m.Insert("k", 2, 20)

	v, _ := m.Get("k")
	w, _ := m.Written("k")
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(20), w)
}

func TestCrdtMap_OneSidedKeysAndCleanup(t *testing.T) {
	a, b := NewLWWMap[int, int](), NewLWWMap[int, int]()
	a.Insert(1, 10, 1)
	b.Insert(2, 20, 2)

	require.NoError(t, a.Merge(b))
	assert.True(t, a.ContainsKey(1))
	assert.True(t, a.ContainsKey(2))
	assert.Equal(t, []int{1, 2}, a.Keys())

	a.Cleanup(1 << 50)
	assert.Equal(t, 2, a.Len(), "map entries do not expire")
}

func TestCrdtMap_Kind(t *testing.T) {
	assert.Equal(t, KindFWWMap, NewFWWMap[string, int]().Kind())
	assert.Equal(t, KindLWWMap, NewLWWMap[string, int]().Kind())
}

func TestCrdtMap_SnapshotRoundTrip(t *testing.T) {
	m := NewLWWMap[string, float64]()
	m.Insert("b", 2.5, 4)
	m.Insert("a", -1, 9)

	data, err := m.MarshalSnapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"key":"a","value":-1,"written":9},{"key":"b","value":2.5,"written":4}]}`, string(data))

	restored := NewLWWMap[string, float64]()
	require.NoError(t, restored.MergeSnapshot(data))
	again, err := restored.MarshalSnapshot()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	assert.ErrorIs(t, restored.MergeSnapshot([]byte("{")), ErrInvalidSnapshot)
}

func TestCrdtMap_RestoreResolvesDuplicateKeys(t *testing.T) {
	snap := MapSnapshot[string, int]{Entries: []MapEntry[string, int]{
		{Key: "k", Value: 1, Written: 5},
		{Key: "k", Value: 2, Written: 3},
	}}

	f := RestoreCrdtMap[string, int, FWW](snap)
	v, _ := f.Get("k")
	assert.Equal(t, 2, v)

	l := RestoreCrdtMap[string, int, LWW](snap)
	v, _ = l.Get("k")
	assert.Equal(t, 1, v)
}

func randomMap[P Policy](r *rand.Rand) *CrdtMap[int, int, P] {
	m := NewCrdtMap[int, int, P]()
	for i := r.Intn(6); i > 0; i-- {
		m.Insert(r.Intn(5), r.Intn(4), int64(r.Intn(4)))
	}
	return m
}

func TestCrdtMap_MergeLaws(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		checkLaws(t, randomMap[FWW](r), randomMap[FWW](r), randomMap[FWW](r),
			func(m *CrdtMap[int, int, FWW]) *CrdtMap[int, int, FWW] {
				return RestoreCrdtMap[int, int, FWW](m.Snapshot())
			},
			func(m *CrdtMap[int, int, FWW]) any { return m.Snapshot() })

		checkLaws(t, randomMap[LWW](r), randomMap[LWW](r), randomMap[LWW](r),
			func(m *CrdtMap[int, int, LWW]) *CrdtMap[int, int, LWW] {
				return RestoreCrdtMap[int, int, LWW](m.Snapshot())
			},
			func(m *CrdtMap[int, int, LWW]) any { return m.Snapshot() })
	}
}

func TestContainerInterface(t *testing.T) {
	containers := map[Kind]Container{
		KindRegister:    NewExpiringFWWRegister[string](),
		KindGrowOnlySet: NewGrowOnlySet[string](),
		KindExpiringSet: NewExpiringSet[string](),
		KindSizedSet:    NewSizedFWWExpiringSet[string](2),
		KindFWWMap:      NewFWWMap[string, string](),
		KindLWWMap:      NewLWWMap[string, string](),
	}
	for kind, c := range containers {
		assert.Equal(t, kind, c.Kind())
		assert.NotEqual(t, "unknown", kind.String())
		data, err := c.MarshalSnapshot()
		require.NoError(t, err)
		require.NoError(t, c.MergeSnapshot(data), kind.String())
		assert.Equal(t, 0, c.Len())
	}
}
