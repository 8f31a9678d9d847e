package pathfind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid builds a TileMap from rows where '.' is walkable, '#' is a wall and
// anything else is unknown. Row 0 is y=0.
func grid(rows ...string) TileMap {
	m := TileMap{}
	for y, row := range rows {
		for x, c := range row {
			switch c {
			case '.':
				m[Loc{x, y}] = true
			case '#':
				m[Loc{x, y}] = false
			}
		}
	}
	return m
}

func assertConnected(t *testing.T, start Loc, path []Loc) {
	t.Helper()
	prev := start
	for _, l := range path {
		require.LessOrEqual(t, Distance(prev, l), 1, "step %v -> %v", prev, l)
		prev = l
	}
}

func TestFindPath(t *testing.T) {
	tests := []struct {
		name    string
		tiles   TileMap
		start   Loc
		goal    Loc
		blocked Set
		avoid   Set
		wantLen int
		wantOK  bool
	}{
		{
			name:    "straight line",
			tiles:   grid("....."),
			start:   Loc{0, 0},
			goal:    Loc{4, 0},
			wantLen: 4,
			wantOK:  true,
		},
		{
			name:    "diagonal moves count as one step",
			tiles:   grid("....", "....", "....", "...."),
			start:   Loc{0, 0},
			goal:    Loc{3, 3},
			wantLen: 3,
			wantOK:  true,
		},
		{
			name: "around a wall",
			tiles: grid(
				".#...",
				".#.#.",
				"...#.",
			),
			start:   Loc{0, 0},
			goal:    Loc{4, 0},
			wantLen: 5,
			wantOK:  true,
		},
		{
			name:   "unknown cells are not entered",
			tiles:  grid("..??.."),
			start:  Loc{0, 0},
			goal:   Loc{5, 0},
			wantOK: false,
		},
		{
			name:    "unknown goal is reachable",
			tiles:   grid("...?"),
			start:   Loc{0, 0},
			goal:    Loc{3, 0},
			wantLen: 3,
			wantOK:  true,
		},
		{
			name:    "blocked goal",
			tiles:   grid("...."),
			start:   Loc{0, 0},
			goal:    Loc{3, 0},
			blocked: NewSet(Loc{3, 0}),
			wantOK:  false,
		},
		{
			name:    "avoided goal is still reachable",
			tiles:   grid("...."),
			start:   Loc{0, 0},
			goal:    Loc{3, 0},
			avoid:   NewSet(Loc{3, 0}),
			wantLen: 3,
			wantOK:  true,
		},
		{
			name:    "avoided corridor",
			tiles:   grid("...."),
			start:   Loc{0, 0},
			goal:    Loc{3, 0},
			avoid:   NewSet(Loc{2, 0}),
			wantOK:  false,
		},
		{
			name:    "start equals goal",
			tiles:   TileMap{},
			start:   Loc{2, 2},
			goal:    Loc{2, 2},
			wantLen: 0,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var blocked, avoid LocSet
			if tt.blocked != nil {
				blocked = tt.blocked
			}
			if tt.avoid != nil {
				avoid = tt.avoid
			}
			path, ok := FindPath(tt.start, tt.goal, tt.tiles, blocked, avoid, Options{})
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				assert.Nil(t, path)
				return
			}
			assert.Len(t, path, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.goal, path[len(path)-1])
			}
			assertConnected(t, tt.start, path)
			for _, l := range path {
				assert.NotEqual(t, tt.start, l)
			}
		})
	}
}

func TestFindPathAvoidsBlockedCells(t *testing.T) {
	tiles := grid(
		"...",
		"...",
		"...",
	)
	blocked := NewSet(Loc{1, 0}, Loc{1, 1})

	path, ok := FindPath(Loc{0, 0}, Loc{2, 0}, tiles, blocked, nil, Options{})
	require.True(t, ok)
	for _, l := range path {
		assert.False(t, blocked.Contains(l))
	}
	assert.Equal(t, []Loc{{1, 2}, {2, 1}, {2, 0}}, path[len(path)-3:])
}

func TestFindPathBudget(t *testing.T) {
	// The goal lies outside the known field, so without a budget every one
	// of its cells would be expanded before giving up.
	tiles := TileMap{}
	for x := -50; x <= 50; x++ {
		for y := -50; y <= 50; y++ {
			tiles[Loc{x, y}] = true
		}
	}

	path, ok := FindPath(Loc{0, 0}, Loc{1000, 1000}, tiles, nil, nil, Options{MaxNodes: 100})
	assert.False(t, ok)
	assert.Nil(t, path)
}

func TestFindPathNilKnowledge(t *testing.T) {
	path, ok := FindPath(Loc{0, 0}, Loc{1, 1}, nil, nil, nil, Options{})
	require.True(t, ok)
	assert.Equal(t, []Loc{{1, 1}}, path)

	_, ok = FindPath(Loc{0, 0}, Loc{2, 2}, nil, nil, nil, Options{})
	assert.False(t, ok)
}
