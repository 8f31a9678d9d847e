// Package pathfind plans routes over the partially explored grid a swarm
// shares.
package pathfind

import (
	"container/heap"
)

// DefaultMaxNodes bounds the search when Options.MaxNodes is zero
const DefaultMaxNodes = 10000

// Loc is a grid cell
type Loc struct {
	X, Y int
}

// Walkability reports what is known about a cell
type Walkability interface {
	Walkable(l Loc) (walkable, known bool)
}

// LocSet is a read-only set of cells
type LocSet interface {
	Contains(l Loc) bool
}

// TileMap is a Walkability backed by a map; absent cells are unknown
type TileMap map[Loc]bool

// Walkable implements Walkability
func (m TileMap) Walkable(l Loc) (bool, bool) {
	w, ok := m[l]
	return w, ok
}

// Set is a LocSet backed by a map
type Set map[Loc]struct{}

// NewSet returns a set holding locs
func NewSet(locs ...Loc) Set {
	s := make(Set, len(locs))
	for _, l := range locs {
		s[l] = struct{}{}
	}
	return s
}

// Contains implements LocSet
func (s Set) Contains(l Loc) bool {
	_, ok := s[l]
	return ok
}

// Options tunes a search
type Options struct {
	// MaxNodes caps the number of expanded cells. Zero means DefaultMaxNodes.
	MaxNodes int
}

var neighbours = [8]Loc{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// FindPath searches an 8-connected grid for a shortest route from start to
// goal. The returned path excludes start and ends at goal; it is empty when
// start == goal.
//
// A cell may be entered when it is known to be walkable and is in neither
// blocked nor avoid. The goal may be entered whenever it is not blocked, so
// a bot can route to an unexplored or occupied target. A nil known, blocked
// or avoid is empty.
//
// ok is false when no route exists or the expansion budget runs out.
func FindPath(start, goal Loc, known Walkability, blocked, avoid LocSet, opts Options) ([]Loc, bool) {
	if start == goal {
		return []Loc{}, true
	}
	if contains(blocked, goal) {
		return nil, false
	}

	maxNodes := opts.MaxNodes
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	enterable := func(l Loc) bool {
		if contains(blocked, l) {
			return false
		}
		if l == goal {
			return true
		}
		if contains(avoid, l) {
			return false
		}
		if known == nil {
			return false
		}
		walkable, ok := known.Walkable(l)
		return ok && walkable
	}

	open := &openSet{}
	cameFrom := map[Loc]Loc{}
	cost := map[Loc]int{start: 0}
	closed := map[Loc]bool{}
	seq := 0

	heap.Push(open, &node{loc: start, f: Distance(start, goal), h: Distance(start, goal)})

	for expanded := 0; open.Len() > 0; {
		cur := heap.Pop(open).(*node)
		if closed[cur.loc] {
			continue
		}
		if cur.loc == goal {
			return reconstruct(cameFrom, start, goal), true
		}
		closed[cur.loc] = true

		expanded++
		if expanded > maxNodes {
			return nil, false
		}

		g := cost[cur.loc]
		for _, d := range neighbours {
			next := Loc{cur.loc.X + d.X, cur.loc.Y + d.Y}
			if closed[next] || !enterable(next) {
				continue
			}
			if prev, ok := cost[next]; ok && prev <= g+1 {
				continue
			}
			cost[next] = g + 1
			cameFrom[next] = cur.loc
			h := Distance(next, goal)
			seq++
			heap.Push(open, &node{loc: next, f: g + 1 + h, h: h, seq: seq})
		}
	}
	return nil, false
}

func contains(s LocSet, l Loc) bool {
	return s != nil && s.Contains(l)
}

// Distance is the number of 8-connected steps between a and b on an open
// grid.
func Distance(a, b Loc) int {
	return max(abs(a.X-b.X), abs(a.Y-b.Y))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func reconstruct(cameFrom map[Loc]Loc, start, goal Loc) []Loc {
	var path []Loc
	for l := goal; l != start; l = cameFrom[l] {
		path = append(path, l)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

type node struct {
	loc  Loc
	f, h int
	seq  int
}

// openSet orders nodes by f, then h, then insertion order so equal-cost
// searches are deterministic.
type openSet []*node

func (o openSet) Len() int { return len(o) }

func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	if o[i].h != o[j].h {
		return o[i].h < o[j].h
	}
	return o[i].seq < o[j].seq
}

func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

func (o *openSet) Push(x any) { *o = append(*o, x.(*node)) }

func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	*o = old[:len(old)-1]
	return n
}
