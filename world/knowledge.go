// Package world bundles the containers a swarm of bots shares about the map
// they explore and the work they split between them.
package world

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/luoyjx/crdt-swarm/crdt"
	"github.com/luoyjx/crdt-swarm/pathfind"
	"github.com/luoyjx/crdt-swarm/server"
)

// Container names, relative to the prefix passed to Register
const (
	NameTiles     = "tiles"
	NameVisited   = "visited"
	NameHazards   = "hazards"
	NameClaims    = "claims"
	NamePositions = "positions"
	NameLeader    = "leader"
	NameParty     = "party"
)

// Knowledge is one bot's replica of the shared world state
type Knowledge struct {
	BotID string

	// Tiles holds the latest observation of every explored cell
	Tiles *crdt.CrdtMap[Cell, Walkability, crdt.LWW]
	// Visited holds every cell any bot has stood on
	Visited *crdt.GrowOnlySet[Cell]
	// Hazards holds cells that are dangerous until their expiry
	Hazards *crdt.ExpiringSet[Cell]
	// Claims maps a target cell to the first bot that claimed it
	Claims *crdt.CrdtMap[Cell, string, crdt.FWW]
	// Positions maps a bot to where it was last seen
	Positions *crdt.CrdtMap[string, Cell, crdt.LWW]
	// Leader is the leased swarm leader
	Leader *crdt.ExpiringFWWRegister[string]
	// Party holds the first bots to join the current task
	Party *crdt.SizedFWWExpiringSet[string]

	mu     sync.Mutex
	srv    *server.Server
	prefix string
}

// NewKnowledge creates an empty replica for botID with room for partySize
// bots in the party.
func NewKnowledge(botID string, partySize int) *Knowledge {
	return &Knowledge{
		BotID:     botID,
		Tiles:     crdt.NewLWWMap[Cell, Walkability](),
		Visited:   crdt.NewGrowOnlySet[Cell](),
		Hazards:   crdt.NewExpiringSet[Cell](),
		Claims:    crdt.NewFWWMap[Cell, string](),
		Positions: crdt.NewLWWMap[string, Cell](),
		Leader:    crdt.NewExpiringFWWRegister[string](),
		Party:     crdt.NewSizedFWWExpiringSet[string](partySize),
	}
}

func (k *Knowledge) containers() map[string]crdt.Container {
	return map[string]crdt.Container{
		NameTiles:     k.Tiles,
		NameVisited:   k.Visited,
		NameHazards:   k.Hazards,
		NameClaims:    k.Claims,
		NamePositions: k.Positions,
		NameLeader:    k.Leader,
		NameParty:     k.Party,
	}
}

// Register hands every container to s under prefix. From then on all
// access goes through s so local operations and merges from peers are
// serialized.
func (k *Knowledge) Register(s *server.Server, prefix string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.srv != nil {
		return fmt.Errorf("knowledge of %s already registered", k.BotID)
	}
	for name, c := range k.containers() {
		if err := s.Register(prefix+name, c); err != nil {
			return err
		}
	}
	k.srv = s
	k.prefix = prefix
	return nil
}

// locked runs fn holding the named containers. Once registered the server
// owns the locks; callers list names in declaration order so nested
// acquisition never inverts.
func (k *Knowledge) locked(fn func(), names ...string) error {
	k.mu.Lock()
	srv, prefix := k.srv, k.prefix
	if srv == nil {
		defer k.mu.Unlock()
		fn()
		return nil
	}
	k.mu.Unlock()

	var acquire func(i int) error
	acquire = func(i int) error {
		if i == len(names) {
			fn()
			return nil
		}
		return srv.Update(prefix+names[i], func(crdt.Container) error {
			return acquire(i + 1)
		})
	}
	return acquire(0)
}

// ObserveTile records what the bot saw at c. An observation older than the
// one already held is dropped.
func (k *Knowledge) ObserveTile(c Cell, w Walkability, now crdt.Timestamp) error {
	return k.locked(func() {
		if written, ok := k.Tiles.Written(c); ok {
			cur, _ := k.Tiles.Get(c)
			if !(crdt.LWW{}).Replace(written, now, cmp.Compare(w, cur)) {
				return
			}
		}
		k.Tiles.Insert(c, w, now)
	}, NameTiles)
}

// Tile returns the latest observation of c
func (k *Knowledge) Tile(c Cell) (w Walkability, known bool, err error) {
	err = k.locked(func() { w, known = k.Tiles.Get(c) }, NameTiles)
	return w, known, err
}

// Visit marks c as visited
func (k *Knowledge) Visit(c Cell) error {
	return k.locked(func() { k.Visited.Insert(c) }, NameVisited)
}

// HasVisited reports whether any bot has stood on c
func (k *Knowledge) HasVisited(c Cell) (visited bool, err error) {
	err = k.locked(func() { visited = k.Visited.Contains(c) }, NameVisited)
	return visited, err
}

// MarkHazard keeps bots out of c until expires
func (k *Knowledge) MarkHazard(c Cell, expires crdt.Timestamp) error {
	return k.locked(func() { k.Hazards.Insert(c, expires) }, NameHazards)
}

// Claim tries to reserve target for this bot. A target already claimed by
// another bot stays theirs; concurrent claims resolve to the earliest.
func (k *Knowledge) Claim(target Cell, now crdt.Timestamp) (won bool, err error) {
	err = k.locked(func() {
		if !k.Claims.ContainsKey(target) {
			k.Claims.Insert(target, k.BotID, now)
		}
		owner, _ := k.Claims.Get(target)
		won = owner == k.BotID
	}, NameClaims)
	return won, err
}

// ClaimedBy returns the bot holding target
func (k *Knowledge) ClaimedBy(target Cell) (owner string, claimed bool, err error) {
	err = k.locked(func() { owner, claimed = k.Claims.Get(target) }, NameClaims)
	return owner, claimed, err
}

// MoveTo records the bot at c and marks c visited
func (k *Knowledge) MoveTo(c Cell, now crdt.Timestamp) error {
	return k.locked(func() {
		k.Visited.Insert(c)
		k.Positions.Insert(k.BotID, c, now)
	}, NameVisited, NamePositions)
}

// Position returns where bot was last seen
func (k *Knowledge) Position(bot string) (c Cell, known bool, err error) {
	err = k.locked(func() { c, known = k.Positions.Get(bot) }, NamePositions)
	return c, known, err
}

// ElectLeader proposes this bot as leader for lease and returns the current
// leader. An earlier proposal, from this bot or another, keeps the seat.
func (k *Knowledge) ElectLeader(now, lease crdt.Timestamp) (leader string, err error) {
	err = k.locked(func() {
		k.Leader.Set(k.BotID, now, now+lease)
		leader, _ = k.Leader.Get()
	}, NameLeader)
	return leader, err
}

// RenewLeader extends the lease if this bot is the leader
func (k *Knowledge) RenewLeader(now, lease crdt.Timestamp) (renewed bool, err error) {
	err = k.locked(func() {
		if leader, ok := k.Leader.Get(); ok && leader == k.BotID {
			k.Leader.UpdateExpiry(now + lease)
			renewed = true
		}
	}, NameLeader)
	return renewed, err
}

// JoinParty asks for a party slot until expires and reports whether this
// bot holds one.
func (k *Knowledge) JoinParty(now, expires crdt.Timestamp) (joined bool, err error) {
	err = k.locked(func() {
		k.Party.Insert(k.BotID, now, expires)
		joined = k.Party.Contains(k.BotID)
	}, NameParty)
	return joined, err
}

// Cleanup drops expired state from every container
func (k *Knowledge) Cleanup(now crdt.Timestamp) error {
	return k.locked(func() {
		for _, c := range k.containers() {
			c.Cleanup(now)
		}
	}, NameTiles, NameVisited, NameHazards, NameClaims, NamePositions, NameLeader, NameParty)
}

type tileView struct {
	tiles *crdt.CrdtMap[Cell, Walkability, crdt.LWW]
}

func (v tileView) Walkable(l pathfind.Loc) (bool, bool) {
	w, ok := v.tiles.Get(cellOf(l))
	return w == Floor, ok
}

type hazardView struct {
	hazards *crdt.ExpiringSet[Cell]
	now     crdt.Timestamp
}

func (v hazardView) Contains(l pathfind.Loc) bool {
	expires, ok := v.hazards.Expiry(cellOf(l))
	return ok && expires > v.now
}

// Route plans a path from one cell to goal over the explored tiles. Live
// hazards are impassable and cells occupied by other bots are avoided.
func (k *Knowledge) Route(from, goal Cell, now crdt.Timestamp, opts pathfind.Options) (path []Cell, ok bool, err error) {
	err = k.locked(func() {
		path, ok = k.route(from, goal, now, k.others(), opts)
	}, NameTiles, NameHazards, NamePositions)
	return path, ok, err
}

// others returns the cells occupied by every other bot
func (k *Knowledge) others() pathfind.Set {
	others := pathfind.Set{}
	for _, bot := range k.Positions.Keys() {
		if bot == k.BotID {
			continue
		}
		c, _ := k.Positions.Get(bot)
		others[c.loc()] = struct{}{}
	}
	return others
}

func (k *Knowledge) route(from, goal Cell, now crdt.Timestamp, others pathfind.Set, opts pathfind.Options) ([]Cell, bool) {
	locs, found := pathfind.FindPath(from.loc(), goal.loc(),
		tileView{k.Tiles}, hazardView{k.Hazards, now}, others, opts)
	if !found {
		return nil, false
	}
	path := make([]Cell, len(locs))
	for i, l := range locs {
		path[i] = cellOf(l)
	}
	return path, true
}

// frontier lists known floor cells nobody has visited, skipping live
// hazards and targets claimed by another bot. Cells are ordered by distance
// from from, then by Cell.
func (k *Knowledge) frontier(from Cell, now crdt.Timestamp) []Cell {
	hazards := hazardView{k.Hazards, now}
	var out []Cell
	for _, c := range k.Tiles.Keys() {
		if w, _ := k.Tiles.Get(c); w != Floor || k.Visited.Contains(c) || hazards.Contains(c.loc()) {
			continue
		}
		if owner, claimed := k.Claims.Get(c); claimed && owner != k.BotID {
			continue
		}
		out = append(out, c)
	}
	origin := from.loc()
	slices.SortFunc(out, func(a, b Cell) int {
		if d := cmp.Compare(pathfind.Distance(origin, a.loc()), pathfind.Distance(origin, b.loc())); d != 0 {
			return d
		}
		return cmp.Compare(a, b)
	})
	return out
}

// Frontier returns the cells still worth exploring, nearest to from first
func (k *Knowledge) Frontier(from Cell, now crdt.Timestamp) (cells []Cell, err error) {
	err = k.locked(func() {
		cells = k.frontier(from, now)
	}, NameTiles, NameVisited, NameHazards, NameClaims)
	return cells, err
}

// Nearest returns the frontier cell closest to from, ignoring walls in
// between.
func (k *Knowledge) Nearest(from Cell, now crdt.Timestamp) (c Cell, ok bool, err error) {
	err = k.locked(func() {
		if cells := k.frontier(from, now); len(cells) > 0 {
			c, ok = cells[0], true
		}
	}, NameTiles, NameVisited, NameHazards, NameClaims)
	return c, ok, err
}

// Explore picks the nearest frontier cell that can be reached from from and
// returns it with the route there. Candidates are tried closest first.
func (k *Knowledge) Explore(from Cell, now crdt.Timestamp, opts pathfind.Options) (target Cell, path []Cell, ok bool, err error) {
	err = k.locked(func() {
		others := k.others()
		for _, c := range k.frontier(from, now) {
			if p, found := k.route(from, c, now, others, opts); found {
				target, path, ok = c, p, true
				return
			}
		}
	}, NameTiles, NameVisited, NameHazards, NameClaims, NamePositions)
	return target, path, ok, err
}
