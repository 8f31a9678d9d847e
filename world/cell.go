package world

import (
	"fmt"

	"github.com/luoyjx/crdt-swarm/pathfind"
)

// Cell is a grid coordinate packed into an ordered integer so it can key
// containers. The high 32 bits hold x and the low 32 bits hold y.
type Cell int64

// CellAt packs (x, y)
func CellAt(x, y int32) Cell {
	return Cell(int64(x)<<32 | int64(uint32(y)))
}

// X returns the x coordinate
func (c Cell) X() int32 { return int32(c >> 32) }

// Y returns the y coordinate
func (c Cell) Y() int32 { return int32(uint32(c)) }

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X(), c.Y())
}

func (c Cell) loc() pathfind.Loc {
	return pathfind.Loc{X: int(c.X()), Y: int(c.Y())}
}

func cellOf(l pathfind.Loc) Cell {
	return CellAt(int32(l.X), int32(l.Y))
}

// Walkability is what a bot observed on a tile. When two observations carry
// the same timestamp the larger value wins, so Wall beats Floor.
type Walkability uint8

const (
	Floor Walkability = iota + 1
	Wall
)

func (w Walkability) String() string {
	switch w {
	case Floor:
		return "floor"
	case Wall:
		return "wall"
	default:
		return "unknown"
	}
}
