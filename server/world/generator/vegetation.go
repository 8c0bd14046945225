package generator

import (
	"math/rand/v2"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

type treeKind uint8

const (
	oakTree treeKind = iota
	spruceTree
)

// vegetation grows trees and short grass on the surface of a column. Leaves of
// trees near the edge of the column may fall in neighbouring columns.
type vegetation struct {
	g *Generator
}

// Pass ...
func (vegetation) Pass() world.Pass { return world.PassVegetation }

// Run ...
func (v vegetation) Run(pos world.ColumnPos, acc world.BlockAccessor, from, to world.Pass) (world.Pass, error) {
	meta := acc.Meta(pos)
	if meta == nil {
		return from, nil
	}
	r := v.g.random(pos, saltVegetation)
	origin := columnOrigin(pos)
	centre := v.g.biomeAt(origin.X+chunk.Size/2, origin.Z+chunk.Size/2)
	areas := (chunk.Size / 16) * (chunk.Size / 16)

	surface := func() (world.BlockPos, chunk.BlockID) {
		x, z := r.IntN(chunk.Size), r.IntN(chunk.Size)
		y := int(meta.RainHeight(uint8(x), uint8(z)))
		p := world.BlockPos{X: origin.X + x, Y: y, Z: origin.Z + z, Dim: pos.Dim}
		return p.Add(0, 1, 0), acc.Block(p, chunk.LayerSolid)
	}

	if centre.Trees > 0 {
		for range (r.IntN(2) + centre.Trees) * areas {
			p, below := surface()
			if below != Grass && below != Dirt {
				continue
			}
			switch centre.Tree {
			case spruceTree:
				growSpruce(acc, p, r)
			default:
				growOak(acc, p, r)
			}
		}
	}
	for range (r.IntN(2) + centre.Grass) * areas {
		p, below := surface()
		if below == Grass && acc.Block(p, chunk.LayerSolid) == Air {
			acc.SetBlock(p, chunk.LayerSolid, ShortGrass)
		}
	}
	return to, nil
}

func growOak(acc world.BlockAccessor, pos world.BlockPos, r *rand.Rand) {
	if !canGrow(acc, pos, 7) {
		return
	}
	height := r.IntN(3) + 4
	basicTop(acc, pos, r, OakLeaves, height)
	trunk(acc, pos, OakLog, height-1)
}

func growSpruce(acc world.BlockAccessor, pos world.BlockPos, r *rand.Rand) {
	if !canGrow(acc, pos, 10) {
		return
	}
	height := r.IntN(4) + 6
	topSize := height - (1 + r.IntN(2))
	lr := 2 + r.IntN(2)

	trunk(acc, pos, SpruceLog, height-r.IntN(3))

	radius, minR, maxR := r.IntN(2), 0, 1
	for y := 0; y <= topSize; y++ {
		yy := pos.Y + height - y
		for x := pos.X - radius; x <= pos.X+radius; x++ {
			for z := pos.Z - radius; z <= pos.Z+radius; z++ {
				if abs(x-pos.X) == radius && abs(z-pos.Z) == radius && radius > 0 {
					continue
				}
				p := world.BlockPos{X: x, Y: yy, Z: z, Dim: pos.Dim}
				if !solid(acc.Block(p, chunk.LayerSolid)) {
					acc.SetBlock(p, chunk.LayerSolid, SpruceLeaves)
				}
			}
		}
		if radius >= maxR {
			radius, minR = minR, 1
			if maxR++; maxR > lr {
				maxR = lr
			}
		} else {
			radius++
		}
	}
}

func basicTop(acc world.BlockAccessor, pos world.BlockPos, r *rand.Rand, leaves chunk.BlockID, height int) {
	for yy := pos.Y - 3 + height; yy <= pos.Y+height; yy++ {
		yOff := yy - (pos.Y + height)
		mid := 1 - yOff/2
		for xx := pos.X - mid; xx <= pos.X+mid; xx++ {
			for zz := pos.Z - mid; zz <= pos.Z+mid; zz++ {
				if abs(xx-pos.X) == mid && abs(zz-pos.Z) == mid && (yOff == 0 || r.IntN(2) == 0) {
					continue
				}
				p := world.BlockPos{X: xx, Y: yy, Z: zz, Dim: pos.Dim}
				if !solid(acc.Block(p, chunk.LayerSolid)) {
					acc.SetBlock(p, chunk.LayerSolid, leaves)
				}
			}
		}
	}
}

func trunk(acc world.BlockAccessor, pos world.BlockPos, log chunk.BlockID, height int) {
	acc.SetBlock(pos.Add(0, -1, 0), chunk.LayerSolid, Dirt)
	for y := range height {
		p := pos.Add(0, y, 0)
		if b := acc.Block(p, chunk.LayerSolid); b == Air || b == OakLeaves || b == SpruceLeaves || b == ShortGrass {
			acc.SetBlock(p, chunk.LayerSolid, log)
		}
	}
}

// canGrow reports if the space above pos is free for a tree of the height
// passed. Blocks outside of the column being generated are not checked.
func canGrow(acc world.BlockAccessor, pos world.BlockPos, height int) bool {
	col := pos.Column()
	radius := 0
	for yy := range height + 3 {
		if yy == 1 || yy == height {
			radius++
		}
		for xx := -radius; xx <= radius; xx++ {
			for zz := -radius; zz <= radius; zz++ {
				p := pos.Add(xx, yy, zz)
				if !inColumn(p, col) {
					continue
				}
				if solid(acc.Block(p, chunk.LayerSolid)) {
					return false
				}
			}
		}
	}
	return true
}
