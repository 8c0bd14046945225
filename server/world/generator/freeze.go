package generator

import (
	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

// freeze turns surface water in cold biomes into ice and covers the ground
// there with snow.
type freeze struct {
	g *Generator
}

// Pass ...
func (freeze) Pass() world.Pass { return world.PassFreezeFeatures }

// Run ...
func (f freeze) Run(pos world.ColumnPos, acc world.BlockAccessor, from, to world.Pass) (world.Pass, error) {
	meta := acc.Meta(pos)
	if meta == nil {
		return from, nil
	}
	origin := columnOrigin(pos)
	for x := range chunk.Size {
		for z := range chunk.Size {
			wx, wz := origin.X+x, origin.Z+z
			if f.g.biomeAt(wx, wz).Temperature >= freezeTemperature {
				continue
			}
			y := int(meta.RainHeight(uint8(x), uint8(z)))
			top := world.BlockPos{X: wx, Y: y, Z: wz, Dim: pos.Dim}
			switch acc.Block(top, chunk.LayerSolid) {
			case Water:
				acc.SetBlock(top, chunk.LayerSolid, Ice)
			case Air, Ice, Snow:
			default:
				acc.SetBlock(top.Add(0, 1, 0), chunk.LayerSolid, Snow)
			}
		}
	}
	return to, nil
}
