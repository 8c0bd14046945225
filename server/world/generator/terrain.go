package generator

import (
	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

const smoothSize = 2

var gaussianKernel = [5][5]float64{
	{1.4715177646858, 2.141045714076, 2.4261226388505, 2.141045714076, 1.4715177646858},
	{2.141045714076, 3.1152031322856, 3.5299876103384, 3.1152031322856, 2.141045714076},
	{2.4261226388505, 3.5299876103384, 4, 3.5299876103384, 2.4261226388505},
	{2.141045714076, 3.1152031322856, 3.5299876103384, 3.1152031322856, 2.141045714076},
	{1.4715177646858, 2.141045714076, 2.4261226388505, 2.141045714076, 1.4715177646858},
}

// terrain shapes the stone of a column, fills oceans with water and covers the
// surface with the blocks of its biome.
type terrain struct {
	g *Generator
}

// Pass ...
func (terrain) Pass() world.Pass { return world.PassTerrain }

// Run ...
func (t terrain) Run(pos world.ColumnPos, acc world.BlockAccessor, from, to world.Pass) (world.Pass, error) {
	g := t.g
	origin := columnOrigin(pos)
	meta := acc.Meta(pos)
	for x := range chunk.Size {
		for z := range chunk.Size {
			wx, wz := origin.X+x, origin.Z+z
			b := g.biomeAt(wx, wz)
			h := g.surface(wx, wz)

			column := world.BlockPos{X: wx, Z: wz, Dim: pos.Dim}
			acc.SetBlock(column, chunk.LayerSolid, Bedrock)
			for y := 1; y <= h; y++ {
				acc.SetBlock(column.Add(0, y, 0), chunk.LayerSolid, Stone)
			}
			rock := h
			for i, cover := range b.Cover {
				y := h - i
				if y <= 0 {
					break
				}
				if cover == Grass && h < g.waterHeight {
					// Grass does not grow underwater.
					cover = Dirt
				}
				acc.SetBlock(column.Add(0, y, 0), chunk.LayerSolid, cover)
				rock = y - 1
			}
			for y := h + 1; y <= g.waterHeight; y++ {
				acc.SetBlock(column.Add(0, y, 0), chunk.LayerSolid, Water)
			}
			if meta != nil {
				meta.SetTopRockHeight(uint8(x), uint8(z), int32(rock))
			}
		}
	}
	return to, nil
}

// surface returns the height of the terrain at x and z. The elevation range of
// the biome is smoothed with the surrounding biomes using a gaussian kernel,
// and the height within that range is picked by noise.
func (g *Generator) surface(x, z int) int {
	var minSum, maxSum, weightSum float64
	for sx := -smoothSize; sx <= smoothSize; sx++ {
		for sz := -smoothSize; sz <= smoothSize; sz++ {
			weight := gaussianKernel[sx+smoothSize][sz+smoothSize]
			b := g.biomeAt(x+sx*4, z+sz*4)
			minSum += float64(b.MinElevation) * weight
			maxSum += float64(b.MaxElevation) * weight
			weightSum += weight
		}
	}
	minSum /= weightSum
	maxSum /= weightSum

	n := g.octaves(float64(x)/64, float64(z)/64, 4, saltHeight)
	detail := g.noise2D(float64(x)/8, float64(z)/8, saltDetail)
	h := int(minSum + (maxSum-minSum)*n + detail*2)
	return max(1, min(h, g.height-1))
}
