package generator

import (
	"math"
	"math/rand/v2"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
	"github.com/go-gl/mathgl/mgl64"
)

// OreType describes a kind of ore vein placed in the stone of a column.
type OreType struct {
	Material, Replaces        chunk.BlockID
	ClusterCount, ClusterSize int
	MinHeight, MaxHeight      int
}

var defaultOres = []OreType{
	{CoalOre, Stone, 20, 16, 0, 128},
	{IronOre, Stone, 20, 8, 0, 64},
	{GoldOre, Stone, 2, 8, 0, 32},
	{DiamondOre, Stone, 1, 7, 0, 16},
	{Dirt, Stone, 20, 32, 0, 128},
	{Gravel, Stone, 10, 16, 0, 128},
}

// ores places ore veins. Veins may reach into neighbouring columns, in which
// case the writes are deferred by the accessor until those columns are
// resident.
type ores struct {
	g     *Generator
	types []OreType
}

// Pass ...
func (ores) Pass() world.Pass { return world.PassTerrainFeatures }

// Run ...
func (o ores) Run(pos world.ColumnPos, acc world.BlockAccessor, from, to world.Pass) (world.Pass, error) {
	r := o.g.random(pos, saltOre)
	origin := columnOrigin(pos)
	// Clusters are counted per 16x16 area, as the vein sizes were tuned for.
	areas := (chunk.Size / 16) * (chunk.Size / 16)
	for _, ore := range o.types {
		for range ore.ClusterCount * areas {
			p := world.BlockPos{
				X:   rangeIn(r, origin.X, origin.X+chunk.Size-1),
				Y:   rangeIn(r, ore.MinHeight, min(ore.MaxHeight, o.g.height-1)),
				Z:   rangeIn(r, origin.Z, origin.Z+chunk.Size-1),
				Dim: pos.Dim,
			}
			if acc.Block(p, chunk.LayerSolid) == ore.Replaces {
				ore.place(acc, p, r)
			}
		}
	}
	return to, nil
}

// place grows a vein of the ore as a series of spheres along a line through
// pos.
func (o OreType) place(acc world.BlockAccessor, pos world.BlockPos, r *rand.Rand) {
	clusterSize := float64(o.ClusterSize)
	vec := mgl64.Vec3{float64(pos.X), float64(pos.Y), float64(pos.Z)}
	angle := r.Float64() * math.Pi
	offset := mgl64.Vec2{math.Cos(angle), math.Sin(angle)}.Mul(clusterSize / 8)
	from := vec.Add(mgl64.Vec3{offset[0], float64(r.IntN(3)) + 2, offset[1]})
	to := vec.Add(mgl64.Vec3{-offset[0], float64(r.IntN(3)) + 2, -offset[1]})

	for i := float64(0); i <= clusterSize; i++ {
		seed := from.Add(to.Sub(from).Mul(i / clusterSize))
		size := ((math.Sin(i*(math.Pi/clusterSize))+1)*r.Float64()*clusterSize/16 + 1) / 2

		for xx := math.Floor(seed[0] - size); xx <= math.Floor(seed[0]+size); xx++ {
			sizeX := sq((xx + 0.5 - seed[0]) / size)
			if sizeX >= 1 {
				continue
			}
			for yy := math.Floor(seed[1] - size); yy <= math.Floor(seed[1]+size); yy++ {
				sizeY := sq((yy + 0.5 - seed[1]) / size)
				if yy <= 0 || sizeX+sizeY >= 1 {
					continue
				}
				for zz := math.Floor(seed[2] - size); zz <= math.Floor(seed[2]+size); zz++ {
					sizeZ := sq((zz + 0.5 - seed[2]) / size)
					target := world.BlockPos{X: int(xx), Y: int(yy), Z: int(zz), Dim: pos.Dim}
					if sizeX+sizeY+sizeZ < 1 && acc.Block(target, chunk.LayerSolid) == o.Replaces {
						acc.SetBlock(target, chunk.LayerSolid, o.Material)
					}
				}
			}
		}
	}
}

func sq(v float64) float64 {
	return v * v
}
