package generator

import "github.com/df-mc/chunkd/server/world/chunk"

// Biome describes the terrain shape and decoration of an area.
type Biome struct {
	Name string
	// MinElevation and MaxElevation bound the surface height of the biome
	// before it is smoothed with its neighbours.
	MinElevation, MaxElevation int
	// Temperature below freezeTemperature freezes water and covers the
	// ground with snow.
	Temperature float64
	// Cover is placed on top of the stone, from the surface downwards.
	Cover []chunk.BlockID
	// Trees is the base amount of trees per chunk, grown as Tree.
	Trees int
	Tree  treeKind
	// Grass is the base amount of short grass per chunk.
	Grass int
}

const freezeTemperature = 0.15

var (
	ocean     = Biome{Name: "ocean", MinElevation: 46, MaxElevation: 58, Temperature: 0.5, Cover: []chunk.BlockID{Gravel, Gravel, Stone}}
	plains    = Biome{Name: "plains", MinElevation: 63, MaxElevation: 68, Temperature: 0.8, Cover: []chunk.BlockID{Grass, Dirt, Dirt}, Tree: oakTree, Grass: 12}
	desert    = Biome{Name: "desert", MinElevation: 63, MaxElevation: 74, Temperature: 2, Cover: []chunk.BlockID{Sand, Sand, Sand, Sandstone, Sandstone}}
	forest    = Biome{Name: "forest", MinElevation: 63, MaxElevation: 81, Temperature: 0.7, Cover: []chunk.BlockID{Grass, Dirt, Dirt}, Trees: 5, Tree: oakTree, Grass: 3}
	taiga     = Biome{Name: "taiga", MinElevation: 63, MaxElevation: 81, Temperature: 0.05, Cover: []chunk.BlockID{Grass, Dirt, Dirt}, Trees: 10, Tree: spruceTree, Grass: 1}
	mountains = Biome{Name: "mountains", MinElevation: 63, MaxElevation: 127, Temperature: 0.4, Cover: []chunk.BlockID{Grass, Dirt, Dirt}, Trees: 1, Tree: spruceTree, Grass: 1}
	icePlains = Biome{Name: "ice_plains", MinElevation: 63, MaxElevation: 74, Temperature: 0.05, Cover: []chunk.BlockID{Grass, Dirt, Dirt}, Grass: 1}
)

// biomeAt selects the biome of the block column at x and z from two low
// frequency noise maps. The coordinates are jittered by a hash so that the
// edges between biomes are not straight.
func (g *Generator) biomeAt(x, z int) Biome {
	h := int64(x)*2345803 ^ int64(z)*9236449 ^ g.seed
	h *= h + 223
	jx, jz := int(h>>20&3), int(h>>22&3)
	if jx == 3 {
		jx = 1
	}
	if jz == 3 {
		jz = 1
	}
	fx, fz := float64(x+jx-1)/biomeScale, float64(z+jz-1)/biomeScale

	temperature := g.noise2D(fx, fz, saltTemperature)
	rainfall := g.noise2D(fx, fz, saltRainfall)
	switch {
	case rainfall < 0.22:
		return ocean
	case temperature < 0.2:
		if rainfall < 0.5 {
			return icePlains
		}
		return taiga
	case temperature < 0.4:
		return mountains
	case temperature > 0.78:
		return desert
	case rainfall > 0.55:
		return forest
	}
	return plains
}
