package generator

import "github.com/df-mc/chunkd/server/world/chunk"

// Runtime IDs of the blocks placed by the reference generator.
const (
	Air chunk.BlockID = iota
	Bedrock
	Stone
	Dirt
	Grass
	Sand
	Sandstone
	Gravel
	Water
	Ice
	Snow
	CoalOre
	IronOre
	GoldOre
	DiamondOre
	OakLog
	OakLeaves
	SpruceLog
	SpruceLeaves
	ShortGrass
)

var blockNames = [...]string{
	Air:          "air",
	Bedrock:      "bedrock",
	Stone:        "stone",
	Dirt:         "dirt",
	Grass:        "grass",
	Sand:         "sand",
	Sandstone:    "sandstone",
	Gravel:       "gravel",
	Water:        "water",
	Ice:          "ice",
	Snow:         "snow_layer",
	CoalOre:      "coal_ore",
	IronOre:      "iron_ore",
	GoldOre:      "gold_ore",
	DiamondOre:   "diamond_ore",
	OakLog:       "oak_log",
	OakLeaves:    "oak_leaves",
	SpruceLog:    "spruce_log",
	SpruceLeaves: "spruce_leaves",
	ShortGrass:   "short_grass",
}

// BlockName returns the name of a block placed by the generator, or an empty
// string for unknown IDs.
func BlockName(id chunk.BlockID) string {
	if int(id) < len(blockNames) {
		return blockNames[id]
	}
	return ""
}

// Opaque reports if the block passed blocks sky light.
func Opaque(id chunk.BlockID) bool {
	switch id {
	case Air, Water, Ice, OakLeaves, SpruceLeaves, ShortGrass:
		return false
	}
	return true
}

// solid reports if a block stops trees from growing through it.
func solid(id chunk.BlockID) bool {
	switch id {
	case Air, Water, OakLeaves, SpruceLeaves, ShortGrass, Snow:
		return false
	}
	return true
}
