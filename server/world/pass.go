package world

import "fmt"

// Pass is an ordered stage of world generation. A column must complete every
// pass before the next one may run.
type Pass uint8

const (
	PassNone Pass = iota
	PassTerrain
	PassTerrainFeatures
	PassFreezeFeatures
	PassVegetation
	PassNeighbourSunLight
	PassPreDone
	PassDone
)

var passNames = [...]string{
	PassNone:              "none",
	PassTerrain:           "terrain",
	PassTerrainFeatures:   "terrain_features",
	PassFreezeFeatures:    "freeze_features",
	PassVegetation:        "vegetation",
	PassNeighbourSunLight: "neighbour_sunlight",
	PassPreDone:           "pre_done",
	PassDone:              "done",
}

// String ...
func (p Pass) String() string {
	if int(p) < len(passNames) {
		return passNames[p]
	}
	return fmt.Sprintf("pass(%d)", uint8(p))
}

// Valid reports if p is a known pass.
func (p Pass) Valid() bool {
	return p <= PassDone
}

// ParsePass returns the pass with the name passed.
func ParsePass(name string) (Pass, bool) {
	for i, n := range passNames {
		if n == name {
			return Pass(i), true
		}
	}
	return PassNone, false
}

func maxPass(a, b Pass) Pass {
	if a > b {
		return a
	}
	return b
}
