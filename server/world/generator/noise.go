package generator

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	saltHeight uint64 = iota + 1
	saltDetail
	saltTemperature
	saltRainfall
	saltOre
	saltVegetation
)

// biomeScale is the size in blocks of a cell of the biome noise maps.
const biomeScale = 256

// lattice returns a pseudo random value in [0, 1) for the integer lattice
// point x, z.
func (g *Generator) lattice(x, z int64, salt uint64) float64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(x))
	binary.LittleEndian.PutUint64(buf[8:], uint64(z))
	binary.LittleEndian.PutUint64(buf[16:], uint64(g.seed))
	binary.LittleEndian.PutUint64(buf[24:], salt)
	return float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
}

// noise2D samples smoothed value noise at x, z. The result is in [0, 1).
func (g *Generator) noise2D(x, z float64, salt uint64) float64 {
	x0, z0 := math.Floor(x), math.Floor(z)
	tx, tz := fade(x-x0), fade(z-z0)
	ix, iz := int64(x0), int64(z0)

	a := lerp(g.lattice(ix, iz, salt), g.lattice(ix+1, iz, salt), tx)
	b := lerp(g.lattice(ix, iz+1, salt), g.lattice(ix+1, iz+1, salt), tx)
	return lerp(a, b, tz)
}

// octaves sums count layers of noise, each at twice the frequency and half the
// amplitude of the previous one, normalised back to [0, 1).
func (g *Generator) octaves(x, z float64, count int, salt uint64) float64 {
	var sum, amplitude, total float64 = 0, 1, 0
	for i := range count {
		sum += g.noise2D(x, z, salt+uint64(i)<<8) * amplitude
		total += amplitude
		x, z, amplitude = x*2, z*2, amplitude/2
	}
	return sum / total
}

func fade(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
