package chunk

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
)

type countingHook struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHook) BeforeUnload() {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
}

func fill(c *Chunk, r *rand.Rand, density float64, layer Layer) {
	for x := uint8(0); x < Size; x++ {
		for y := uint8(0); y < Size; y++ {
			for z := uint8(0); z < Size; z++ {
				if r.Float64() < density {
					c.SetBlock(x, y, z, layer, BlockID(r.Uint32N(4096)+1))
				}
			}
		}
	}
}

func equalBlocks(t *testing.T, a, b *Chunk) {
	t.Helper()
	for _, layer := range []Layer{LayerSolid, LayerFluid} {
		for x := uint8(0); x < Size; x++ {
			for y := uint8(0); y < Size; y++ {
				for z := uint8(0); z < Size; z++ {
					if got, want := b.Block(x, y, z, layer), a.Block(x, y, z, layer); got != want {
						t.Fatalf("block %d,%d,%d layer %d: got %d, want %d", x, y, z, layer, got, want)
					}
				}
			}
		}
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		density float64
		fluid   bool
	}{
		{name: "air", density: 0},
		{name: "sparse", density: 0.05},
		{name: "dense", density: 1},
		{name: "dense with fluid", density: 1, fluid: true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := rand.New(rand.NewPCG(uint64(i), 7))
			src := New()
			fill(src, r, tc.density, LayerSolid)
			if tc.fluid {
				fill(src, r, 0.3, LayerFluid)
			}
			ref := New()
			for _, layer := range []Layer{LayerSolid, LayerFluid} {
				for x := uint8(0); x < Size; x++ {
					for y := uint8(0); y < Size; y++ {
						for z := uint8(0); z < Size; z++ {
							ref.SetBlock(x, y, z, layer, src.Block(x, y, z, layer))
						}
					}
				}
			}

			if err := src.Pack(); err != nil {
				t.Fatalf("pack: %v", err)
			}
			if !src.Packed() {
				t.Fatalf("expected chunk to be packed")
			}
			if err := src.Unpack(); err != nil {
				t.Fatalf("unpack: %v", err)
			}
			if err := src.Unpack(); err != nil {
				t.Fatalf("second unpack: %v", err)
			}
			equalBlocks(t, ref, src)
		})
	}
}

func TestPackedChunkUnpacksOnAccess(t *testing.T) {
	c := New()
	c.SetBlock(1, 2, 3, LayerSolid, 42)
	if err := c.Pack(); err != nil {
		t.Fatalf("pack: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.Block(1, 2, 3, LayerSolid); got != 42 {
				t.Errorf("expected block 42, got %d", got)
			}
		}()
	}
	wg.Wait()
	if c.Packed() {
		t.Fatalf("expected chunk to be unpacked after access")
	}
}

func TestPackKeepsDirtyState(t *testing.T) {
	c := New()
	_, v := c.Encode()
	c.ClearDirty(v)
	if c.Dirty() {
		t.Fatalf("expected chunk to be clean after ClearDirty")
	}
	if err := c.Pack(); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if c.Dirty() {
		t.Fatalf("packing must not mark a chunk dirty")
	}
}

func TestClearDirtyIgnoresStaleVersion(t *testing.T) {
	c := New()
	_, v := c.Encode()
	c.SetBlock(0, 0, 0, LayerSolid, 5)
	c.ClearDirty(v)
	if !c.Dirty() {
		t.Fatalf("chunk modified after encoding must stay dirty")
	}
	_, v = c.Encode()
	c.ClearDirty(v)
	if c.Dirty() {
		t.Fatalf("expected chunk to be clean")
	}
}

func TestEncodeDecode(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	c := New()
	fill(c, r, 0.4, LayerSolid)
	fill(c, r, 0.1, LayerFluid)

	data, _ := c.Encode()
	dec, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Dirty() {
		t.Fatalf("decoded chunk must not be dirty")
	}
	equalBlocks(t, c, dec)

	if err := c.Pack(); err != nil {
		t.Fatalf("pack: %v", err)
	}
	packedData, _ := c.Encode()
	dec, err = Decode(packedData)
	if err != nil {
		t.Fatalf("decode packed: %v", err)
	}
	equalBlocks(t, c, dec)
}

func TestDecodeRejectsCorruptPayload(t *testing.T) {
	c := New()
	c.SetBlock(3, 3, 3, LayerSolid, 9)
	data, _ := c.Encode()
	data[len(data)-1] ^= 0xff
	if _, err := Decode(data); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	if _, err := Decode(data[:4]); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestBeforeUnloadRunsHooksOnce(t *testing.T) {
	c := New()
	e, be := &countingHook{}, &countingHook{}
	c.AddEntity(e)
	c.SetBlockEntity(Pos{1, 1, 1}, be)

	ents, bes := c.BeforeUnload()
	if ents != 1 || bes != 1 {
		t.Fatalf("expected 1 entity and 1 block entity, got %d and %d", ents, bes)
	}
	c.BeforeUnload()
	if e.calls != 1 || be.calls != 1 {
		t.Fatalf("expected hooks to run once, got %d and %d", e.calls, be.calls)
	}
}

func TestOutOfRangeAccess(t *testing.T) {
	c := New()
	if got := c.Block(Size, 0, 0, LayerSolid); got != Air {
		t.Fatalf("expected air for out of range read, got %d", got)
	}
	if old := c.SetBlock(0, Size, 0, LayerSolid, 3); old != Air {
		t.Fatalf("expected air for out of range write, got %d", old)
	}
	if !c.Empty() {
		t.Fatalf("out of range write must not modify the chunk")
	}
}
