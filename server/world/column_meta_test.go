package world

import (
	"testing"
)

func TestColumnMetaAdvanceIsMonotonic(t *testing.T) {
	m := NewColumnMeta(ColumnPos{X: 1})
	if !m.Advance(PassVegetation) {
		t.Fatalf("advance to a higher pass failed")
	}
	if m.Advance(PassTerrain) {
		t.Fatalf("advance to a lower pass succeeded")
	}
	if m.Pass() != PassVegetation {
		t.Fatalf("expected pass %v, got %v", PassVegetation, m.Pass())
	}
}

func TestColumnMetaAge(t *testing.T) {
	m := NewColumnMeta(ColumnPos{})
	m.Refresh(3)
	for _, want := range []uint8{2, 1, 1, 1} {
		if got := m.Age(1); got != want {
			t.Fatalf("expected age %v, got %v", want, got)
		}
	}
	m.Refresh(3)
	if m.UnloadAge() != 3 {
		t.Fatalf("refresh did not reset the age")
	}
}

func TestColumnMetaEncodeDecode(t *testing.T) {
	pos := ColumnPos{X: -12, Z: 40, Dim: 1}
	m := NewColumnMeta(pos)
	m.Advance(PassFreezeFeatures)
	m.updateHeights(3, 4, 77, true, true, nil)
	m.SetTopRockHeight(5, 6, 12)
	m.ScheduleBlockUpdate(ScheduledBlockUpdate{Pos: BlockPos{X: -400, Y: 8, Z: 1300, Dim: 1}, Block: 42, Layer: 1})
	m.ScheduleLightUpdate(LightUpdate{Pos: BlockPos{X: -380, Y: 9, Z: 1290, Dim: 1}, Old: 1, New: 2})

	b, v, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeColumnMeta(pos, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Dirty() {
		t.Fatalf("decoded metadata is dirty")
	}
	if got.Pass() != PassFreezeFeatures || got.RainHeight(3, 4) != 77 || got.TerrainHeight(3, 4) != 77 || got.TopRockHeight(5, 6) != 12 {
		t.Fatalf("decoded metadata differs from the original")
	}
	if blocks, light := got.PendingUpdates(); blocks != 1 || light != 1 {
		t.Fatalf("expected 1 scheduled block and light update, got %v and %v", blocks, light)
	}
	updates, _ := got.takeScheduled()
	if u := updates[0]; u.Pos.X != -400 || u.Block != 42 || u.Layer != 1 || u.Pos.Dim != 1 {
		t.Fatalf("unexpected scheduled update %+v", u)
	}

	m.ClearDirty(v)
	if m.Dirty() {
		t.Fatalf("metadata still dirty after clearing the encoded version")
	}
}

func TestDecodeColumnMetaRejectsGarbage(t *testing.T) {
	if _, err := DecodeColumnMeta(ColumnPos{}, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error decoding garbage")
	}
}

func TestHeightMapLowersOnRemoval(t *testing.T) {
	m := NewColumnMeta(ColumnPos{})
	m.updateHeights(0, 0, 10, true, false, nil)
	m.updateHeights(0, 0, 20, true, false, nil)
	if m.TerrainHeight(0, 0) != 0 {
		t.Fatalf("terrain height changed outside of generation")
	}
	m.updateHeights(0, 0, 20, false, false, func(int32) int32 { return 10 })
	if h := m.RainHeight(0, 0); h != 10 {
		t.Fatalf("expected rain height 10 after removal, got %v", h)
	}
	// Removing a block below the top leaves the height map untouched.
	m.updateHeights(0, 0, 5, false, false, func(int32) int32 {
		t.Fatalf("scanned below a block that is not the highest")
		return 0
	})
}
