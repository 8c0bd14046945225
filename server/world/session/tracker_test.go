package session

import (
	"slices"
	"testing"

	"github.com/df-mc/chunkd/server/world"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

func TestJoinReturnsNearestFirst(t *testing.T) {
	tr := NewTracker(2)
	id := uuid.New()
	cols := tr.Join(id, 0, mgl64.Vec3{40, 70, -10})

	centre := world.ColumnPos{X: 1, Z: -1}
	if cols[0] != centre {
		t.Fatalf("expected %v first, got %v", centre, cols[0])
	}
	// Radius 2 covers 13 columns in a circle.
	if len(cols) != 13 {
		t.Fatalf("expected 13 columns, got %v", len(cols))
	}
	for i := 1; i < len(cols); i++ {
		if distSq(centre, cols[i-1]) > distSq(centre, cols[i]) {
			t.Fatalf("columns not sorted by distance: %v", cols)
		}
	}
	if got := tr.ForClient(id); !slices.Equal(got, cols) {
		t.Fatalf("ForClient differs from Join: %v != %v", got, cols)
	}
}

func TestMoveReportsEnteredAndLeft(t *testing.T) {
	tr := NewTracker(1)
	id := uuid.New()
	tr.Join(id, 0, mgl64.Vec3{})

	if entered, left := tr.Move(id, mgl64.Vec3{31, 0, 31}); entered != nil || left != nil {
		t.Fatalf("moving within a column should not change the area")
	}
	entered, left := tr.Move(id, mgl64.Vec3{32, 0, 0})
	wantEntered := []world.ColumnPos{{X: 2, Z: 0}, {X: 1, Z: -1}, {X: 1, Z: 1}}
	wantLeft := []world.ColumnPos{{X: -1, Z: 0}, {X: 0, Z: -1}, {X: 0, Z: 1}}
	for _, p := range wantEntered {
		if !slices.Contains(entered, p) {
			t.Fatalf("expected %v to enter, got %v", p, entered)
		}
	}
	for _, p := range wantLeft {
		if !slices.Contains(left, p) {
			t.Fatalf("expected %v to leave, got %v", p, left)
		}
	}
	if len(entered) != len(wantEntered) || len(left) != len(wantLeft) {
		t.Fatalf("unexpected change: entered %v, left %v", entered, left)
	}
}

func TestLeaveAndUnknownClients(t *testing.T) {
	tr := NewTracker(0)
	id := uuid.New()
	if e, l := tr.Move(id, mgl64.Vec3{}); e != nil || l != nil {
		t.Fatalf("unknown client moved")
	}
	tr.Join(id, 1, mgl64.Vec3{-1, 0, -1})
	if got := tr.ForClient(id); len(got) != 1 || got[0] != (world.ColumnPos{X: -1, Z: -1, Dim: 1}) {
		t.Fatalf("unexpected columns %v", got)
	}
	if _, dim, ok := tr.Position(id); !ok || dim != 1 {
		t.Fatalf("expected position in dimension 1")
	}
	if !tr.Leave(id) || tr.Leave(id) {
		t.Fatalf("expected the first Leave to succeed only")
	}
	if tr.Len() != 0 || len(tr.Clients()) != 0 || tr.ForClient(id) != nil {
		t.Fatalf("client still tracked after leaving")
	}
}
