package topology

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func TestStarLeafHasOnlyCenter(t *testing.T) {
	g := Star(5)
	for _, leaf := range []int{0, 1, 3, 4} {
		got := g.Neighbors(leaf)
		if len(got) != 1 || got[0] != 2 {
			t.Fatalf("leaf %d neighbors = %v, want [2]", leaf, got)
		}
	}
	center := g.Neighbors(2)
	if len(center) != 4 {
		t.Fatalf("center neighbors = %v, want 4 entries", center)
	}
}

func TestDiagonalConventions(t *testing.T) {
	cases := []struct {
		name     string
		graph    *Graph
		diagonal int
	}{
		{"star", Star(4), 1},
		{"fully_connected", FullyConnected(4), 1},
		{"ring", Ring(4), 1},
		{"mesh", Mesh(4), 1},
		{"random", Random(4, 1, rand.New(rand.NewPCG(1, 2))), 0},
	}
	for _, tc := range cases {
		m := tc.graph.Matrix()
		for i := range m {
			if m[i][i] != tc.diagonal {
				t.Fatalf("%s: diagonal[%d] = %d, want %d", tc.name, i, m[i][i], tc.diagonal)
			}
			for _, n := range tc.graph.Neighbors(i) {
				if n == i {
					t.Fatalf("%s: node %d lists itself as neighbor", tc.name, i)
				}
			}
		}
	}
}

func TestRingNeighbors(t *testing.T) {
	g := Ring(5)
	got := g.Neighbors(0)
	if len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Fatalf("ring neighbors of 0 = %v, want [1 4]", got)
	}
}

func TestRandomIsSymmetricAndSeeded(t *testing.T) {
	a := Random(12, 0.4, rand.New(rand.NewPCG(7, 7)))
	b := Random(12, 0.4, rand.New(rand.NewPCG(7, 7)))
	ma, mb := a.Matrix(), b.Matrix()
	for i := range ma {
		for j := range ma[i] {
			if ma[i][j] != ma[j][i] {
				t.Fatalf("random graph asymmetric at (%d,%d)", i, j)
			}
			if ma[i][j] != mb[i][j] {
				t.Fatalf("same seed produced different graphs at (%d,%d)", i, j)
			}
		}
	}
	if !Random(6, 1, rand.New(rand.NewPCG(1, 1))).IsConnected() {
		t.Fatalf("density 1 should link every pair")
	}
	if Random(3, 0, rand.New(rand.NewPCG(1, 1))).IsConnected() {
		t.Fatalf("density 0 should leave nodes isolated")
	}
}

func TestGenerateValidates(t *testing.T) {
	if _, err := Generate(KindRing, 0, 0, nil); err == nil {
		t.Fatalf("expected error for zero nodes")
	}
	if _, err := Generate(KindRandom, 3, 1.5, rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Fatalf("expected error for density out of range")
	}
	if _, err := Generate("torus", 3, 0, nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	g, err := Generate(KindMesh, 3, 0, nil)
	if err != nil {
		t.Fatalf("generate mesh: %v", err)
	}
	if !g.IsConnected() {
		t.Fatalf("mesh should be connected")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"1":               KindStar,
		"2":               KindFullyConnected,
		"fc":              KindFullyConnected,
		"Fully-Connected": KindFullyConnected,
		"ring":            KindRing,
		"4":               KindMesh,
		" random ":        KindRandom,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q = %q, want %q", raw, got, want)
		}
	}
	if _, err := ParseKind("6"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind for 6, got %v", err)
	}
}

func TestFromMatrix(t *testing.T) {
	g, err := FromMatrix([][]int{{0, 1, 0}, {1, 0, 1}, {0, 1, 0}})
	if err != nil {
		t.Fatalf("from matrix: %v", err)
	}
	if got := g.Neighbors(1); len(got) != 2 {
		t.Fatalf("neighbors of 1 = %v", got)
	}
	if _, err := FromMatrix([][]int{{0, 1}, {0, 0}}); err == nil {
		t.Fatalf("expected asymmetric matrix to be rejected")
	}
	if _, err := FromMatrix([][]int{{0, 2}, {2, 0}}); err == nil {
		t.Fatalf("expected non 0/1 value to be rejected")
	}
	if _, err := FromMatrix([][]int{{0, 1}, {1}}); err == nil {
		t.Fatalf("expected ragged matrix to be rejected")
	}
}
