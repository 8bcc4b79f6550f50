package numeric

import (
	"math"
	"testing"
)

func TestLatticeCoordDeterministic(t *testing.T) {
	s := NewSieve()
	lm := NewLatticeMap(s)

	x0, y0, z0 := lm.Coord(42)
	for i := 0; i < 1000; i++ {
		x, y, z := lm.Coord(42)
		if x != x0 || y != y0 || z != z0 {
			t.Fatalf("Coord(42) not bit-identical on repeat %d: (%v,%v,%v) vs (%v,%v,%v)", i, x, y, z, x0, y0, z0)
		}
	}
}

func TestLatticeCoordUnitNorm(t *testing.T) {
	s := NewSieve()
	lm := NewLatticeMap(s)
	for _, i := range []int{0, 1, 2, 5, 100, 999} {
		x, y, z := lm.Coord(i)
		norm := math.Sqrt(float64(x*x + y*y + z*z))
		if math.Abs(norm-1) > 1e-5 {
			t.Errorf("Coord(%d) norm = %v, want ~1", i, norm)
		}
	}
}

func TestGCDSimilaritySymmetric(t *testing.T) {
	s := NewSieve()
	lm := NewLatticeMap(s)
	for i := 0; i < 200; i++ {
		for j := 0; j < 200; j += 7 {
			if lm.GCDSimilarity(i, j) != lm.GCDSimilarity(j, i) {
				t.Fatalf("GCDSimilarity(%d,%d) != GCDSimilarity(%d,%d)", i, j, j, i)
			}
		}
	}
}

func TestGCDSimilarityIdentity(t *testing.T) {
	s := NewSieve()
	lm := NewLatticeMap(s)
	for _, i := range []int{0, 1, 50, 500} {
		if got := lm.GCDSimilarity(i, i); got != 1.0 {
			t.Errorf("GCDSimilarity(%d,%d) = %v, want 1.0", i, i, got)
		}
	}
}

func TestUlamDistanceZeroForSameToken(t *testing.T) {
	s := NewSieve()
	lm := NewLatticeMap(s)
	if d := lm.UlamDistance(17, 17); d != 0 {
		t.Errorf("UlamDistance(17,17) = %v, want 0", d)
	}
}
