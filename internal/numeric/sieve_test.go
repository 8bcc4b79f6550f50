package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func isPrimeBruteForce(n uint64) bool {
	if n < 2 {
		return false
	}
	for d := uint64(2); d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

func TestNthPrimeSmallValues(t *testing.T) {
	s := NewSieve()
	expected := []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29}
	for k, want := range expected {
		assert.Equal(t, want, s.NthPrime(k+1))
	}
}

func TestSieveCorrectnessSampled(t *testing.T) {
	s := NewSieve()
	limit := 2000
	if testing.Short() {
		limit = 200
	}
	for k := 1; k <= limit; k++ {
		p := s.NthPrime(k)
		if !isPrimeBruteForce(p) {
			t.Fatalf("NthPrime(%d) = %d is not prime", k, p)
		}
		if got := s.CountBelow(p); got != k-1 {
			t.Fatalf("CountBelow(%d) = %d, want %d", p, got, k-1)
		}
	}
}

func TestTwelveResidueProperty(t *testing.T) {
	s := NewSieve()
	for k := 3; k <= 5000; k++ {
		p := s.NthPrime(k)
		r := p % 12
		if r != 1 && r != 5 && r != 7 && r != 11 {
			t.Fatalf("prime %d (k=%d) has residue %d mod 12, want one of {1,5,7,11}", p, k, r)
		}
	}
}

func TestPrimeCacheSize(t *testing.T) {
	s := NewSieve()
	cache := s.Cache()
	assert.GreaterOrEqual(t, len(cache), minPrefilledCache)
	assert.Equal(t, uint64(2), cache[0])
}

func TestSieveDeterministic(t *testing.T) {
	s1 := NewSieve()
	s2 := NewSieve()
	for k := 1; k <= 500; k++ {
		assert.Equal(t, s1.NthPrime(k), s2.NthPrime(k))
	}
}
