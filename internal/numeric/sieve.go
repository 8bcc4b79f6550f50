// Package numeric implements the crystalline numeric kernel: a prime sieve,
// a self-contained transcendental function library, and the prime-lattice
// coordinate map derived from them. Nothing in this package calls into an
// external floating-point math runtime — every transcendental is built from
// IEEE-754 bit manipulation, arithmetic, and polynomial approximation.
package numeric

import "sync"

// segmentBytes is the size of one sieve segment: 32 KiB, one bit per odd
// number, so each segment covers 32*1024*8*2 = 524288 consecutive integers.
const segmentBytes = 32 * 1024

// minPrefilledCache is the minimum number of primes built eagerly at
// construction time, per the sieve contract.
const minPrefilledCache = 10000

// Sieve produces the k-th prime (1-indexed, NthPrime(1) == 2) from a
// prefilled cache backed by an on-demand segmented Sieve of Eratosthenes.
// A Sieve is safe for concurrent use: every worker reads through the same
// instance, and extension is serialized under a mutex.
type Sieve struct {
	mu      sync.Mutex
	primes  []uint64 // all primes discovered so far, in increasing order
	base    []uint64 // base primes, covering sqrt of the highest sieved bound
	baseMax uint64   // upper bound base currently covers
	nextLow uint64   // next odd candidate to begin sieving from
}

// NewSieve builds a Sieve with at least minPrefilledCache primes cached.
func NewSieve() *Sieve {
	s := &Sieve{
		primes:  []uint64{2},
		nextLow: 3,
	}
	s.extendToCount(minPrefilledCache)
	return s
}

// NthPrime returns the k-th prime for k >= 1. NthPrime(1) == 2.
func (s *Sieve) NthPrime(k int) uint64 {
	if k < 1 {
		k = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extendToCountLocked(k)
	return s.primes[k-1]
}

// Cache returns a copy of the prefilled prime cache (at least
// minPrefilledCache entries, index 0 holding the 1st prime).
func (s *Sieve) Cache() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := minPrefilledCache
	if len(s.primes) < n {
		n = len(s.primes)
	}
	out := make([]uint64, n)
	copy(out, s.primes[:n])
	return out
}

// CountBelow returns the number of primes strictly less than p, extending
// the sieve as needed. It is used by the sieve-correctness test property.
func (s *Sieve) CountBelow(p uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.primes[len(s.primes)-1] < p {
		s.sieveNextSegmentLocked()
	}
	lo, hi := 0, len(s.primes)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.primes[mid] < p {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (s *Sieve) extendToCount(k int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extendToCountLocked(k)
}

func (s *Sieve) extendToCountLocked(k int) {
	for len(s.primes) < k {
		s.sieveNextSegmentLocked()
	}
}

// sieveNextSegmentLocked crosses off one 32 KiB segment (one bit per odd
// number) using previously discovered base primes, growing the base-prime
// set first if the segment's upper bound exceeds what it currently covers.
func (s *Sieve) sieveNextSegmentLocked() {
	low := s.nextLow
	span := uint64(segmentBytes) * 8 * 2 // numbers covered by the segment
	high := low + span                   // exclusive upper bound

	s.ensureBasePrimesLocked(isqrt(high) + 1)

	composite := make([]uint8, segmentBytes) // bit i set <=> (low + 2*i) is composite
	for _, p := range s.base {
		if p < 3 {
			continue
		}
		start := p * p
		if start < low {
			// first multiple of p that is >= low
			start = ((low + p - 1) / p) * p
			if start < p*p {
				start = p * p
			}
		}
		if start%2 == 0 {
			start += p
		}
		for m := start; m < high; m += 2 * p {
			i := (m - low) / 2
			composite[i>>3] |= 1 << (i & 7)
		}
	}

	for i := uint64(0); i < span/2; i++ {
		if composite[i>>3]&(1<<(i&7)) == 0 {
			candidate := low + i*2
			if candidate < 3 {
				continue
			}
			assertResidueInvariant(len(s.primes)+1, candidate)
			s.primes = append(s.primes, candidate)
		}
	}
	s.nextLow = high
}

// ensureBasePrimesLocked regenerates the simple sieve of base primes whenever
// a larger segment demands base primes beyond sqrt of what was previously
// covered.
func (s *Sieve) ensureBasePrimesLocked(bound uint64) {
	if bound <= s.baseMax {
		return
	}
	if bound < 16 {
		bound = 16
	}
	sieve := make([]bool, bound+1)
	base := make([]uint64, 0, bound/10+4)
	for p := uint64(2); p <= bound; p++ {
		if sieve[p] {
			continue
		}
		base = append(base, p)
		for m := p * p; m <= bound; m += p {
			sieve[m] = true
		}
	}
	s.base = base
	s.baseMax = bound
}

// assertResidueInvariant panics if a discovered prime violates the 12-residue
// property that downstream consumers assume: every prime beyond the third (p=5) satisfies p mod 12 in
// {1,5,7,11}. This never fires for a correct segmented sieve — it exists as
// a standing invariant check, not a correctness mechanism.
func assertResidueInvariant(rank int, p uint64) {
	if rank < 3 {
		return // 2 and 3 are the documented exceptions
	}
	switch p % 12 {
	case 1, 5, 7, 11:
		return
	default:
		panic("numeric: sieve produced a prime violating the 12-residue invariant")
	}
}

// isqrt returns floor(sqrt(n)) for a non-negative integer n using Newton's
// method in pure integer arithmetic.
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
