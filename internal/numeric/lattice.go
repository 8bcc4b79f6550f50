package numeric

// LatticeMap derives deterministic 3-D unit coordinates, GCD-based token
// similarity, and Ulam-spiral distance from token ids and their associated
// primes. It never decreases training loss on its own — it is an auxiliary
// metric, not a loss function (see §9 of the spec this implements).
type LatticeMap struct {
	sieve *Sieve
}

// NewLatticeMap builds a LatticeMap backed by the given Sieve.
func NewLatticeMap(sieve *Sieve) *LatticeMap {
	return &LatticeMap{sieve: sieve}
}

// Coord returns the deterministic unit 3-vector for token id i.
func (l *LatticeMap) Coord(i int) (x, y, z float32) {
	p := l.sieve.NthPrime(i + 1)

	radius := Sqrt(float32(i))
	angle := float32(i) * (2 * Pi / (Phi * Phi))
	x = radius * Cos(angle)
	y = radius * Sin(angle)
	z = Log(float32(p)+1)

	pert := float32(i) / 1000
	x += 0.1 * Cos(2*Pi*pert)
	y += 0.1 * Sin(2*Pi*pert)
	z += 0.1 * Sin(2*Pi*pert*Phi)

	norm := Sqrt(x*x + y*y + z*z)
	if norm == 0 {
		return 0, 0, 0
	}
	return x / norm, y / norm, z / norm
}

// GCDSimilarity returns a similarity score in [0,1] derived from the gcd of
// the primes associated with tokens i and j. Identical tokens return 1.0 by
// convention; since distinct token ids map to distinct primes, their gcd is
// always 1, so every non-identical pair returns the baseline 0.5.
func (l *LatticeMap) GCDSimilarity(i, j int) float32 {
	if i == j {
		return 1.0
	}
	pi := l.sieve.NthPrime(i + 1)
	pj := l.sieve.NthPrime(j + 1)
	g := gcd(pi, pj)
	if g > 1 {
		return 1.0 / float32(g)
	}
	return 0.5
}

// UlamDistance returns the Euclidean distance between the Ulam-spiral
// positions of tokens i and j.
func (l *LatticeMap) UlamDistance(i, j int) float32 {
	xi, yi := ulamCoord(i)
	xj, yj := ulamCoord(j)
	dx := float32(xi - xj)
	dy := float32(yi - yj)
	return Sqrt(dx*dx + dy*dy)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ulamCoord returns the 2-D integer position of n on the standard Ulam
// spiral, with 0 at the origin and increasing n spiraling counter-clockwise.
func ulamCoord(n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	x, y := 0, 0
	dx, dy := 1, 0
	segmentLength := 1
	stepsInSegment := 0
	segmentsAtLength := 0

	for i := 1; i <= n; i++ {
		x += dx
		y += dy
		stepsInSegment++
		if stepsInSegment == segmentLength {
			stepsInSegment = 0
			dx, dy = -dy, dx // rotate 90 degrees counter-clockwise
			segmentsAtLength++
			if segmentsAtLength == 2 {
				segmentsAtLength = 0
				segmentLength++
			}
		}
	}
	return x, y
}
