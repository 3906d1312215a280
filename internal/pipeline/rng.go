package pipeline

// AnalysisSeed is the fixed seed for every analysis run. A fixed seed makes
// the projection deterministic for a given dataset, which is what lets a
// rehydrated session transform new queries into a map computed long ago.
const AnalysisSeed = 1991

// RNG is a mulberry32 generator. Both reduction fits of a run share one
// instance, advanced in sequence and never reseeded mid-run, so the 2D fit
// consumes the stream exactly where the 10D fit left it.
type RNG struct {
	state uint32
}

// NewRNG returns a generator seeded with the given value.
func NewRNG(seed uint32) *RNG {
	return &RNG{state: seed}
}

// Float64 returns the next value in [0, 1).
func (r *RNG) Float64() float64 {
	r.state += 0x6D2B79F5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	t ^= t >> 14
	return float64(t) / 4294967296
}

// Uint32 returns the next raw 32-bit value.
func (r *RNG) Uint32() uint32 {
	r.state += 0x6D2B79F5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return t ^ t>>14
}

// Intn returns a value in [0, n). Panics if n <= 0.
func (r *RNG) Intn(n int) int {
	if n <= 0 {
		panic("pipeline: Intn with non-positive n")
	}
	return int(r.Float64() * float64(n))
}
