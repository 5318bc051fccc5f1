package geometry

import (
	"math/rand/v2"

	"github.com/paulmach/orb"
)

// Generator produces positions from an explicit seed so runs are reproducible
// without touching global random state.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Rand exposes the underlying source so topology generation can share the
// same seeded stream.
func (g *Generator) Rand() *rand.Rand {
	return g.rng
}

// Points returns n points drawn uniformly from [0,1)x[0,1).
func (g *Generator) Points(n int) []orb.Point {
	out := make([]orb.Point, n)
	for i := range out {
		out[i] = orb.Point{g.rng.Float64(), g.rng.Float64()}
	}
	return out
}
