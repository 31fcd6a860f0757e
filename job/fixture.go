package job

import "math/rand/v2"

// RandomInputs returns n values in [0, 1) for each array and a random offset,
// reproducible from seed.
func RandomInputs(seed uint64, n int) Inputs {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	in := Inputs{A: make([]float32, n), B: make([]float32, n)}
	for i := range in.A {
		in.A[i] = rng.Float32()
	}
	for i := range in.B {
		in.B[i] = rng.Float32()
	}
	in.Offset = rng.Float32()
	return in
}
