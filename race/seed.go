package race

import "math/rand/v2"

// NewSeed returns a random positive game seed.
func NewSeed() int {
	return rand.IntN(1<<31-2) + 1
}
