package transport

import (
	"math/rand"
	"sync"
)

// Dropper simulates datagram loss: every send and receive consults it
// and discards the datagram with probability p. The generator is seeded
// explicitly so adverse-network behavior replays from a seed.
type Dropper struct {
	mu  sync.Mutex
	p   float64
	rng *rand.Rand
}

// NewDropper creates a dropper with per-datagram drop probability p in
// [0, 1]. A nil Dropper never drops.
func NewDropper(p float64, seed int64) *Dropper {
	return &Dropper{
		p:   p,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Drop reports whether the current datagram should be discarded.
func (d *Dropper) Drop() bool {
	if d == nil || d.p <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() <= d.p
}
