package fpgatopo

import (
	"math/rand/v2"
	"sync"

	"github.com/iti/rngstream"
)

// rngstream hands out successive substreams from package state, so stream
// creation is serialized here
var streamMu sync.Mutex

// StreamSource adapts a named rngstream stream to the rand.Source the
// Poisson sampler consumes. Streams are reproducible for a given creation order.
type StreamSource struct {
	Name    string
	Rngstrm *rngstream.RngStream
}

// CreateStreamSource is a constructor, creating a fresh stream under the given name
func CreateStreamSource(name string) *StreamSource {
	streamMu.Lock()
	defer streamMu.Unlock()
	return &StreamSource{Name: name, Rngstrm: rngstream.New(name)}
}

// Uint64 assembles 64 bits from two successive uniform draws
func (ss *StreamSource) Uint64() uint64 {
	hi := uint64(ss.Rngstrm.RandU01() * (1 << 32))
	lo := uint64(ss.Rngstrm.RandU01() * (1 << 32))
	return hi<<32 | lo
}

// SeededSource returns a PCG source for reproducible runs selected by a single seed
func SeededSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}
