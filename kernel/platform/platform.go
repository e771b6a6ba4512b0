package platform

import (
	"crypto/rand"
	"io"
	mrand "math/rand"
)

// Platform carries the callbacks the VM core needs from the surrounding
// machine: an entropy source for randomized placement and a boot-time
// memory allocator used to back the kernel alias of KMAP arenas. Page
// records are not placed in BootAlloc memory; they are ordinary Go
// allocations.
type Platform struct {
	// Rand is the entropy source behind RandomGetBytes.
	Rand io.Reader

	// BootAlloc returns zeroed memory. On hardware this is the early
	// bump allocator; here it is ordinary heap memory.
	BootAlloc func(size uint64) []byte
}

// Default returns a platform backed by crypto/rand and heap allocation.
func Default() *Platform {
	return &Platform{
		Rand:      rand.Reader,
		BootAlloc: heapAlloc,
	}
}

// Deterministic returns a platform whose entropy source is seeded, so
// placement decisions reproduce across runs.
func Deterministic(seed int64) *Platform {
	return &Platform{
		Rand:      mrand.New(mrand.NewSource(seed)),
		BootAlloc: heapAlloc,
	}
}

// RandomGetBytes fills buf with random bytes.
func (p *Platform) RandomGetBytes(buf []byte) error {
	_, err := io.ReadFull(p.Rand, buf)
	return err
}

func heapAlloc(size uint64) []byte {
	return make([]byte, size)
}
