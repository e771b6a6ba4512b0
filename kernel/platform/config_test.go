package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBootConfig(t *testing.T) {
	cfg, err := ParseBootConfig([]byte(`
arenas:
  - name: sdram
    base: 0x80000000
    size: 0x4000000
    priority: 0
    kmap: true
  - name: sram
    base: 0x20000000
    size: 0x10000
    priority: 1
    reserve_at_start: 0x1000
layout:
  kernel_base: 0xffff000000000000
  kernel_size: 0x100000000
  user_base: 0x1000000
  user_size: 0x1000000000
aslr: true
`))
	require.NoError(t, err)

	require.Len(t, cfg.Arenas, 2)
	assert.Equal(t, "sdram", cfg.Arenas[0].Name)
	assert.Equal(t, uint64(0x80000000), cfg.Arenas[0].Base)
	assert.True(t, cfg.Arenas[0].KMap)
	assert.Equal(t, uint64(0x1000), cfg.Arenas[1].ReserveAtStart)
	assert.True(t, cfg.ASLR)
	assert.Equal(t, uint64(0x1000000), cfg.Layout.UserBase)
}

func TestParseBootConfig_Rejections(t *testing.T) {
	_, err := ParseBootConfig([]byte(`arenas: []`))
	assert.Error(t, err)

	// Unaligned arena.
	_, err = ParseBootConfig([]byte(`
arenas:
  - {name: bad, base: 0x1080, size: 0x1000}
layout: {kernel_base: 0, kernel_size: 0x10000, user_base: 0x20000, user_size: 0x10000}
`))
	assert.Error(t, err)

	// Zero-size layout window.
	_, err = ParseBootConfig([]byte(`
arenas:
  - {name: ok, base: 0x1000, size: 0x1000}
layout: {kernel_base: 0, kernel_size: 0, user_base: 0x20000, user_size: 0x10000}
`))
	assert.Error(t, err)

	// Not YAML at all.
	_, err = ParseBootConfig([]byte(`{{{`))
	assert.Error(t, err)
}

func TestDefaultBootConfig_IsValid(t *testing.T) {
	cfg := DefaultBootConfig()
	assert.NoError(t, cfg.Validate())
}

func TestDeterministicPlatform_Reproduces(t *testing.T) {
	a := Deterministic(7)
	b := Deterministic(7)

	bufA := make([]byte, 16)
	bufB := make([]byte, 16)
	require.NoError(t, a.RandomGetBytes(bufA))
	require.NoError(t, b.RandomGetBytes(bufB))
	assert.Equal(t, bufA, bufB)
}
