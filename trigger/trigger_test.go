package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/errors"
)

func TestCompile_LevelAndEdgeMasks(t *testing.T) {
	spec := &Spec{Conditions: map[int]Condition{
		0: High,
		1: Low,
		2: Rising,
		3: Falling,
	}}

	c, err := spec.Compile(8)
	require.NoError(t, err)

	assert.Equal(t, uint16(0b0011), c.SimpleMask)
	assert.Equal(t, uint16(0b0001), c.SimpleValue)
	assert.Equal(t, uint16(0b0100), c.RisingMask)
	assert.Equal(t, uint16(0b1000), c.FallingMask)
	assert.True(t, c.Armed())
}

func TestCompile_ChannelOutOfRange(t *testing.T) {
	spec := &Spec{Conditions: map[int]Condition{8: High}}
	_, err := spec.Compile(8)
	assert.True(t, errors.IsArgument(err))
}

func TestCompile_NilSpecIsUnarmed(t *testing.T) {
	var spec *Spec
	c, err := spec.Compile(16)
	require.NoError(t, err)
	assert.False(t, c.Armed())
	assert.True(t, spec.Empty())
}

func TestMatch_RisingEdge(t *testing.T) {
	c, err := (&Spec{Conditions: map[int]Condition{0: Rising}}).Compile(8)
	require.NoError(t, err)

	assert.False(t, c.Match(0, 0))
	assert.False(t, c.Match(1, 1)) // already high, no edge
	assert.True(t, c.Match(0, 1))
	assert.False(t, c.Match(1, 0))
}

func TestMatch_FallingEdge(t *testing.T) {
	c, err := (&Spec{Conditions: map[int]Condition{2: Falling}}).Compile(8)
	require.NoError(t, err)

	assert.True(t, c.Match(0b100, 0b000))
	assert.False(t, c.Match(0b000, 0b100))
	assert.False(t, c.Match(0b100, 0b100))
}

func TestMatch_LevelGatesEdge(t *testing.T) {
	// Rising edge on 0 qualified by channel 1 held high.
	c, err := (&Spec{Conditions: map[int]Condition{0: Rising, 1: High}}).Compile(8)
	require.NoError(t, err)

	assert.True(t, c.Match(0b10, 0b11))
	assert.False(t, c.Match(0b00, 0b01)) // channel 1 low
}

func TestFindOffset(t *testing.T) {
	c, err := (&Spec{Conditions: map[int]Condition{0: Rising}}).Compile(8)
	require.NoError(t, err)

	samples := []uint16{0, 0, 0, 1, 1}
	assert.Equal(t, 3, c.FindOffset(samples, 0))

	// Seeded high: the first low→high edge is later.
	samples = []uint16{1, 0, 1}
	assert.Equal(t, 2, c.FindOffset(samples, 1))

	// No match returns len(samples).
	assert.Equal(t, 3, c.FindOffset([]uint16{0, 0, 0}, 0))
}
