package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdjustPosition_SaturatesAtZero(t *testing.T) {
	// The hardware latches positions one event late. The correction is
	// a decrement on the event index itself, saturating so a report of
	// zero cannot wrap to the top of the address space.
	assert.Equal(t, uint64(0), AdjustPosition(0))
	assert.Equal(t, uint64(0), AdjustPosition(1))
	assert.Equal(t, uint64(41), AdjustPosition(42))
}
