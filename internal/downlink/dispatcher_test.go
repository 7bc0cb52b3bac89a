package downlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashIsStableAndDistinguishing(t *testing.T) {
	a := ContentHash("AABBCCDD", 2, []byte{0x01})
	b := ContentHash("AABBCCDD", 2, []byte{0x01})
	c := ContentHash("AABBCCDD", 2, []byte{0x00})
	d := ContentHash("EEFFAABB", 2, []byte{0x01})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestBackoffLadderIsIncreasingAndCapped(t *testing.T) {
	assert.Len(t, BackoffLadder, 3)
	for i := 1; i < len(BackoffLadder); i++ {
		assert.True(t, BackoffLadder[i] >= BackoffLadder[i-1])
	}
}
