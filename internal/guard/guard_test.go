package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDeep = errors.New("deep failure")

func descend(n int) int {
	if n == 0 {
		Raise(errDeep)
	}
	return descend(n-1) + 1
}

func TestProtectValue(t *testing.T) {
	v, err := Protect(func() int { return 42 })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, Active())
}

func TestProtectRaiseFromDepth(t *testing.T) {
	v, err := Protect(func() int { return descend(10) })
	assert.ErrorIs(t, err, errDeep)
	assert.Zero(t, v)
	assert.False(t, Active())
	assert.ErrorIs(t, LastFault(), errDeep)
}

func TestProtectReentrancy(t *testing.T) {
	innerRan := false
	_, err := Protect(func() string {
		_, _ = Protect(func() string {
			innerRan = true
			return "inner"
		})
		return "outer"
	})
	assert.ErrorIs(t, err, ErrReentrancy)
	assert.False(t, innerRan)
	assert.False(t, Active())
}

func TestProtectForeignPanic(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = Protect(func() int { panic("boom") })
	})
	assert.False(t, Active())
}

func TestRaiseWithoutScope(t *testing.T) {
	assert.Panics(t, func() { Raise(errDeep) })
}

func TestProtectActive(t *testing.T) {
	active, err := Protect(func() bool { return Active() })
	require.NoError(t, err)
	assert.True(t, active)
}
