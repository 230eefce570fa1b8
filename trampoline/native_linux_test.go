//go:build amd64 && cgo

package trampoline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrdl/interpose/image"
	"github.com/qrdl/interpose/internal/fixtures"
)

func TestNativeLayout(t *testing.T) {
	l := NativeLayout()
	assert.Equal(t, 65536, l.Count)
	assert.Equal(t, 16, l.Stride)
	assert.NotZero(t, l.Base)
	assert.Zero(t, l.Base%16)
}

func TestResolveLayoutMatchesLinked(t *testing.T) {
	c, err := image.Load(image.Options{})
	require.NoError(t, err)

	l, err := ResolveLayout(c)
	if errors.Is(err, image.ErrNotFound) {
		t.Skip("test binary has no static symbol table")
	}
	require.NoError(t, err)
	assert.Equal(t, NativeLayout(), l)

	s, _, err := c.Symbolicate(l.SlotAddress(100) + 3)
	require.NoError(t, err)
	assert.Equal(t, SlotsSymbol, s.Name)
}

func TestNativePermanentSlot(t *testing.T) {
	p := NewPool(NativeLayout())
	Install(p)
	defer Uninstall()
	assert.Same(t, p, Installed())

	p.SetDispatcher(func(idx Index, s Snapshot) uintptr { return 1 })
	index, addr, err := p.ReservePermanent(Descriptor{Name: "multiply"})
	require.NoError(t, err)
	require.NoError(t, p.InstallPermanentImplementation(index, func(s Snapshot) {
		s.SetResult(0, uint64(int64(s.Arg(0))*int64(s.Arg(1))))
	}))

	assert.Equal(t, int64(42), fixtures.Invoke2(addr, 6, 7))
	assert.Equal(t, int64(-10), fixtures.Invoke2(addr, -2, 5))
}

func TestNativeReservedSlot(t *testing.T) {
	p := NewPool(NativeLayout())
	Install(p)
	defer Uninstall()

	first, stride, err := p.ReserveRange(2)
	require.NoError(t, err)

	var captured []uint64
	p.SetDispatcher(func(idx Index, s Snapshot) uintptr {
		captured = append(captured, s.Arg(0), s.Arg(1))
		if idx.N == 0 {
			return fixtures.SubAddress()
		}
		s.SetResult(0, 1000)
		return 0
	})

	assert.Equal(t, int64(5), fixtures.Invoke2(first, 12, 7), "redirected to fixture_sub")
	assert.Equal(t, int64(1000), fixtures.Invoke2(first+uintptr(stride), 12, 7), "result replaced")
	assert.Equal(t, []uint64{12, 7, 12, 7}, captured)
}

func TestNativeFloatArguments(t *testing.T) {
	p := NewPool(NativeLayout())
	Install(p)
	defer Uninstall()

	_, _, err := p.ReserveRange(1)
	require.NoError(t, err)
	p.SetDispatcher(func(idx Index, s Snapshot) uintptr {
		s.SetFloat64(XMM0, s.FloatArg(0)+1)
		return fixtures.ScaleAddress()
	})
	assert.Equal(t, 7.5, fixtures.InvokeScale(p.Layout().SlotAddress(0), 1.5, 3))
}
