//go:build linux && amd64 && cgo

package interpose

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrdl/interpose/abi"
	"github.com/qrdl/interpose/image"
	"github.com/qrdl/interpose/internal/fixtures"
	"github.com/qrdl/interpose/internal/guard"
	"github.com/qrdl/interpose/trampoline"
)

func newInterceptor(t *testing.T) *Interceptor {
	t.Helper()
	ic, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ic.Close())
	})
	return ic
}

var mixSig = Signature{
	Args: []abi.Primitive{
		abi.Int64, abi.Int64, abi.Int64, abi.Int64, abi.Int64, abi.Int64,
		abi.Float64, abi.Float64, abi.Float64, abi.Float64, abi.Float64, abi.Float64, abi.Float64, abi.Float64,
		abi.Int64, abi.Int64,
	},
	Result: []abi.Primitive{abi.Int64},
}

func TestProceedKeepsRegisters(t *testing.T) {
	ic := newInterceptor(t)

	wantInts := [8]int64{1, -2, 3, -4, math.MaxInt64, math.MinInt64 + 1, 0x1122334455667788, -99}
	wantFloats := [8]float64{0.5, -1.25, 3.0e100, math.Copysign(0, -1), 1e-300, 7.75, 123456.789, -42.0}
	var wantSum int64
	for _, v := range wantInts {
		wantSum += v
	}

	// the slot under test is not the first one
	for _, addr := range []uintptr{fixtures.AddAddress(), fixtures.SubAddress(), fixtures.ScaleAddress()} {
		_, err := ic.Attach(Function{Address: addr}, func(c *Call) Verdict { return Proceed })
		require.NoError(t, err)
	}

	var seen []uint64
	target, err := ic.Attach(Function{Name: "fixture_mix", Address: fixtures.MixAddress(), Signature: &mixSig}, func(c *Call) Verdict {
		seen = c.Args()
		return Proceed
	})
	require.NoError(t, err)
	assert.Equal(t, fixtures.MixAddress(), target.Address)
	assert.NotZero(t, target.Original())

	sum, got := fixtures.CallMix()
	assert.Equal(t, wantSum, sum)
	assert.Equal(t, wantInts, got.Ints)
	for i := range wantFloats {
		assert.Equal(t, math.Float64bits(wantFloats[i]), math.Float64bits(got.Floats[i]), "float argument %d", i)
	}

	require.Len(t, seen, 16)
	assert.Equal(t, uint64(wantInts[6]), seen[14], "first stack argument")
	assert.Equal(t, uint64(wantInts[7]), seen[15], "second stack argument")
	assert.Equal(t, math.Float64bits(wantFloats[7]), seen[13])
	assert.Equal(t, 1, target.Calls())
}

func TestProceedKeepsScratchAndCalleeSaved(t *testing.T) {
	ic := newInterceptor(t)

	var r10 uint64
	target, err := ic.Attach(Function{Name: "fixture_regs", Address: fixtures.RegsAddress()}, func(c *Call) Verdict {
		r10 = c.Snapshot.Int(trampoline.R10)
		return Proceed
	})
	require.NoError(t, err)

	sum, regs := fixtures.CallRegs(fixtures.RegsAddress(), 20, 22)
	assert.Equal(t, int64(42), sum)
	assert.Equal(t, uint64(fixtures.RegsRAX), regs.RAX, "rax reaches the original")
	assert.Equal(t, uint64(fixtures.RegsR10), regs.R10, "r10 reaches the original")
	assert.Equal(t, fixtures.RegsPreserved, regs.Preserved, "rbx and r12-r15 survive the call")
	assert.Equal(t, uint64(fixtures.RegsR10), r10, "handler sees r10")
	assert.Equal(t, 1, target.Calls())

	// same through a redirect from another function
	_, err = ic.Attach(Function{Address: fixtures.AddAddress()}, func(c *Call) Verdict {
		return c.RedirectTo(target.Original())
	})
	require.NoError(t, err)
	sum, regs = fixtures.CallRegs(fixtures.AddAddress(), 1, 2)
	assert.Equal(t, int64(3), sum)
	assert.Equal(t, uint64(fixtures.RegsRAX), regs.RAX)
	assert.Equal(t, uint64(fixtures.RegsR10), regs.R10)
	assert.Equal(t, fixtures.RegsPreserved, regs.Preserved)
}

func TestReplace(t *testing.T) {
	ic := newInterceptor(t)

	target, err := ic.Attach(Function{Name: "fixture_add", Address: fixtures.AddAddress()}, func(c *Call) Verdict {
		return c.Return(c.Arg(0) * 1000)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2000), fixtures.Add(2, 3))
	assert.Equal(t, 1, target.Calls())

	require.NoError(t, ic.Reset(target))
	assert.Equal(t, int64(5), fixtures.Add(2, 3))
	assert.Equal(t, 1, target.Calls())
	assert.ErrorIs(t, ic.Reset(target), ErrNotAttached)
}

func TestRedirect(t *testing.T) {
	ic := newInterceptor(t)

	_, err := ic.Attach(Function{Address: fixtures.AddAddress()}, func(c *Call) Verdict {
		return c.RedirectTo(fixtures.SubAddress())
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), fixtures.Add(9, 4))
}

func TestModifyArgs(t *testing.T) {
	ic := newInterceptor(t)

	_, err := ic.Attach(Function{Name: "fixture_scale", Address: fixtures.ScaleAddress(), Signature: &Signature{
		Args:   []abi.Primitive{abi.Float64, abi.Int64},
		Result: []abi.Primitive{abi.Float64},
	}}, func(c *Call) Verdict {
		if c.FloatArg(0) < 0 {
			return c.ReturnFloat(0)
		}
		c.SetArg(1, c.Arg(1)+1)
		return Proceed
	})
	require.NoError(t, err)

	assert.Equal(t, 6.0, fixtures.Scale(1.5, 3))
	assert.Equal(t, 0.0, fixtures.Scale(-1.5, 3))
}

func TestLayers(t *testing.T) {
	ic := newInterceptor(t)

	var order []string
	add := Function{Name: "fixture_add", Address: fixtures.AddAddress()}
	first, err := ic.Attach(add, func(c *Call) Verdict {
		order = append(order, "first")
		if c.Arg(0) == 0 {
			return c.Return(100)
		}
		return Proceed
	})
	require.NoError(t, err)
	second, err := ic.Attach(add, func(c *Call) Verdict {
		order = append(order, "second")
		if c.Arg(0) == 1 {
			return c.Return(200)
		}
		return Proceed
	})
	require.NoError(t, err)
	assert.Same(t, first, second)

	assert.Equal(t, int64(100), fixtures.Add(0, 1))
	assert.Equal(t, []string{"second", "first"}, order)

	order = nil
	assert.Equal(t, int64(200), fixtures.Add(1, 1))
	assert.Equal(t, []string{"second"}, order)

	order = nil
	assert.Equal(t, int64(5), fixtures.Add(2, 3))
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestReattachReusesSlot(t *testing.T) {
	ic := newInterceptor(t)

	add := Function{Name: "fixture_add", Address: fixtures.AddAddress()}
	target, err := ic.Attach(add, func(c *Call) Verdict { return c.Return(1) })
	require.NoError(t, err)
	slot, original := target.Slot, target.Original()

	require.NoError(t, ic.Reset(target))
	again, err := ic.Attach(add, func(c *Call) Verdict { return c.Return(2) })
	require.NoError(t, err)

	assert.Same(t, target, again)
	assert.Equal(t, slot, again.Slot)
	assert.Equal(t, original, again.Original())
	assert.Equal(t, 1, ic.pool.Reserved())
	assert.Equal(t, int64(2), fixtures.Add(1, 1), "only the new handler is attached")
}

func TestResetAll(t *testing.T) {
	ic := newInterceptor(t)

	for _, addr := range []uintptr{fixtures.AddAddress(), fixtures.SubAddress()} {
		_, err := ic.Attach(Function{Address: addr}, func(c *Call) Verdict { return c.Return(0) })
		require.NoError(t, err)
	}
	assert.Zero(t, fixtures.Add(2, 2))
	assert.Zero(t, fixtures.Sub(2, 1))

	require.NoError(t, ic.ResetAll())
	assert.Equal(t, int64(4), fixtures.Add(2, 2))
	assert.Equal(t, int64(1), fixtures.Sub(2, 1))
}

func TestSynthesize(t *testing.T) {
	ic := newInterceptor(t)

	target, err := ic.Synthesize("multiply", binarySig, func(c *Call) {
		c.Return(uint64(int64(c.Arg(0)) * int64(c.Arg(1))))
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), fixtures.Invoke2(target.Address, 6, 7))
	assert.Equal(t, int64(-12), fixtures.Invoke2(target.Address, -3, 4))
	assert.Equal(t, 2, target.Calls())

	_, err = ic.Attach(Function{Address: target.Address}, func(c *Call) Verdict {
		if c.Arg(0) == 0 {
			return c.Return(99)
		}
		return Proceed
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), fixtures.Invoke2(target.Address, 0, 7))
	assert.Equal(t, int64(14), fixtures.Invoke2(target.Address, 2, 7))
}

func TestSynthesizeNested(t *testing.T) {
	ic := newInterceptor(t)

	outer, err := ic.Declare("outer", binarySig)
	require.NoError(t, err)
	helper, err := ic.Synthesize("helper", binarySig, func(c *Call) {
		c.Return(c.Arg(0) + c.Arg(1))
	})
	require.NoError(t, err)
	require.NoError(t, ic.Implement(outer, func(c *Call) {
		sum := fixtures.Invoke2(helper.Address, int64(c.Arg(0)), int64(c.Arg(1)))
		c.Return(uint64(sum * 2))
	}))

	assert.Equal(t, int64(18), fixtures.Invoke2(outer.Address, 4, 5))
	assert.Equal(t, 1, helper.Calls())
}

func TestStackWalk(t *testing.T) {
	ic := newInterceptor(t)

	var frames []StackFrame
	var caller image.Symbol
	var callerErr error
	_, err := ic.Attach(Function{Address: fixtures.AddAddress()}, func(c *Call) Verdict {
		caller, callerErr = c.Caller()
		c.Walk(func(f StackFrame) bool {
			frames = append(frames, f)
			return !inCallAdd(f.PC)
		})
		return Proceed
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), fixtures.CallAdd(2, 3))
	require.NotEmpty(t, frames)
	assert.True(t, inCallAdd(frames[0].PC), "innermost frame returns into fixture_call_add, got %s", frames[0])
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].FP, frames[i-1].FP, "frames go outwards")
	}

	if !staticSymbols(ic) {
		t.Log("no static symbol table, frame names not checked")
		return
	}
	require.NoError(t, callerErr)
	assert.Equal(t, "fixture_call_add", cName(caller.Name))
	assert.True(t, frames[0].Resolved, frames[0].String())
	assert.Equal(t, "fixture_call_add", cName(frames[0].Symbol.Name))
}

// inCallAdd reports whether pc is a return address inside fixture_call_add,
// which is a few dozen bytes long at -O0.
func inCallAdd(pc uintptr) bool {
	entry := fixtures.CallAddAddress()
	return pc > entry && pc < entry+128
}

// staticSymbols reports whether the test binary kept its static symbol table,
// `go test` links without one unless told otherwise.
func staticSymbols(ic *Interceptor) bool {
	_, err := ic.Catalog().Lookup("fixture_add")
	return err == nil
}

func cName(name string) string {
	return strings.TrimPrefix(name, "_")
}

func TestDetectCalls(t *testing.T) {
	ic := newInterceptor(t)

	handled := 0
	handler := func(c *Call) Verdict {
		handled++
		return Proceed
	}
	add, err := ic.Attach(Function{Name: "fixture_add", Address: fixtures.AddAddress(), Signature: &binarySig}, handler)
	require.NoError(t, err)
	sub, err := ic.Attach(Function{Name: "fixture_sub", Address: fixtures.SubAddress(), Signature: &binarySig}, handler)
	require.NoError(t, err)

	var sum, diff int64
	found, err := ic.Detect(func() {
		sum = fixtures.Add(1, 2)
		diff = fixtures.Sub(7, 3)
	}, 77)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Same(t, add, found[0].Target)
	assert.Equal(t, []uint64{1, 2}, found[0].Args)
	assert.Same(t, sub, found[1].Target)
	assert.Equal(t, []uint64{7, 3}, found[1].Args)
	assert.Equal(t, int64(77), sum)
	assert.Equal(t, int64(77), diff)
	assert.Zero(t, handled)

	assert.Equal(t, int64(3), fixtures.Add(1, 2))
	assert.Equal(t, 1, handled)

	_, err = ic.Detect(func() { fixtures.Scale(1, 1) })
	assert.ErrorIs(t, err, ErrNotDetected)
}

func TestDetectIndirectResult(t *testing.T) {
	ic := newInterceptor(t)

	_, err := ic.Attach(Function{Name: "fixture_quintet_from", Address: fixtures.QuintetFromAddress(), Signature: &Signature{
		Args:   []abi.Primitive{abi.Int64},
		Result: []abi.Primitive{abi.Int64, abi.Int64, abi.Int64, abi.Int64, abi.Int64},
	}}, func(c *Call) Verdict { return Proceed })
	require.NoError(t, err)

	assert.Equal(t, int64(34567), fixtures.QuintetSum(3), "proceeds to the original")

	var sum int64
	found, err := ic.Detect(func() { sum = fixtures.QuintetSum(3) }, 1, 2, 3, 4, 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, []uint64{3}, found[0].Args, "hidden result pointer is not an argument")
	assert.Equal(t, int64(12345), sum)
	assert.Equal(t, fixtures.Quintet{1, 2, 3, 4, 5}, detectQuintet(t, ic))
}

func detectQuintet(t *testing.T, ic *Interceptor) fixtures.Quintet {
	t.Helper()
	var q fixtures.Quintet
	_, err := ic.Detect(func() { q = fixtures.QuintetFrom(9) }, 1, 2, 3, 4, 5)
	require.NoError(t, err)
	return q
}

func TestInterceptNative(t *testing.T) {
	ic := newInterceptor(t)

	_, err := ic.Attach(Function{Name: "fixture_add", Address: fixtures.AddAddress()}, func(c *Call) Verdict { return c.Return(5) })
	require.NoError(t, err)

	var r int64
	err = ic.Intercept(func() { r = fixtures.Add(1, 1) }, func(c *Call) Verdict {
		return c.Return(c.Arg(0) * 100)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), r)
	assert.Equal(t, int64(5), fixtures.Add(1, 1))
}

func TestLoweringFailureProceeds(t *testing.T) {
	ic := newInterceptor(t)

	errLowering := errors.New("cannot lower")
	lowered := 0
	_, err := ic.Attach(Function{
		Name:    "fixture_add",
		Address: fixtures.AddAddress(),
		Lower:   func() Signature {
			lowered++
			guard.Raise(errLowering)
			return binarySig
		},
	}, func(c *Call) Verdict { return c.Return(0) })
	require.NoError(t, err)

	assert.Equal(t, int64(4), fixtures.Add(2, 2))
	assert.Equal(t, int64(6), fixtures.Add(3, 3))
	assert.Equal(t, 1, lowered)
	assert.ErrorIs(t, ic.LastError(), errLowering)
}

func TestAttachByName(t *testing.T) {
	ic := newInterceptor(t)
	if !staticSymbols(ic) {
		t.Skip("test binary has no static symbol table")
	}

	target, err := ic.Attach(Function{Name: "fixture_add"}, func(c *Call) Verdict { return c.Return(7) })
	require.NoError(t, err)
	assert.Equal(t, fixtures.AddAddress(), target.Address)
	assert.Equal(t, int64(7), fixtures.Add(1, 2))
}

func TestAttachUnknown(t *testing.T) {
	ic := newInterceptor(t)
	_, err := ic.Attach(Function{Name: "fixture_does_not_exist"}, func(c *Call) Verdict { return Proceed })
	assert.ErrorIs(t, err, image.ErrNotFound)
}
