//go:build amd64 && cgo

// Package fixtures provides plain C functions for end-to-end interception tests.
// They are built without optimisation and with frame pointers so prologues are
// relocatable and the frame pointer chain is intact.
package fixtures

/*
#cgo CFLAGS: -O0 -fno-omit-frame-pointer
#include "fixtures.h"
*/
import "C"

import "unsafe"

// Capture holds the arguments fixture_mix received.
type Capture struct {
	Ints   [8]int64
	Floats [8]float64
}

// Quintet is a five-word struct returned through a hidden pointer.
type Quintet [5]int64

// Values fixture_call_regs loads before calling.
const (
	RegsRAX = 0x0a0a0a0a0a0a0a0a
	RegsR10 = 0x1010101010101010
)

// RegsPreserved are the rbx and r12-r15 values fixture_call_regs loads.
var RegsPreserved = [5]uint64{
	0x1111111111111111, 0x1212121212121212, 0x1313131313131313, 0x1414141414141414, 0x1515151515151515,
}

// Registers is what a call made by fixture_call_regs left behind.
type Registers struct {
	// RAX and R10 as fixture_regs received them.
	RAX, R10 uint64
	// Preserved holds rbx and r12-r15 after the call returned.
	Preserved [5]uint64
}

// CallRegs calls fn, expected to end up in fixture_regs, with known values in
// rax, r10 and the callee-saved registers.
func CallRegs(fn uintptr, a, b int64) (int64, Registers) {
	C.fixture_seen_rax, C.fixture_seen_r10 = 0, 0
	var out [5]C.uint64_t
	r := C.fixture_call_regs(unsafe.Pointer(fn), C.int64_t(a), C.int64_t(b), &out[0])
	regs := Registers{RAX: uint64(C.fixture_seen_rax), R10: uint64(C.fixture_seen_r10)}
	for i, v := range out {
		regs.Preserved[i] = uint64(v)
	}
	return int64(r), regs
}

func Add(a, b int64) int64 {
	return int64(C.fixture_add(C.int64_t(a), C.int64_t(b)))
}

func Sub(a, b int64) int64 {
	return int64(C.fixture_sub(C.int64_t(a), C.int64_t(b)))
}

// CallAdd calls fixture_add from C.
func CallAdd(a, b int64) int64 {
	return int64(C.fixture_call_add(C.int64_t(a), C.int64_t(b)))
}

func Scale(x float64, n int64) float64 {
	return float64(C.fixture_scale(C.double(x), C.int64_t(n)))
}

// CallMix calls fixture_mix with fixed arguments covering all argument
// registers and two stack slots.
func CallMix() (int64, Capture) {
	var c C.fixture_capture
	r := C.fixture_call_mix(&c)
	var out Capture
	for i := range out.Ints {
		out.Ints[i] = int64(c.ints[i])
		out.Floats[i] = float64(c.floats[i])
	}
	return int64(r), out
}

func QuintetFrom(a int64) Quintet {
	q := C.fixture_quintet_from(C.int64_t(a))
	var out Quintet
	for i := range out {
		out[i] = int64(q.v[i])
	}
	return out
}

// QuintetSum calls fixture_quintet_from from C and folds the result into one number.
func QuintetSum(a int64) int64 {
	return int64(C.fixture_quintet_sum(C.int64_t(a)))
}

// Invoke2 calls fn as int64_t (*)(int64_t, int64_t).
func Invoke2(fn uintptr, a, b int64) int64 {
	return int64(C.fixture_invoke2(unsafe.Pointer(fn), C.int64_t(a), C.int64_t(b)))
}

// InvokeScale calls fn as double (*)(double, int64_t).
func InvokeScale(fn uintptr, x float64, n int64) float64 {
	return float64(C.fixture_invoke_scale(unsafe.Pointer(fn), C.double(x), C.int64_t(n)))
}

func AddAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_add)) }
func SubAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_sub)) }
func CallAddAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_call_add)) }
func ScaleAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_scale)) }
func MixAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_mix)) }
func QuintetFromAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_quintet_from)) }
func RegsAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_regs)) }
func QuintetSumAddress() uintptr { return uintptr(unsafe.Pointer(C.fixture_quintet_sum)) }
