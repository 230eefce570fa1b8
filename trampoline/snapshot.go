// This file is part of Interpose project, available at https://github.com/qrdl/interpose
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trampoline

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/qrdl/interpose/abi"
)

// Register names a register captured by a stub, in save order.
type Register int

const (
	RAX Register = iota
	RDI
	RSI
	RDX
	RCX
	R8
	R9
	R10
	R12
	R13
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

var registerNames = [...]string{"rax", "rdi", "rsi", "rdx", "rcx", "r8", "r9", "r10", "r12", "r13",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7"}

func (r Register) String() string {
	if r < 0 || int(r) >= len(registerNames) {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return registerNames[r]
}

// IsVector reports whether r is an xmm register.
func (r Register) IsVector() bool {
	return r >= XMM0 && r <= XMM7
}

// Save area layout, must match the stub in trampoline_amd64.S.
const (
	gprCount            = 10
	gprSize             = 8
	vectorCount         = 8
	vectorSize          = 16
	vectorSaveOffset    = gprCount * gprSize
	FrameSize           = vectorSaveOffset + vectorCount*vectorSize
	savedFPOffset       = FrameSize
	returnAddressOffset = savedFPOffset + 8
	stackArgsOffset     = returnAddressOffset + 8
)

var (
	integerArguments = [abi.IntegerArgumentRegisters]Register{RDI, RSI, RDX, RCX, R8, R9}
	integerResults   = [abi.MaxDirectResults]Register{RAX, RDX, RCX, R8}
)

func init() {
	if vectorSaveOffset%16 != 0 || FrameSize != 208 || stackArgsOffset != 224 {
		panic("register save area layout is inconsistent")
	}
}

// ErrResultArity means the number of result values doesn't match the signature.
var ErrResultArity = errors.New("wrong number of result values")

// emptyBase marks a snapshot that is not backed by a save area.
const emptyBase = uintptr(0xdeadbeef)

// Snapshot is a view over the registers a stub saved for one call. It is valid
// only while that call is being dispatched.
type Snapshot struct {
	base uintptr
}

// SnapshotAt wraps the save area at sp.
func SnapshotAt(sp uintptr) Snapshot {
	return Snapshot{base: sp}
}

// Empty returns a snapshot over no memory, usable only for address arithmetic.
func Empty() Snapshot {
	return Snapshot{base: emptyBase}
}

// IsEmpty reports whether s was created by [Empty].
func (s Snapshot) IsEmpty() bool {
	return s.base == emptyBase
}

// Base returns the address of the save area.
func (s Snapshot) Base() uintptr {
	return s.base
}

// Address returns where r is saved.
func (s Snapshot) Address(r Register) uintptr {
	switch {
	case r >= RAX && r <= R13:
		return s.base + uintptr(r)*gprSize
	case r.IsVector():
		return s.base + vectorSaveOffset + uintptr(r-XMM0)*vectorSize
	}
	panic(fmt.Sprintf("no save slot for %s", r))
}

func (s Snapshot) word(addr uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(addr))
}

// Int returns the value of a general purpose register, or the low 64 bits of a vector one.
func (s Snapshot) Int(r Register) uint64 {
	return *s.word(s.Address(r))
}

// SetInt overwrites a saved register. The stub restores it before resuming.
func (s Snapshot) SetInt(r Register, v uint64) {
	*s.word(s.Address(r)) = v
}

// Int32 returns the low 32 bits of a register.
func (s Snapshot) Int32(r Register) uint32 {
	return uint32(s.Int(r))
}

// Float64 returns the double held in a vector register.
func (s Snapshot) Float64(r Register) float64 {
	return math.Float64frombits(s.Int(s.vector(r)))
}

// SetFloat64 stores a double into a vector register.
func (s Snapshot) SetFloat64(r Register, v float64) {
	s.SetInt(s.vector(r), math.Float64bits(v))
}

// Float32 returns the float held in a vector register.
func (s Snapshot) Float32(r Register) float32 {
	return math.Float32frombits(*(*uint32)(unsafe.Pointer(s.Address(s.vector(r)))))
}

// SetFloat32 stores a float into the low lane of a vector register.
func (s Snapshot) SetFloat32(r Register, v float32) {
	*(*uint32)(unsafe.Pointer(s.Address(s.vector(r)))) = math.Float32bits(v)
}

func (s Snapshot) vector(r Register) Register {
	if !r.IsVector() {
		panic(fmt.Sprintf("%s is not a vector register", r))
	}
	return r
}

// Arg returns integer argument register n (rdi, rsi, rdx, rcx, r8, r9).
func (s Snapshot) Arg(n int) uint64 {
	return s.Int(integerArguments[n])
}

// SetArg overwrites integer argument register n.
func (s Snapshot) SetArg(n int, v uint64) {
	s.SetInt(integerArguments[n], v)
}

// FloatArg returns vector argument register n as a double.
func (s Snapshot) FloatArg(n int) float64 {
	return s.Float64(XMM0 + Register(n))
}

// Stack returns the n-th 8 byte word of the caller's stack argument area.
func (s Snapshot) Stack(n int) uint64 {
	return *s.word(s.base + stackArgsOffset + uintptr(n)*8)
}

// SetStack overwrites the n-th word of the caller's stack argument area.
func (s Snapshot) SetStack(n int, v uint64) {
	*s.word(s.base + stackArgsOffset + uintptr(n)*8) = v
}

// ResultRegister returns the integer register carrying result value n.
// Only four values are returned in registers, n >= 4 is a programming error.
func ResultRegister(n int) Register {
	if n < 0 || n >= abi.MaxDirectResults {
		panic(fmt.Sprintf("result register %d out of range", n))
	}
	return integerResults[n]
}

// SetResult stores integer result value n.
func (s Snapshot) SetResult(n int, v uint64) {
	s.SetInt(ResultRegister(n), v)
}

// SetFloatResult stores the raw bits of float result value n.
func (s Snapshot) SetFloatResult(n int, bits uint64) {
	if n < 0 || n >= abi.MaxDirectResults {
		panic(fmt.Sprintf("float result register %d out of range", n))
	}
	s.SetInt(XMM0+Register(n), bits)
}

// ReturnAddress returns the address the intercepted call returns to.
func (s Snapshot) ReturnAddress() uintptr {
	return uintptr(*s.word(s.base + returnAddressOffset))
}

// SlotAddress returns where a classified value lives. Memory slots are relative
// to the hidden result pointer in the first integer argument register.
func (s Snapshot) SlotAddress(slot abi.Slot) uintptr {
	switch slot.Kind {
	case abi.IntegerRegister:
		return s.Address(integerArguments[slot.Position])
	case abi.FloatRegister:
		return s.Address(XMM0 + Register(slot.Position))
	case abi.Stack:
		return s.base + stackArgsOffset + uintptr(slot.Position)
	case abi.Memory:
		return uintptr(s.Arg(0)) + uintptr(slot.Position)
	}
	return 0
}

// Value reads a classified value as raw bits, zero extended from its width.
func (s Snapshot) Value(slot abi.Slot) uint64 {
	addr := s.SlotAddress(slot)
	if addr == 0 || slot.Width == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], unsafe.Slice((*byte)(unsafe.Pointer(addr)), min(slot.Width, 8)))
	return binary.LittleEndian.Uint64(buf[:])
}

// SetValue writes the low width bytes of v to a classified location.
func (s Snapshot) SetValue(slot abi.Slot, v uint64) {
	addr := s.SlotAddress(slot)
	if addr == 0 || slot.Width == 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), min(slot.Width, 8)), buf[:])
}

// Args returns the raw bits of every classified argument.
func (s Snapshot) Args(c abi.Classification) []uint64 {
	vals := make([]uint64, len(c.Args))
	for i, slot := range c.Args {
		vals[i] = s.Value(slot)
	}
	return vals
}

/*
InjectResult makes the intercepted call return values, given as raw bits in result
order. A direct result goes to the result registers. An indirect result is written to
the memory the hidden pointer refers to, and the pointer itself is returned in rax as
the convention requires.
*/
func (s Snapshot) InjectResult(r abi.Result, values []uint64) error {
	if len(values) != len(r.Slots) {
		return errors.Wrapf(ErrResultArity, "got %d, want %d", len(values), len(r.Slots))
	}
	if r.Kind == abi.Indirect {
		for i, slot := range r.Slots {
			s.SetValue(slot, values[i])
		}
		s.SetResult(0, s.Arg(0))
		return nil
	}
	for i, slot := range r.Slots {
		switch slot.Kind {
		case abi.FloatRegister:
			s.SetFloatResult(slot.Position, values[i])
		case abi.IntegerRegister:
			s.SetResult(slot.Position, values[i])
		default:
			return errors.Errorf("result value %d has no register (%s)", i, slot)
		}
	}
	return nil
}

// Frame is one entry of the frame pointer chain.
type Frame struct {
	// PC is the return address into the function owning the frame.
	PC uintptr
	// FP points to the saved frame pointer of the frame.
	FP uintptr
}

/*
WalkCallStack visits frames from the caller of the intercepted function outwards,
following saved frame pointers until the chain ends or visit returns false. The walk
also stops when the next frame pointer doesn't point further up the stack.
*/
func (s Snapshot) WalkCallStack(visit func(Frame) bool) {
	fp := s.base + savedFPOffset
	for {
		if !visit(Frame{PC: uintptr(*s.word(fp + 8)), FP: fp}) {
			return
		}
		next := uintptr(*s.word(fp))
		if next == 0 || next <= fp {
			return
		}
		fp = next
	}
}

func (s Snapshot) String() string {
	if s.IsEmpty() {
		return "<empty snapshot>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot at %#x, return to %#x\n", s.base, s.ReturnAddress())
	for r := RAX; r <= R13; r++ {
		fmt.Fprintf(&b, "  %-4s %#016x\n", r, s.Int(r))
	}
	for r := XMM0; r <= XMM7; r++ {
		fmt.Fprintf(&b, "  %-4s %#016x (%g)\n", r, s.Int(r), s.Float64(r))
	}
	return b.String()
}
