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

//go:build (linux || darwin) && amd64

package interpose

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/qrdl/interpose/abi"
	"github.com/qrdl/interpose/image"
	"github.com/qrdl/interpose/trampoline"
)

/*
Call is one intercepted invocation, valid only while its handler runs. Arguments can be
read and rewritten before the call proceeds, or a result can be set to replace the call.

When the target has a signature, arguments are addressed by their position in the
signature and results are placed as the convention requires. Without one, arguments
are the raw integer and vector argument registers.
*/
type Call struct {
	Target   *Target
	Snapshot trampoline.Snapshot

	class    *abi.Classification
	redirect uintptr
	ic       *Interceptor
}

// Classification returns the classified signature of the target.
func (c *Call) Classification() (abi.Classification, bool) {
	if c.class == nil {
		return abi.Classification{}, false
	}
	return *c.class, true
}

// Arg returns the raw bits of argument n.
func (c *Call) Arg(n int) uint64 {
	if c.class != nil {
		return c.Snapshot.Value(c.class.Args[n])
	}
	return c.Snapshot.Arg(n)
}

// SetArg rewrites argument n. The original function sees the new value when the
// call proceeds.
func (c *Call) SetArg(n int, v uint64) {
	if c.class != nil {
		c.Snapshot.SetValue(c.class.Args[n], v)
		return
	}
	c.Snapshot.SetArg(n, v)
}

// FloatArg returns floating point argument n. With a signature n is the position
// among all arguments, otherwise it is the vector register number.
func (c *Call) FloatArg(n int) float64 {
	if c.class == nil {
		return c.Snapshot.FloatArg(n)
	}
	slot := c.class.Args[n]
	if slot.Type == abi.Float32 {
		return float64(math.Float32frombits(uint32(c.Snapshot.Value(slot))))
	}
	return math.Float64frombits(c.Snapshot.Value(slot))
}

// Args returns the raw bits of all arguments, the six integer argument
// registers when there is no signature.
func (c *Call) Args() []uint64 {
	if c.class != nil {
		return c.Snapshot.Args(*c.class)
	}
	args := make([]uint64, abi.IntegerArgumentRegisters)
	for i := range args {
		args[i] = c.Snapshot.Arg(i)
	}
	return args
}

func (c *Call) inject(values []uint64) error {
	if c.class != nil {
		return c.Snapshot.InjectResult(c.class.Result, values)
	}
	if len(values) > abi.MaxDirectResults {
		return errors.Wrapf(trampoline.ErrResultArity, "%d values without a signature", len(values))
	}
	for i, v := range values {
		c.Snapshot.SetResult(i, v)
	}
	return nil
}

// Return sets the result of the call from raw bits and returns [Replace]. Values
// that don't match the signature are a programming error.
func (c *Call) Return(values ...uint64) Verdict {
	if err := c.inject(values); err != nil {
		panic(fmt.Sprintf("cannot return from %s: %v", c.Target, err))
	}
	return Replace
}

// ReturnFloat sets a single floating point result and returns [Replace].
func (c *Call) ReturnFloat(v float64) Verdict {
	if c.class != nil && len(c.class.Result.Slots) == 1 && c.class.Result.Slots[0].Type == abi.Float32 {
		return c.Return(uint64(math.Float32bits(float32(v))))
	}
	if c.class != nil {
		return c.Return(math.Float64bits(v))
	}
	c.Snapshot.SetFloatResult(0, math.Float64bits(v))
	return Replace
}

// RedirectTo makes the call continue at addr with the current arguments and
// returns [Redirect].
func (c *Call) RedirectTo(addr uintptr) Verdict {
	if addr == 0 {
		panic("cannot redirect to nil")
	}
	c.redirect = addr
	return Redirect
}

// outcome turns a verdict into the stub's continuation address.
func (c *Call) outcome(v Verdict) uintptr {
	switch v {
	case Proceed:
		return c.Target.next()
	case Replace:
		return 0
	case Redirect:
		if c.Target.Synthesized() {
			return c.Target.next()
		}
		if c.redirect == 0 {
			panic(fmt.Sprintf("%s: redirect without RedirectTo()", c.Target))
		}
		return c.redirect
	}
	panic(fmt.Sprintf("%s: invalid %s", c.Target, v))
}

// StackFrame is a frame of the intercepted call's stack.
type StackFrame struct {
	trampoline.Frame
	// Symbol is the function the frame returns into, valid if Resolved is set.
	Symbol   image.Symbol
	Offset   uintptr
	Resolved bool
}

func (f StackFrame) String() string {
	if !f.Resolved {
		return fmt.Sprintf("%#x", f.PC)
	}
	return fmt.Sprintf("%#x %s+%#x", f.PC, f.Symbol.Name, f.Offset)
}

// Walk visits the frames of the intercepted call from its caller outwards until
// the frame pointer chain ends or visit returns false.
func (c *Call) Walk(visit func(StackFrame) bool) {
	c.Snapshot.WalkCallStack(func(fr trampoline.Frame) bool {
		f := StackFrame{Frame: fr}
		// the return address may be past the end of the calling function
		if sym, off, err := c.ic.Symbolicate(fr.PC - 1); err == nil {
			f.Symbol, f.Offset, f.Resolved = sym, off+1, true
		}
		return visit(f)
	})
}

// Caller returns the function the call was made from.
func (c *Call) Caller() (image.Symbol, error) {
	pc := c.Snapshot.ReturnAddress()
	sym, _, err := c.ic.Symbolicate(pc - 1)
	return sym, err
}
