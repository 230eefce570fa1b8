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

/*
Package abi places flat lists of primitive machine types into registers and stack
slots the way the x86-64 convention used by the trampolines expects them.

Integer-class values (integers and pointers) take the integer argument registers in
declaration order, floating point values take the vector registers, and whatever does
not fit is spilled to the caller's stack argument area. A result made of more than
[MaxDirectResults] values is returned through a hidden pointer that is passed ahead of
all declared arguments.
*/
package abi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/qrdl/interpose/internal/guard"
)

const (
	// IntegerArgumentRegisters is the number of integer-class argument registers (rdi, rsi, rdx, rcx, r8, r9).
	IntegerArgumentRegisters = 6
	// FloatArgumentRegisters is the number of vector argument registers (xmm0-xmm7).
	FloatArgumentRegisters = 8
	// MaxDirectResults is the largest number of register-class values returned in registers.
	MaxDirectResults = 4
	// StackSlotSize is the granularity of the stack argument area.
	StackSlotSize = 8
)

// ErrUnsupportedPrimitive means the convention has no encoding for the primitive.
var ErrUnsupportedPrimitive = errors.New("unsupported primitive")

// SlotKind tells where a value lives.
type SlotKind int

const (
	Empty SlotKind = iota
	IntegerRegister
	FloatRegister
	Stack
	// Memory is a location relative to the hidden result pointer.
	Memory
)

func (k SlotKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case IntegerRegister:
		return "int"
	case FloatRegister:
		return "float"
	case Stack:
		return "stack"
	case Memory:
		return "memory"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Slot is the placement of one value. Position is a register number within
// its class for register slots and a byte offset for Stack and Memory slots.
type Slot struct {
	Kind     SlotKind
	Position int
	Width    int
	Type     Primitive
}

func (s Slot) String() string {
	switch s.Kind {
	case Empty:
		return "empty"
	case Stack, Memory:
		return fmt.Sprintf("%s+%d:%s", s.Kind, s.Position, s.Type)
	}
	return fmt.Sprintf("%s%d:%s", s.Kind, s.Position, s.Type)
}

// ResultKind tells how a result travels back to the caller.
type ResultKind int

const (
	Direct ResultKind = iota
	Indirect
)

// Result is the classification of a function result.
type Result struct {
	Kind ResultKind
	// Slots lists result registers for a direct result and offsets from
	// the hidden pointer for an indirect one.
	Slots []Slot
	// Pointer is where the hidden result pointer is passed, valid only
	// for an indirect result.
	Pointer Slot
	// Size is the size of the memory block an indirect result occupies.
	Size int
}

// Classification is the placement of all arguments and the result of one signature.
type Classification struct {
	// Args has one slot per declared argument, in declaration order.
	Args   []Slot
	Result Result
	// StackSize is the size of the caller's stack argument area in bytes.
	StackSize int
	// IntegerRegisters and FloatRegisters count argument registers in use,
	// including the hidden result pointer.
	IntegerRegisters int
	FloatRegisters   int
}

func (c Classification) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, s := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.String())
	}
	b.WriteString(") -> ")
	if c.Result.Kind == Indirect {
		fmt.Fprintf(&b, "indirect via %s", c.Result.Pointer)
		return b.String()
	}
	b.WriteByte('(')
	for i, s := range c.Result.Slots {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Classify places arguments and result values. The result is a flat list of
// register-class values, empty for a void function.
func Classify(args []Primitive, result []Primitive) (Classification, error) {
	var c Classification

	values := 0
	for _, p := range result {
		if err := check(p); err != nil {
			return Classification{}, errors.Wrap(err, "result")
		}
		if p != Void {
			values++
		}
	}
	for i, p := range args {
		if err := check(p); err != nil {
			return Classification{}, errors.Wrapf(err, "argument %d", i)
		}
	}

	if values > MaxDirectResults {
		c.Result.Kind = Indirect
		c.Result.Pointer = Slot{Kind: IntegerRegister, Position: 0, Width: Pointer.Size(), Type: Pointer}
		c.IntegerRegisters = 1
		offset := 0
		for _, p := range result {
			if p == Void {
				continue
			}
			offset = alignUp(offset, p.Alignment())
			c.Result.Slots = append(c.Result.Slots, Slot{Kind: Memory, Position: offset, Width: p.Size(), Type: p})
			offset += p.Size()
		}
		c.Result.Size = offset
	} else {
		ints, floats := 0, 0
		for _, p := range result {
			switch {
			case p == Void:
				continue
			case p.IsFloat():
				c.Result.Slots = append(c.Result.Slots, Slot{Kind: FloatRegister, Position: floats, Width: p.Size(), Type: p})
				floats++
			default:
				c.Result.Slots = append(c.Result.Slots, Slot{Kind: IntegerRegister, Position: ints, Width: p.Size(), Type: p})
				ints++
			}
		}
	}

	c.Args = make([]Slot, len(args))
	for i, p := range args {
		switch {
		case p == Void:
			c.Args[i] = Slot{Kind: Empty, Type: Void}
		case p.IsFloat() && c.FloatRegisters < FloatArgumentRegisters:
			c.Args[i] = Slot{Kind: FloatRegister, Position: c.FloatRegisters, Width: p.Size(), Type: p}
			c.FloatRegisters++
		case !p.IsFloat() && c.IntegerRegisters < IntegerArgumentRegisters:
			c.Args[i] = Slot{Kind: IntegerRegister, Position: c.IntegerRegisters, Width: p.Size(), Type: p}
			c.IntegerRegisters++
		default:
			c.StackSize = alignUp(c.StackSize, max(StackSlotSize, p.Alignment()))
			c.Args[i] = Slot{Kind: Stack, Position: c.StackSize, Width: p.Size(), Type: p}
			c.StackSize += alignUp(p.Size(), StackSlotSize)
		}
	}

	return c, nil
}

// MustClassify is like [Classify] but raises the failure to the active safe point.
func MustClassify(args []Primitive, result []Primitive) Classification {
	c, err := Classify(args, result)
	if err != nil {
		guard.Raise(err)
	}
	return c
}

func check(p Primitive) error {
	if !p.valid() {
		return errors.Wrapf(ErrUnsupportedPrimitive, "%s", p)
	}
	if p == Float80 {
		return errors.Wrapf(ErrUnsupportedPrimitive, "%s has no register encoding", p)
	}
	return nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
