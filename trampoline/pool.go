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
Package trampoline owns the table of pre-built call stubs and the register state they
capture.

Every stub saves the argument registers, calls the dispatcher with its own index and a
pointer to the save area, restores the registers and then either returns to the caller
or jumps to the address the dispatcher returned.

Slots are handed out from both ends of the table. Reserved slots stand in for existing
functions whose entry point was redirected and are counted from the bottom, only their
number is tracked. Permanent slots back functions synthesized at run time, they are
counted from the top and each keeps a descriptor and an implementation for the lifetime
of the process.
*/
package trampoline

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/qrdl/interpose/abi"
	"github.com/qrdl/interpose/internal/guard"
)

var (
	// ErrSlotOverflow means there are not enough free slots for the request.
	ErrSlotOverflow = errors.New("trampoline slots exhausted")
	// ErrNotImplemented means a permanent slot has no implementation.
	ErrNotImplemented = errors.New("permanent slot is not implemented")
	// ErrContractViolation means the two-phase permanent slot protocol was broken.
	ErrContractViolation = errors.New("permanent slot contract violation")
)

// Layout describes the stub table in memory.
type Layout struct {
	Base   uintptr
	Count  int
	Stride int
}

// SlotAddress returns the entry address of stub n.
func (l Layout) SlotAddress(n int) uintptr {
	return l.Base + uintptr(n*l.Stride)
}

// SlotIndex returns the index of the stub starting at addr.
func (l Layout) SlotIndex(addr uintptr) (int, bool) {
	if l.Stride <= 0 || addr < l.Base {
		return 0, false
	}
	off := addr - l.Base
	if off%uintptr(l.Stride) != 0 {
		return 0, false
	}
	n := int(off / uintptr(l.Stride))
	return n, n < l.Count
}

// Kind tells reserved and permanent slots apart.
type Kind int

const (
	Reserved Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "reserved"
}

// Index identifies a slot within its kind. For reserved slots N equals the
// table index, for permanent slots N counts down from the top of the table.
type Index struct {
	Kind Kind
	N    int
}

func (i Index) String() string {
	return fmt.Sprintf("%s #%d", i.Kind, i.N)
}

// Descriptor describes a synthesized function.
type Descriptor struct {
	Name   string
	Args   []abi.Primitive
	Result []abi.Primitive
}

// Implementation is the body of a synthesized function. Arguments are read from
// and results written to the snapshot.
type Implementation func(Snapshot)

// Dispatcher handles an intercepted call. For a reserved slot the returned
// address is jumped to, zero makes the stub return to the caller. For a
// permanent slot any non-zero value runs the slot's implementation.
type Dispatcher func(Index, Snapshot) uintptr

// Pool allocates slots of one stub table. It is not safe for concurrent use.
type Pool struct {
	layout          Layout
	reserved        int
	descriptors     []Descriptor
	implementations []Implementation
	dispatcher      Dispatcher
}

// NewPool creates a pool over the stub table described by l.
func NewPool(l Layout) *Pool {
	return &Pool{layout: l}
}

// Layout returns the stub table layout.
func (p *Pool) Layout() Layout {
	return p.layout
}

// Reserved returns the reserved slot watermark.
func (p *Pool) Reserved() int {
	return p.reserved
}

// Permanent returns the number of permanent slots in use.
func (p *Pool) Permanent() int {
	return len(p.descriptors)
}

/*
ReserveRange marks the bottom count slots as reserved and returns the address of the
first one and the distance between consecutive slots. Calling it again moves the
watermark to the new count, slots are not tracked individually. On failure the
watermark is left unchanged.
*/
func (p *Pool) ReserveRange(count int) (uintptr, int, error) {
	if count < 0 {
		return 0, 0, errors.Errorf("negative slot count %d", count)
	}
	if count+len(p.descriptors) >= p.layout.Count {
		return 0, 0, errors.Wrapf(ErrSlotOverflow, "%d reserved and %d permanent slots of %d",
			count, len(p.descriptors), p.layout.Count)
	}
	p.reserved = count
	return p.layout.Base, p.layout.Stride, nil
}

/*
ReservePermanent allocates the next permanent slot and returns its index and
address. The implementation is installed separately with
[Pool.InstallPermanentImplementation], so building one descriptor may reserve
further slots before the first one is complete.
*/
func (p *Pool) ReservePermanent(d Descriptor) (int, uintptr, error) {
	if p.reserved+len(p.descriptors)+1 >= p.layout.Count {
		return 0, 0, errors.Wrapf(ErrSlotOverflow, "%d reserved and %d permanent slots of %d",
			p.reserved, len(p.descriptors)+1, p.layout.Count)
	}
	index := len(p.descriptors)
	p.descriptors = append(p.descriptors, d)
	p.implementations = append(p.implementations, nil)
	return index, p.layout.SlotAddress(p.layout.Count - index - 1), nil
}

// InstallPermanentImplementation binds fn to a reserved permanent slot. Each slot
// gets exactly one implementation.
func (p *Pool) InstallPermanentImplementation(index int, fn Implementation) error {
	if index < 0 || index >= len(p.descriptors) {
		return errors.Wrapf(ErrNotImplemented, "permanent slot %d was never reserved", index)
	}
	if fn == nil {
		return errors.Wrapf(ErrContractViolation, "nil implementation for permanent slot %d", index)
	}
	if p.implementations[index] != nil {
		return errors.Wrapf(ErrContractViolation, "permanent slot %d (%s) is already implemented",
			index, p.descriptors[index].Name)
	}
	p.implementations[index] = fn
	return nil
}

// Descriptor returns the descriptor of a permanent slot.
func (p *Pool) Descriptor(index int) (Descriptor, bool) {
	if index < 0 || index >= len(p.descriptors) {
		return Descriptor{}, false
	}
	return p.descriptors[index], true
}

// Classify maps a table index to a reserved or permanent slot.
func (p *Pool) Classify(slot int) (Index, bool) {
	switch {
	case slot < 0 || slot >= p.layout.Count:
		return Index{}, false
	case slot < p.reserved:
		return Index{Kind: Reserved, N: slot}, true
	case slot >= p.layout.Count-len(p.descriptors):
		return Index{Kind: Permanent, N: p.layout.Count - slot - 1}, true
	}
	return Index{}, false
}

// Invoke runs the implementation of a permanent slot. A missing implementation
// is raised to the active safe point.
func (p *Pool) Invoke(index int, s Snapshot) {
	if index < 0 || index >= len(p.implementations) || p.implementations[index] == nil {
		guard.Raise(errors.Wrapf(ErrNotImplemented, "permanent slot %d", index))
	}
	p.implementations[index](s)
}

// SetDispatcher sets the handler every stub of this pool calls.
func (p *Pool) SetDispatcher(d Dispatcher) {
	p.dispatcher = d
}

/*
Dispatch is the entry point of the stubs. slot is the table index of the stub, sp
points to its register save area. It returns the address the stub jumps to, or zero
to make the stub return to its caller.
*/
func (p *Pool) Dispatch(slot int, sp uintptr) uintptr {
	idx, ok := p.Classify(slot)
	if !ok {
		log.Fatalf("call through unallocated trampoline slot %d (%d reserved, %d permanent)",
			slot, p.reserved, len(p.descriptors))
	}
	if p.dispatcher == nil {
		log.Fatalf("no dispatcher for trampoline slot %d", slot)
	}

	snap := SnapshotAt(sp)
	target := p.dispatcher(idx, snap)
	if idx.Kind == Permanent {
		if target != 0 {
			p.Invoke(idx.N, snap)
		}
		return 0
	}
	return target
}
