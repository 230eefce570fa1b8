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

package interpose

import (
	"bytes"
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	jmpInstrLength    = 5 // JMP rel32
	jmpInstrCode      = uint8(0xE9)
	absJmpInstrLength = 14 // JMP [RIP+0] followed by the 64-bit target
	maxPrologueLength = 32
)

var (
	// ErrRelativeAddr means the displaced prologue has an instruction addressing
	// relative to the instruction pointer, which would break once relocated.
	ErrRelativeAddr = errors.New("prologue has PC-relative instruction")
	// ErrShortFunction means the function ends before a jump fits into it.
	ErrShortFunction = errors.New("function too short to patch")
)

var endbr64 = []byte{0xF3, 0x0F, 0x1E, 0xFA}

// jumpTo encodes the shortest jump from an instruction at from to target.
func jumpTo(from, target uintptr) []byte {
	rel := int64(target) - int64(from+jmpInstrLength)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return absJumpTo(target)
	}
	code := make([]byte, jmpInstrLength)
	code[0] = jmpInstrCode
	binary.LittleEndian.PutUint32(code[1:], uint32(int32(rel)))
	return code
}

// absJumpTo encodes a position independent jump to target.
func absJumpTo(target uintptr) []byte {
	code := make([]byte, absJmpInstrLength)
	code[0], code[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(code[6:], uint64(target))
	return code
}

/*
prologueLength returns the length of the whole instructions covering at least n bytes
of code. These instructions are moved out of the way of the entry jump, so none may
depend on where it is located and the function must not end among them.
*/
func prologueLength(code []byte, n int) (int, error) {
	off := 0
	for off < n {
		if off >= len(code) {
			return 0, errors.Wrapf(ErrShortFunction, "code ends at offset %d", off)
		}
		if bytes.HasPrefix(code[off:], endbr64) {
			off += len(endbr64)
			continue
		}
		inst, err := x86asm.Decode(code[off:], 64)
		if errors.Is(err, x86asm.ErrTruncated) {
			return 0, errors.Wrapf(ErrShortFunction, "code ends inside instruction at offset %d", off)
		}
		if err != nil {
			return 0, errors.Wrapf(err, "failed to decode instruction at offset %d", off)
		}
		if pcRelative(inst) {
			return 0, errors.Wrapf(ErrRelativeAddr, "%s at offset %d", x86asm.GNUSyntax(inst, 0, nil), off)
		}
		off += inst.Len
		if terminates(inst) && off < n {
			return 0, errors.Wrapf(ErrShortFunction, "%s ends it at offset %d", inst.Op, off)
		}
	}
	return off, nil
}

func pcRelative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case nil:
			return false
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				return true
			}
		}
	}
	return false
}

func terminates(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.UD1, x86asm.UD2, x86asm.HLT, x86asm.INT:
		return true
	}
	return false
}

// relocate builds the copy of the prologue at entry that continues in the
// original body, and returns it together with the bytes the entry jump replaces.
// No more than limit bytes past entry are read.
func relocate(entry uintptr, jumpLength, limit int) (moved, saved []byte, err error) {
	code := unsafe.Slice((*uint8)(unsafe.Pointer(entry)), min(limit, maxPrologueLength))
	n, err := prologueLength(code, jumpLength)
	if err != nil {
		return nil, nil, err
	}
	moved = make([]byte, 0, n+absJmpInstrLength)
	moved = append(moved, code[:n]...)
	moved = append(moved, absJumpTo(entry+uintptr(n))...)
	saved = append([]byte(nil), code[:jumpLength]...)
	return moved, saved, nil
}
