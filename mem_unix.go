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

//go:build linux || darwin

package interpose

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrArenaExhausted means there is no room left for another relocated prologue.
var ErrArenaExhausted = errors.New("code arena exhausted")

const codeAlignment = 16

func calcBoundaries(ptr unsafe.Pointer, size int) (unsafe.Pointer, uintptr) {
	pageSize := uintptr(os.Getpagesize())
	areaStart := unsafe.Pointer(uintptr(ptr) &^ (pageSize - 1))
	areaSize := (uintptr(ptr) + uintptr(size)) - uintptr(areaStart)

	return areaStart, areaSize
}

// arena is an executable mapping relocated prologues are copied to. Space is
// only given back as a whole, once no patched entry jumps into it.
type arena struct {
	mem  []byte
	used int
}

func newArena(size int) (*arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s code arena", humanize.IBytes(uint64(size)))
	}
	return &arena{mem: mem}, nil
}

// place copies code into the arena and returns its address.
func (a *arena) place(code []byte) (uintptr, error) {
	n := (len(code) + codeAlignment - 1) &^ (codeAlignment - 1)
	if a.used+n > len(a.mem) {
		return 0, errors.Wrapf(ErrArenaExhausted, "%d bytes needed, %s of %s used",
			n, humanize.IBytes(uint64(a.used)), humanize.IBytes(uint64(len(a.mem))))
	}
	copy(a.mem[a.used:], code)
	addr := uintptr(unsafe.Pointer(&a.mem[a.used]))
	a.used += n
	log.WithFields(log.Fields{"addr": fmt.Sprintf("%#x", addr), "used": humanize.IBytes(uint64(a.used))}).Debug("code placed in arena")
	return addr, nil
}

func (a *arena) release() error {
	if a == nil || a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return errors.Wrap(err, "failed to unmap code arena")
}
