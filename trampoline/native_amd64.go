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

//go:build (linux || darwin) && cgo

package trampoline

/*
#include "trampoline.h"
*/
import "C"

import (
	"github.com/apex/log"
)

// the pool bound to the stub table linked into this binary
var installed *Pool

func init() {
	if C.TRAMPOLINE_FRAME_SIZE != FrameSize {
		panic("trampoline stub and snapshot disagree on the save area size")
	}
}

// NativeLayout returns the layout of the stub table linked into the process.
func NativeLayout() Layout {
	return Layout{
		Base:   uintptr(C.interpose_trampoline_base()),
		Count:  int(C.interpose_trampoline_slot_count),
		Stride: int(C.interpose_trampoline_slot_size),
	}
}

// Install routes every stub of the linked table to p, replacing a previously
// installed pool.
func Install(p *Pool) {
	installed = p
	C.interpose_trampoline_install()
	log.WithField("slots", p.layout.Count).Debug("trampoline dispatcher installed")
}

// Uninstall clears the dispatcher cell. A stub called afterwards traps.
func Uninstall() {
	C.interpose_trampoline_uninstall()
	installed = nil
}

// Installed returns the pool the stubs are routed to.
func Installed() *Pool {
	return installed
}

//export interposeDispatch
func interposeDispatch(slot int, sp uintptr) uintptr {
	p := installed
	if p == nil {
		log.Fatalf("trampoline slot %d called with no pool installed", slot)
	}
	return p.Dispatch(slot, sp)
}
