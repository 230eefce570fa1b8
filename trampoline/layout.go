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
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/qrdl/interpose/image"
)

// Link-time symbols defined by the stub table.
const (
	SlotCountSymbol  = "interpose_trampoline_slot_count"
	SlotSizeSymbol   = "interpose_trampoline_slot_size"
	DispatcherSymbol = "interpose_trampoline_dispatcher"
	SlotsSymbol      = "interpose_trampoline_slots"
)

func symbolName(name string) string {
	if runtime.GOOS == "darwin" {
		return "_" + name
	}
	return name
}

// ResolveLayout locates the stub table through the symbol tables of the loaded
// images and reads its size from the slot count and slot size cells.
func ResolveLayout(c *image.Catalog) (Layout, error) {
	var addrs [3]uintptr
	for i, name := range []string{SlotsSymbol, SlotCountSymbol, SlotSizeSymbol} {
		sym, err := c.Lookup(symbolName(name))
		if err != nil {
			return Layout{}, errors.Wrap(err, "trampoline table is not linked in")
		}
		addrs[i] = sym.Address
	}
	l := Layout{
		Base:   addrs[0],
		Count:  int(*(*int64)(unsafe.Pointer(addrs[1]))),
		Stride: int(*(*int64)(unsafe.Pointer(addrs[2]))),
	}
	if l.Count <= 0 || l.Stride <= 0 {
		return Layout{}, errors.Errorf("invalid trampoline table %d x %d", l.Count, l.Stride)
	}
	return l, nil
}
