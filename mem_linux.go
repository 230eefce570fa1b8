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
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// writeCode overwrites code at addr. The page is left writable, so restoring
// the original bytes later doesn't need another protection change.
func writeCode(addr uintptr, code []byte) error {
	start, size := calcBoundaries(unsafe.Pointer(addr), len(code))

	page := unsafe.Slice((*uint8)(start), size)
	if err := unix.Mprotect(page, unix.PROT_WRITE|unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrapf(err, "failed to make code at %#x writable", addr)
	}
	copy(unsafe.Slice((*uint8)(unsafe.Pointer(addr)), len(code)), code)
	return nil
}
