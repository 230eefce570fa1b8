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

/*
#include <stdint.h>
#include <string.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>

// __TEXT has r-x as its maximum protection, VM_PROT_COPY gets a private
// writable copy of the pages instead.
static int write_code(uint64_t addr, const void *src, uint64_t len) {
	mach_port_t task = mach_task_self();
	kern_return_t kr = mach_vm_protect(task, addr, len, FALSE, VM_PROT_READ | VM_PROT_WRITE | VM_PROT_COPY);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	memcpy((void *)addr, src, len);
	return mach_vm_protect(task, addr, len, FALSE, VM_PROT_READ | VM_PROT_EXECUTE);
}
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
)

func writeCode(addr uintptr, code []byte) error {
	res := C.write_code(C.uint64_t(addr), unsafe.Pointer(&code[0]), C.uint64_t(len(code)))
	if res != 0 {
		return errors.Errorf("failed to overwrite code at %#x: kern_return %d", addr, int(res))
	}
	return nil
}
