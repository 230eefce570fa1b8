// This file is part of Interpose project, available at https://github.com/qrdl/interpose
// Copyright (c) 2024-2026 Ilya Caramishev. All rights reserved.
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
Package interpose allows to observe and override calls to native functions of a running
test binary, without recompiling them. It should be used only for testing and never in
production!

# Platforms supported

This package modifies the running executable, therefore is OS- and CPU arch-specific.
It supports x86-64 on Linux and macOS, using the System V calling convention, and needs
cgo because the trampoline stubs are assembled into the binary.

# The concept

Every attached function gets one slot of a fixed table of pre-built stubs, and its entry
is patched to jump to that stub. The stub saves the argument registers and calls the
[Interceptor], which hands the call to the handlers attached to the function, newest
first. Each handler returns a [Verdict]:

  - [Proceed] passes the call to the next older handler, and after the last one to the
    original function, with the arguments as the handlers left them.
  - [Replace] returns to the caller with the result set by [Call.Return].
  - [Redirect] continues the call at another address, see [Call.RedirectTo].

Functions can also be built at run time with [Interceptor.Synthesize]. Such a function
has no body of its own, its slot address is the function pointer to pass around and
calls to it run the Go implementation.

Only functions following the C calling convention can be attached, i.e. C code linked
through cgo. Handlers run inside a cgo callback on the thread of the intercepted call,
and the interceptor is not safe for concurrent use.

It is recommended to compile the C code under test without optimisation and with frame
pointers, so prologues can be relocated and stack walks work:

	#cgo CFLAGS: -O0 -fno-omit-frame-pointer

Typical use:

	ic, err := interpose.New(interpose.Config{})
	if err != nil {
	    t.Fatal(err)
	}
	defer ic.Close()

	_, err = ic.Attach(interpose.Function{Name: "checksum"}, func(c *interpose.Call) interpose.Verdict {
	    if c.Arg(1) == 0 {
	        return c.Return(0xffff) // <-- empty buffer, don't call the real one
	    }
	    return interpose.Proceed
	})

# Failures

Slot exhaustion and unpatchable functions are reported as errors by [Interceptor.Attach].
Signatures are lowered lazily on the first intercepted call under a safe point, see
[Function.Lower]. A failure there is recorded, see [Interceptor.LastError], and the call
proceeds to the original function. Frames between the failure and the safe point are
abandoned by a panic, so deferred calls in them still run.

# Configuration

[LoadConfig] reads the settings from the environment:

	INTERPOSE_VERBOSE                 debug logging
	INTERPOSE_EXCLUDE_PREFIXES        image path prefixes left out of the catalog, ':' separated
	INTERPOSE_EXTRA_EXCLUDE_PREFIXES  prefixes added to the default ones
	INTERPOSE_SYMBOL_CACHE_SIZE       address to symbol cache size, 1024 by default
	INTERPOSE_CODE_ARENA_KB           room for relocated prologues, 1024 KB by default
*/
package interpose
