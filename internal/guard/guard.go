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
Package guard implements the safe point used by the interception engine.

Code that was not written with error returns on every path reports internal failures
with [Raise]. Control then leaves all intermediate frames and resumes at the closest
[Protect], which hands the error back as a regular return value. Only one protected
scope can be active at a time, the engine runs on a single logical thread.
*/
package guard

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// ErrReentrancy means Protect was entered while another protected scope was active.
var ErrReentrancy = errors.New("protected call is not reentrant")

type scope struct {
	depth int
}

// fault carries a raised error up to the scope that was active when it was raised.
type fault struct {
	err   error
	scope *scope
}

var (
	active    *scope
	lastFault error
	entries   int
)

/*
Protect runs fn as a safe point. If [Raise] is called anywhere below fn, the remaining
frames are abandoned and Protect returns the zero value with the raised error. Panics
that did not come from Raise are propagated unchanged.

Calling Protect while another Protect is running is a fatal error, it is raised to the
active scope as [ErrReentrancy].
*/
func Protect[R any](fn func() R) (result R, err error) {
	if active != nil {
		Raise(errors.Wrapf(ErrReentrancy, "scope %d is active", active.depth))
	}

	entries++
	s := &scope{depth: entries}
	active = s
	defer func() {
		active = nil
		r := recover()
		if r == nil {
			return
		}
		f, ok := r.(*fault)
		if !ok || f.scope != s {
			panic(r)
		}
		log.WithError(f.err).Debug("safe point reached")
		lastFault = f.err
		err = f.err
	}()

	return fn(), nil
}

// Raise abandons the current protected scope with err. Without an active scope it
// terminates the process.
func Raise(err error) {
	if err == nil {
		err = errors.New("nil error raised")
	}
	if active == nil {
		panic(fmt.Sprintf("no safe point to handle %v", err))
	}
	panic(&fault{err: err, scope: active})
}

// Active reports whether a protected scope is running.
func Active() bool {
	return active != nil
}

// LastFault returns the last error recorded by a safe point.
func LastFault() error {
	return lastFault
}
