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

//go:build (linux || darwin) && amd64

package interpose

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/qrdl/interpose/abi"
	"github.com/qrdl/interpose/image"
	"github.com/qrdl/interpose/internal/guard"
	"github.com/qrdl/interpose/trampoline"
)

// ErrNotAttached means the target has nothing to reset.
var ErrNotAttached = errors.New("function is not attached")

// Verdict tells the stub what to do once a handler has seen the call.
type Verdict int

const (
	// Proceed passes the call on to the next older handler, and after the last
	// one to the original function.
	Proceed Verdict = iota
	// Replace returns to the caller straight away, the handler has set the
	// result with [Call.Return].
	Replace
	// Redirect tail-calls the address given to [Call.RedirectTo].
	Redirect
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Replace:
		return "replace"
	case Redirect:
		return "redirect"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Handler inspects an intercepted call and decides how it continues.
type Handler func(*Call) Verdict

// Implementation is the body of a synthesized function.
type Implementation func(*Call)

// Signature lists the primitive machine types of a function's arguments and
// result values, aggregates already split into primitives.
type Signature struct {
	Args   []abi.Primitive
	Result []abi.Primitive
}

// Function identifies a function to attach to.
type Function struct {
	// Name is looked up in the catalog when Address is zero.
	Name    string
	Address uintptr
	// Signature, when known, lets handlers read arguments and set results by
	// position instead of by register.
	Signature *Signature
	// Lower computes the signature on the first intercepted call, it may fail
	// with guard.Raise. The outcome is kept, including a failure.
	Lower func() Signature
}

/*
Target is a function bound to a trampoline slot. A function attached once keeps its
slot for the process lifetime, attaching it again after [Interceptor.Reset] reuses it.
*/
type Target struct {
	Name    string
	Address uintptr
	// Slot is the entry address of the stub the function is routed through.
	Slot  uintptr
	index trampoline.Index

	patched  bool
	original uintptr // relocated prologue continuing in the function body
	saved    []byte  // entry bytes replaced by the jump
	layers   []Handler

	signature *Signature
	lower     func() Signature
	resolved  bool
	class     *abi.Classification
	classErr  error

	calls int
}

// Synthesized reports whether the target is a function built at run time.
func (t *Target) Synthesized() bool {
	return t.index.Kind == trampoline.Permanent
}

// Calls returns the number of calls routed through the target.
func (t *Target) Calls() int {
	return t.calls
}

// Original returns the address that runs the unpatched function, zero for a
// synthesized function or a function that was never patched.
func (t *Target) Original() uintptr {
	return t.original
}

func (t *Target) String() string {
	return fmt.Sprintf("%s@%#x (%s)", t.Name, t.Address, t.index)
}

// next is where a call continues when no handler takes it over. Any non-zero
// value makes a permanent slot run its implementation.
func (t *Target) next() uintptr {
	if t.Synthesized() {
		return 1
	}
	if t.original == 0 {
		log.Fatalf("call through %s which was never patched", t)
	}
	return t.original
}

/*
Interceptor routes calls arriving at trampoline slots to handlers. It is bound to one
pool and is not safe for concurrent use, handlers run on the thread of the intercepted
call.
*/
type Interceptor struct {
	pool      *trampoline.Pool
	catalog   *image.Catalog
	arena     *arena
	arenaSize int

	reserved  []*Target
	permanent map[int]*Target
	byAddr    map[uintptr]*Target

	callback  Handler
	detecting *detection
	lastErr   error
	detach    func()
}

/*
NewWith creates an interceptor over the given pool and catalog and makes it the pool's
dispatcher. The pool isn't routed to the stub table, New does that for the native one.
*/
func NewWith(pool *trampoline.Pool, catalog *image.Catalog) *Interceptor {
	ic := &Interceptor{
		pool:      pool,
		catalog:   catalog,
		arenaSize: Config{}.arenaSize(),
		permanent: make(map[int]*Target),
		byAddr:    make(map[uintptr]*Target),
	}
	pool.SetDispatcher(ic.dispatch)
	return ic
}

// Catalog returns the images the interceptor resolves names against.
func (ic *Interceptor) Catalog() *image.Catalog {
	return ic.catalog
}

// Symbolicate names the function containing pc.
func (ic *Interceptor) Symbolicate(pc uintptr) (image.Symbol, uintptr, error) {
	if ic.catalog == nil {
		return image.Symbol{}, 0, pkgerrors.Wrapf(image.ErrNotFound, "no catalog to symbolicate %#x", pc)
	}
	return ic.catalog.Symbolicate(pc)
}

// LastError returns the last failure recorded while dispatching, for example
// a signature that could not be lowered.
func (ic *Interceptor) LastError() error {
	return ic.lastErr
}

// Targets returns every function bound to a slot of this interceptor.
func (ic *Interceptor) Targets() []*Target {
	targets := make([]*Target, 0, len(ic.byAddr))
	for _, t := range ic.reserved {
		targets = append(targets, t)
	}
	for i := 0; i < ic.pool.Permanent(); i++ {
		if t, ok := ic.permanent[i]; ok {
			targets = append(targets, t)
		}
	}
	return targets
}

func (ic *Interceptor) resolve(fn Function) (uintptr, string, error) {
	if fn.Address != 0 {
		name := fn.Name
		if name == "" && ic.catalog != nil {
			if sym, off, err := ic.catalog.Symbolicate(fn.Address); err == nil && off == 0 {
				name = sym.Name
			}
		}
		return fn.Address, name, nil
	}
	if fn.Name == "" {
		return 0, "", pkgerrors.New("function has neither name nor address")
	}
	if ic.catalog == nil {
		return 0, "", pkgerrors.Wrapf(image.ErrNotFound, "no catalog to look up %s", fn.Name)
	}
	sym, err := ic.catalog.Lookup(fn.Name)
	if err != nil {
		return 0, "", err
	}
	return sym.Address, fn.Name, nil
}

// bind returns the target for addr, claiming the next reserved slot for a
// function seen for the first time.
func (ic *Interceptor) bind(addr uintptr, name string) (*Target, error) {
	if t, ok := ic.byAddr[addr]; ok {
		return t, nil
	}
	n := len(ic.reserved)
	first, stride, err := ic.pool.ReserveRange(n + 1)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to reserve slot for %s", name)
	}
	t := &Target{
		Name:    name,
		Address: addr,
		Slot:    first + uintptr(n*stride),
		index:   trampoline.Index{Kind: trampoline.Reserved, N: n},
	}
	ic.reserved = append(ic.reserved, t)
	ic.byAddr[addr] = t
	return t, nil
}

// patch points the entry of t at its slot.
func (ic *Interceptor) patch(t *Target) error {
	jump := jumpTo(t.Address, t.Slot)
	if t.original == 0 {
		moved, saved, err := relocate(t.Address, len(jump), ic.codeLimit(t.Address))
		if err != nil {
			return pkgerrors.Wrapf(err, "cannot patch %s", t)
		}
		if ic.arena == nil {
			if ic.arena, err = newArena(ic.arenaSize); err != nil {
				return err
			}
		}
		addr, err := ic.arena.place(moved)
		if err != nil {
			return err
		}
		t.original, t.saved = addr, saved
	}
	if err := writeCode(t.Address, jump); err != nil {
		return err
	}
	t.patched = true
	return nil
}

// codeLimit returns how many bytes from addr to the end of its section may be
// read, capped at the longest prologue ever relocated.
func (ic *Interceptor) codeLimit(addr uintptr) int {
	if ic.catalog != nil {
		if s, ok := ic.catalog.SectionAt(addr); ok {
			return int(min(s.End()-addr, uintptr(maxPrologueLength)))
		}
	}
	return maxPrologueLength
}

/*
Attach adds handler on top of the handlers of fn. The newest handler sees a call first,
[Proceed] passes it to the next older one. On the first attach the entry of fn is
patched to jump to a trampoline slot, the instructions it displaces are relocated so
the original function can still run.

It fails with [trampoline.ErrSlotOverflow] when no slot is left, and with
[ErrRelativeAddr] or [ErrShortFunction] when the entry of fn can't be patched.
*/
func (ic *Interceptor) Attach(fn Function, handler Handler) (*Target, error) {
	if handler == nil {
		panic("Attach() requires a handler")
	}
	addr, name, err := ic.resolve(fn)
	if err != nil {
		return nil, err
	}
	t, err := ic.bind(addr, name)
	if err != nil {
		return nil, err
	}
	if t.signature == nil && t.lower == nil {
		t.signature, t.lower = fn.Signature, fn.Lower
	}
	if !t.Synthesized() && !t.patched {
		if err := ic.patch(t); err != nil {
			return nil, err
		}
	}
	t.layers = append(t.layers, handler)
	log.WithFields(log.Fields{"target": t.String(), "layers": len(t.layers)}).Debug("handler attached")
	return t, nil
}

// Reset restores the entry of the function and drops all its handlers. The slot
// stays bound to the function.
func (ic *Interceptor) Reset(t *Target) error {
	if t == nil || ic.byAddr[t.Address] != t || !t.patched && len(t.layers) == 0 {
		return pkgerrors.Wrapf(ErrNotAttached, "cannot reset %v", t)
	}
	if t.patched {
		if err := writeCode(t.Address, t.saved); err != nil {
			return err
		}
		t.patched = false
	}
	t.layers = nil
	log.WithField("target", t.String()).Debug("target reset")
	return nil
}

// ResetAll resets every attached target.
func (ic *Interceptor) ResetAll() error {
	var err error
	for _, t := range ic.Targets() {
		if t.patched || len(t.layers) > 0 {
			err = errors.Join(err, ic.Reset(t))
		}
	}
	return err
}

/*
Declare reserves a permanent slot for a function built at run time and returns it as a
target whose address is the slot itself. The body is installed with [Interceptor.Implement]
and may be built after further functions have been declared.
*/
func (ic *Interceptor) Declare(name string, sig Signature) (*Target, error) {
	index, addr, err := ic.pool.ReservePermanent(trampoline.Descriptor{Name: name, Args: sig.Args, Result: sig.Result})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to declare %s", name)
	}
	t := &Target{
		Name:      name,
		Address:   addr,
		Slot:      addr,
		index:     trampoline.Index{Kind: trampoline.Permanent, N: index},
		signature: &sig,
	}
	ic.permanent[index] = t
	ic.byAddr[addr] = t
	log.WithField("target", t.String()).Debug("function declared")
	return t, nil
}

// Implement installs the body of a declared function.
func (ic *Interceptor) Implement(t *Target, impl Implementation) error {
	if t == nil || !t.Synthesized() {
		return pkgerrors.Wrapf(trampoline.ErrContractViolation, "%v is not a declared function", t)
	}
	if impl == nil {
		return pkgerrors.Wrapf(trampoline.ErrContractViolation, "nil implementation for %s", t)
	}
	return ic.pool.InstallPermanentImplementation(t.index.N, func(s trampoline.Snapshot) {
		impl(ic.newCall(t, s))
	})
}

// Synthesize declares and implements a function in one go.
func (ic *Interceptor) Synthesize(name string, sig Signature, impl Implementation) (*Target, error) {
	t, err := ic.Declare(name, sig)
	if err != nil {
		return nil, err
	}
	if err := ic.Implement(t, impl); err != nil {
		return nil, err
	}
	return t, nil
}

func (ic *Interceptor) target(idx trampoline.Index) *Target {
	if idx.Kind == trampoline.Permanent {
		return ic.permanent[idx.N]
	}
	if idx.N < len(ic.reserved) {
		return ic.reserved[idx.N]
	}
	return nil
}

// classification resolves the signature of t once, lowering it under a safe point.
func (ic *Interceptor) classification(t *Target) (*abi.Classification, error) {
	if t.resolved {
		return t.class, t.classErr
	}
	if t.signature == nil && t.lower == nil {
		t.resolved = true
		return nil, nil
	}
	class, err := guard.Protect(func() abi.Classification {
		sig := t.signature
		if sig == nil {
			lowered := t.lower()
			sig = &lowered
		}
		return abi.MustClassify(sig.Args, sig.Result)
	})
	t.resolved = true
	if err != nil {
		t.classErr = pkgerrors.Wrapf(err, "no signature for %s", t)
		return nil, t.classErr
	}
	t.class = &class
	log.WithFields(log.Fields{"target": t.String(), "signature": class.String()}).Debug("signature classified")
	return t.class, nil
}

func (ic *Interceptor) newCall(t *Target, s trampoline.Snapshot) *Call {
	c := &Call{Target: t, Snapshot: s, ic: ic}
	c.class, _ = ic.classification(t)
	return c
}

// dispatch is called by the pool for every call arriving at a slot.
func (ic *Interceptor) dispatch(idx trampoline.Index, s trampoline.Snapshot) uintptr {
	t := ic.target(idx)
	if t == nil {
		log.Fatalf("no target bound to trampoline slot %s", idx)
	}
	t.calls++

	class, err := ic.classification(t)
	if err != nil {
		ic.lastErr = err
		if ic.detecting != nil && ic.detecting.err == nil {
			ic.detecting.err = err
		}
		log.WithError(err).WithField("target", t.String()).Debug("proceeding unhandled")
		return t.next()
	}
	c := &Call{Target: t, Snapshot: s, class: class, ic: ic}

	switch {
	case ic.detecting != nil:
		return ic.detect(c)
	case ic.callback != nil:
		return c.outcome(ic.callback(c))
	}
	for i := len(t.layers) - 1; i >= 0; i-- {
		if v := t.layers[i](c); v != Proceed {
			return c.outcome(v)
		}
	}
	return t.next()
}

// Close resets all targets and detaches the interceptor from the stub table.
// The code arena is unmapped only when every target was restored.
func (ic *Interceptor) Close() error {
	err := ic.ResetAll()
	ic.pool.SetDispatcher(nil)
	if ic.detach != nil {
		ic.detach()
		ic.detach = nil
	}
	if err != nil {
		return err
	}
	for _, t := range ic.reserved {
		t.original, t.saved = 0, nil
	}
	err = ic.arena.release()
	ic.arena = nil
	return err
}
