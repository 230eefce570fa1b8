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
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/qrdl/interpose/internal/guard"
)

// ErrNotDetected means Detect saw no call to an attached function.
var ErrNotDetected = errors.New("no intercepted call detected")

// Detection is a call seen by [Interceptor.Detect].
type Detection struct {
	Target *Target
	// Args holds the raw bits of the arguments the call was made with.
	Args []uint64
}

type detection struct {
	results []uint64
	found   []Detection
	err     error
}

func (ic *Interceptor) busy() error {
	if ic.callback != nil || ic.detecting != nil {
		return errors.Wrap(guard.ErrReentrancy, "interception callback already set")
	}
	return nil
}

/*
Intercept runs execute with every intercepted call routed to handler instead of the
handlers attached to the called function. It returns the first failure recorded while
execute was running, for example a signature that could not be lowered.
*/
func (ic *Interceptor) Intercept(execute func(), handler Handler) error {
	if err := ic.busy(); err != nil {
		return err
	}
	if handler == nil {
		panic("Intercept() requires a handler")
	}
	ic.lastErr = nil
	ic.callback = handler
	defer func() { ic.callback = nil }()

	execute()
	return ic.lastErr
}

/*
Detect runs execute and reports which intercepted functions it called, in call order.
None of them actually runs, each call returns results instead. A call that fails to
record or to take the results proceeds to the function and its error is returned once
execute completes. If nothing was called Detect fails with [ErrNotDetected].
*/
func (ic *Interceptor) Detect(execute func(), results ...uint64) ([]Detection, error) {
	if err := ic.busy(); err != nil {
		return nil, err
	}
	d := &detection{results: results}
	ic.detecting = d
	defer func() { ic.detecting = nil }()

	execute()
	if d.err != nil {
		return d.found, d.err
	}
	if len(d.found) == 0 {
		return nil, ErrNotDetected
	}
	return d.found, nil
}

func (ic *Interceptor) detect(c *Call) uintptr {
	d := ic.detecting
	_, err := guard.Protect(func() bool {
		found := Detection{Target: c.Target, Args: c.Args()}
		if err := c.inject(d.results); err != nil {
			guard.Raise(errors.Wrapf(err, "cannot return from %s", c.Target))
		}
		d.found = append(d.found, found)
		return true
	})
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		ic.lastErr = err
		log.WithError(err).WithField("target", c.Target.String()).Debug("detection failed")
		return c.Target.next()
	}
	return 0
}
