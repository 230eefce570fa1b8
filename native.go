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

//go:build (linux || darwin) && amd64 && cgo

package interpose

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/qrdl/interpose/image"
	"github.com/qrdl/interpose/trampoline"
)

/*
New creates an interceptor over the stub table linked into the process. It catalogs
the loaded images, checks the table found through the catalog against the linked one
and routes every stub to the new interceptor, replacing any previous one.
*/
func New(cfg Config) (*Interceptor, error) {
	cfg.apply()

	catalog, err := image.Load(cfg.catalogOptions())
	if err != nil {
		return nil, err
	}
	layout := trampoline.NativeLayout()
	if found, err := trampoline.ResolveLayout(catalog); err != nil {
		log.WithError(err).Debug("stub table not visible in the catalog")
	} else if found != layout {
		return nil, errors.Errorf("stub table mismatch: linked %+v, cataloged %+v", layout, found)
	}

	pool := trampoline.NewPool(layout)
	ic := NewWith(pool, catalog)
	ic.arenaSize = cfg.arenaSize()
	trampoline.Install(pool)
	ic.detach = func() {
		if trampoline.Installed() == pool {
			trampoline.Uninstall()
		}
	}

	log.WithFields(log.Fields{
		"images": len(catalog.Images()),
		"slots":  layout.Count,
	}).Debug("interceptor ready")
	return ic, nil
}
