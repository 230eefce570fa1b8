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

package image

import (
	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// parseMachO reads sections and defined symbols. For a live image base is the
// address of the mach header, slide is computed from the __TEXT segment.
func parseMachO(path string, base uintptr, live bool) (*Image, error) {
	m, closer, err := openMachO(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Mach-O %s", path)
	}
	defer closer()

	var linkBase uint64
	if text := m.Segment("__TEXT"); text != nil {
		linkBase = text.Addr
	}
	var slide uintptr
	if live {
		slide = base - uintptr(linkBase)
	} else {
		base = uintptr(linkBase)
	}

	sections := make([]Section, 0, len(m.Sections))
	for _, s := range m.Sections {
		sections = append(sections, Section{Name: s.Seg + "," + s.Name, Start: uintptr(s.Addr) + slide, Size: s.Size})
	}

	var symbols []Symbol
	if m.Symtab != nil {
		symbols = make([]Symbol, 0, len(m.Symtab.Syms))
		for _, s := range m.Symtab.Syms {
			// debugging entries and anything not defined in a section are skipped
			if s.Type&types.N_STAB != 0 || s.Type&types.N_TYPE != types.N_SECT {
				continue
			}
			if s.Sect == 0 || int(s.Sect) > len(m.Sections) || s.Name == "" {
				continue
			}
			sect := m.Sections[s.Sect-1]
			symbols = append(symbols, Symbol{
				Name:     s.Name,
				Address:  uintptr(s.Value) + slide,
				Section:  sect.Seg + "," + sect.Name,
				External: s.Type.IsExternalSym() && !s.Type.IsPrivateExternalSym(),
			})
		}
	}

	img := NewImage(path, MachO, base, sections, symbols)
	img.Slide = slide
	img.Live = live
	log.WithFields(log.Fields{"path": path, "sections": len(sections), "symbols": len(symbols)}).Debug("parsed Mach-O image")
	return img, nil
}

// openMachO opens a thin file or the x86-64 slice of a universal one.
func openMachO(path string) (*macho.File, func(), error) {
	fat, err := macho.OpenFat(path)
	if err == nil {
		for _, arch := range fat.Arches {
			if arch.CPU == types.CPUAmd64 {
				return arch.File, func() { fat.Close() }, nil
			}
		}
		fat.Close()
		return nil, nil, errors.New("no x86-64 slice in universal binary")
	}
	if err != macho.ErrNotFat {
		return nil, nil, err
	}
	m, err := macho.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return m, func() { m.Close() }, nil
}
