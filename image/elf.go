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
	"debug/elf"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// parseELF reads sections and defined symbols. For a live image base is the
// address the file's offset 0 is mapped at.
func parseELF(path string, base uintptr, live bool) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ELF %s", path)
	}
	defer f.Close()

	// link-time address of file offset 0
	var linkBase uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			linkBase = p.Vaddr - p.Off
			break
		}
	}

	var slide uintptr
	if live {
		slide = base - uintptr(linkBase)
	} else {
		base = uintptr(linkBase)
	}

	var sections []Section
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Addr == 0 {
			continue
		}
		sections = append(sections, Section{Name: s.Name, Start: uintptr(s.Addr) + slide, Size: s.Size})
	}

	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		// stripped, fall back to the exported ones
		syms, err = f.DynamicSymbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrapf(err, "failed to read symbols of %s", path)
	}

	symbols := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		if !definedELF(f, s) {
			continue
		}
		bind := elf.ST_BIND(s.Info)
		symbols = append(symbols, Symbol{
			Name:     s.Name,
			Address:  uintptr(s.Value) + slide,
			Section:  f.Sections[s.Section].Name,
			External: bind == elf.STB_GLOBAL || bind == elf.STB_WEAK,
		})
	}

	img := NewImage(path, ELF, base, sections, symbols)
	img.Slide = slide
	img.Live = live
	log.WithFields(log.Fields{"path": path, "sections": len(sections), "symbols": len(symbols)}).Debug("parsed ELF image")
	return img, nil
}

func definedELF(f *elf.File, s elf.Symbol) bool {
	if s.Name == "" || s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE {
		return false
	}
	if int(s.Section) >= len(f.Sections) || f.Sections[s.Section].Flags&elf.SHF_ALLOC == 0 {
		return false
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		return true
	}
	return false
}
