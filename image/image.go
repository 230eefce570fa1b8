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
Package image lists executable images mapped into the process and exposes their
section and symbol tables.

Symbol names are kept exactly as they appear in the symbol table, no demangling is
done. All addresses are run-time addresses, the slide of a position independent image
is already applied.
*/
package image

import (
	"fmt"
	"slices"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means there is no symbol with the given name or address.
	ErrNotFound = errors.New("symbol not found")
	// ErrNotMapped means the image was read from disk and is not mapped into the process.
	ErrNotMapped = errors.New("image is not mapped")
	// ErrUnknownFormat means the file is neither ELF nor Mach-O.
	ErrUnknownFormat = errors.New("unknown image format")
)

// Format is the object file format of an image.
type Format int

const (
	ELF Format = iota + 1
	MachO
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Role is the purpose of a well-known section.
type Role int

const (
	// Data holds writable variables, such as replacement pointers.
	Data Role = iota
	// Text holds code.
	Text
	// Const holds read-only constants.
	Const
	// TypeDescriptors, ProtocolDescriptors and ConformanceRecords are
	// language metadata sections.
	TypeDescriptors
	ProtocolDescriptors
	ConformanceRecords
)

var roleSections = map[Format][]string{
	ELF: {
		Data:                ".data",
		Text:                ".text",
		Const:               ".rodata",
		TypeDescriptors:     "swift5_types",
		ProtocolDescriptors: "swift5_protocols",
		ConformanceRecords:  "swift5_protocol_conformances",
	},
	MachO: {
		Data:                "__DATA,__data",
		Text:                "__TEXT,__text",
		Const:               "__TEXT,__const",
		TypeDescriptors:     "__TEXT,__swift5_types",
		ProtocolDescriptors: "__TEXT,__swift5_protos",
		ConformanceRecords:  "__TEXT,__swift5_proto",
	},
}

// SectionName returns the section name used for role in format f.
func SectionName(f Format, role Role) string {
	names := roleSections[f]
	if int(role) < 0 || int(role) >= len(names) {
		return ""
	}
	return names[role]
}

// Section is one section of an image. Mach-O sections are named "segment,section".
type Section struct {
	Name  string
	Start uintptr
	Size  uint64
}

// End returns the first address past the section.
func (s Section) End() uintptr {
	return s.Start + uintptr(s.Size)
}

// Contains reports whether addr falls into the section.
func (s Section) Contains(addr uintptr) bool {
	return addr >= s.Start && addr < s.End()
}

// Symbol is a defined symbol.
type Symbol struct {
	Name     string
	Address  uintptr
	Section  string
	External bool
	// Image is the path of the image defining the symbol.
	Image string
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s (%#x)", s.Name, s.Address)
}

// Image is one executable or shared library.
type Image struct {
	Path   string
	Format Format
	// Base is the address the image header is mapped at.
	Base uintptr
	// Slide is the difference between run-time and link-time addresses.
	Slide uintptr
	// Live is set for images mapped into the current process.
	Live bool

	sections []Section
	symbols  []Symbol
	byName   map[string]int
}

// NewImage builds an image from already slid sections and symbols.
func NewImage(path string, format Format, base uintptr, sections []Section, symbols []Symbol) *Image {
	img := &Image{
		Path:     path,
		Format:   format,
		Base:     base,
		sections: slices.Clone(sections),
		symbols:  slices.Clone(symbols),
		byName:   make(map[string]int, len(symbols)),
	}
	for i := range img.symbols {
		img.symbols[i].Image = path
	}
	sort.SliceStable(img.symbols, func(i, j int) bool {
		return img.symbols[i].Address < img.symbols[j].Address
	})
	for i, s := range img.symbols {
		// first definition wins, later ones are usually local aliases
		if _, ok := img.byName[s.Name]; !ok {
			img.byName[s.Name] = i
		}
	}
	return img
}

// Sections returns all sections of the image.
func (img *Image) Sections() []Section {
	return img.sections
}

// Section returns the section with the given name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// SectionFor returns the section that plays role in this image.
func (img *Image) SectionFor(role Role) (Section, bool) {
	return img.Section(SectionName(img.Format, role))
}

// DataSection returns the writable data section.
func (img *Image) DataSection() (Section, bool) { return img.SectionFor(Data) }

// TextSection returns the code section.
func (img *Image) TextSection() (Section, bool) { return img.SectionFor(Text) }

// ConstSection returns the read-only constants section.
func (img *Image) ConstSection() (Section, bool) { return img.SectionFor(Const) }

// MetadataSection returns one of the language metadata sections.
func (img *Image) MetadataSection(role Role) (Section, bool) {
	if role < TypeDescriptors {
		return Section{}, false
	}
	return img.SectionFor(role)
}

// Contains reports whether addr belongs to any section of the image.
func (img *Image) Contains(addr uintptr) bool {
	for _, s := range img.sections {
		if s.Contains(addr) {
			return true
		}
	}
	return false
}

// SectionAt returns the section containing addr.
func (img *Image) SectionAt(addr uintptr) (Section, bool) {
	for _, s := range img.sections {
		if s.Contains(addr) {
			return s, true
		}
	}
	return Section{}, false
}

// SectionData returns the mapped bytes of a section. It works only for live images.
func (img *Image) SectionData(s Section) ([]byte, error) {
	if !img.Live {
		return nil, errors.Wrapf(ErrNotMapped, "%s", img.Path)
	}
	if s.Size == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(s.Start)), s.Size), nil
}

// Lookup finds a symbol by its exact name.
func (img *Image) Lookup(name string) (Symbol, error) {
	i, ok := img.byName[name]
	if !ok {
		return Symbol{}, errors.Wrapf(ErrNotFound, "%s in %s", name, img.Path)
	}
	return img.symbols[i], nil
}

// Nearest returns the closest symbol at or before addr.
func (img *Image) Nearest(addr uintptr) (Symbol, bool) {
	if !img.Contains(addr) {
		return Symbol{}, false
	}
	i := sort.Search(len(img.symbols), func(i int) bool {
		return img.symbols[i].Address > addr
	})
	if i == 0 {
		return Symbol{}, false
	}
	return img.symbols[i-1], true
}

// Symbols returns the symbols defined in the named sections, or all
// symbols when no section is given. Symbols are ordered by address.
func (img *Image) Symbols(sections ...string) []Symbol {
	if len(sections) == 0 {
		return img.symbols
	}
	var syms []Symbol
	for _, s := range img.symbols {
		if slices.Contains(sections, s.Section) {
			syms = append(syms, s)
		}
	}
	return syms
}

func (img *Image) String() string {
	return fmt.Sprintf("%s %s base %#x slide %#x, %d sections, %d symbols",
		img.Path, img.Format, img.Base, img.Slide, len(img.sections), len(img.symbols))
}
