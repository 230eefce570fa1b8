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
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// DetectFormat reads the file magic.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return 0, errors.Wrapf(ErrUnknownFormat, "%s: %v", path, err)
	}
	return formatOf(magic), nil
}

func formatOf(magic [4]byte) Format {
	if magic == [4]byte{0x7f, 'E', 'L', 'F'} {
		return ELF
	}
	switch binary.BigEndian.Uint32(magic[:]) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe, 0xcafebabe, 0xbebafeca:
		return MachO
	}
	return 0
}

// Open parses an image file from disk. The result is not live, its addresses
// are link-time addresses.
func Open(path string) (*Image, error) {
	return open(path, 0, false)
}

func open(path string, base uintptr, live bool) (*Image, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case ELF:
		return parseELF(path, base, live)
	case MachO:
		return parseMachO(path, base, live)
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "%s", path)
}
