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

package abi

import "fmt"

// Primitive is a flat machine type. Aggregates must be decomposed into
// primitives before they reach the classifier.
type Primitive int

const (
	Void Primitive = iota
	Int1
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	Float80
	Pointer
)

var primitiveNames = [...]string{
	Void:    "void",
	Int1:    "i1",
	Int8:    "i8",
	Int16:   "i16",
	Int32:   "i32",
	Int64:   "i64",
	Float32: "float",
	Float64: "double",
	Float80: "x86_fp80",
	Pointer: "ptr",
}

func (p Primitive) String() string {
	if p < 0 || int(p) >= len(primitiveNames) {
		return fmt.Sprintf("primitive(%d)", int(p))
	}
	return primitiveNames[p]
}

// Size returns the number of bytes a value of the primitive occupies in memory.
func (p Primitive) Size() int {
	switch p {
	case Void:
		return 0
	case Int1, Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64, Pointer:
		return 8
	case Float80:
		return 16
	}
	return 0
}

// Alignment returns the natural alignment of the primitive.
func (p Primitive) Alignment() int {
	if p == Void {
		return 1
	}
	return p.Size()
}

// IsFloat reports whether the primitive is passed in vector registers.
func (p Primitive) IsFloat() bool {
	return p == Float32 || p == Float64 || p == Float80
}

func (p Primitive) valid() bool {
	return p >= Void && p <= Pointer
}
