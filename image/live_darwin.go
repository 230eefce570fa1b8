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

/*
#include <stdint.h>
#include <mach-o/dyld.h>

static uintptr_t image_header(uint32_t i) {
	return (uintptr_t)_dyld_get_image_header(i);
}
*/
import "C"

// DefaultExclusions are the system library locations left out of a live catalog.
var DefaultExclusions = []string{"/usr/lib/", "/System/Library/", "/System/iOSSupport/", "/Applications/Xcode.app/"}

func liveImages() ([]loadedImage, error) {
	count := uint32(C._dyld_image_count())
	images := make([]loadedImage, 0, count)
	for i := uint32(0); i < count; i++ {
		name := C._dyld_get_image_name(C.uint32_t(i))
		if name == nil {
			continue
		}
		images = append(images, loadedImage{
			path: C.GoString(name),
			base: uintptr(C.image_header(C.uint32_t(i))),
		})
	}
	return images, nil
}
