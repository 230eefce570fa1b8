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
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultExclusions are the system library locations left out of a live catalog.
var DefaultExclusions = []string{"/usr/lib/", "/lib/", "/lib64/", "/usr/lib64/", "/usr/libexec/"}

func liveImages() ([]loadedImage, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMaps(f)
}

// parseMaps picks the mapping of file offset 0 for every file backed region:
//
//	55d0c4a00000-55d0c4a2c000 r--p 00000000 fd:01 1234  /usr/bin/foo
func parseMaps(r io.Reader) ([]loadedImage, error) {
	var images []loadedImage
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, " (deleted)") || seen[path] {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil || offset != 0 {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		seen[path] = true
		images = append(images, loadedImage{path: path, base: uintptr(base)})
	}
	return images, scanner.Err()
}
