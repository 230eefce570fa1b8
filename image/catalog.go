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
	"strings"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultCacheSize is the number of symbolicated addresses kept by a catalog.
const DefaultCacheSize = 1024

// Options controls which images a live catalog includes.
type Options struct {
	// Exclude lists path prefixes of images to leave out. Nil means
	// DefaultExclusions, an empty non-nil slice includes everything.
	Exclude []string
	// CacheSize bounds the reverse lookup cache, DefaultCacheSize if zero.
	CacheSize int
}

func (o Options) excluded(path string) bool {
	prefixes := o.Exclude
	if prefixes == nil {
		prefixes = DefaultExclusions
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Catalog is a set of images with name and address lookups across all of them.
type Catalog struct {
	opts   Options
	images []*Image
	live   bool
	cache  *lru.Cache[uintptr, Symbol]
}

// New builds a catalog over the given images.
func New(opts Options, images ...*Image) (*Catalog, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uintptr, Symbol](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create symbol cache")
	}
	return &Catalog{opts: opts, images: images, cache: cache}, nil
}

// Load builds a catalog of the images currently mapped into the process.
func Load(opts Options) (*Catalog, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	c.live = true
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload enumerates mapped images again, for instance after a library was loaded.
// It does nothing for a catalog built with New.
func (c *Catalog) Reload() error {
	if !c.live {
		return nil
	}
	loaded, err := liveImages()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate loaded images")
	}
	images := make([]*Image, 0, len(loaded))
	for _, l := range loaded {
		if c.opts.excluded(l.path) {
			continue
		}
		img, err := open(l.path, l.base, true)
		if err != nil {
			// in-memory only images (vdso, shared cache) can't be read from disk
			log.WithError(err).WithField("path", l.path).Debug("skipping image")
			continue
		}
		images = append(images, img)
	}
	c.images = images
	c.cache.Purge()
	log.WithField("images", len(images)).Debug("catalog loaded")
	return nil
}

// Images returns all images of the catalog.
func (c *Catalog) Images() []*Image {
	return c.images
}

// Find returns the first image whose path ends with suffix.
func (c *Catalog) Find(suffix string) (*Image, bool) {
	for _, img := range c.images {
		if strings.HasSuffix(img.Path, suffix) {
			return img, true
		}
	}
	return nil, false
}

// Lookup finds a symbol by exact name in any image. Images are searched in
// load order, so the main executable wins.
func (c *Catalog) Lookup(name string) (Symbol, error) {
	for _, img := range c.images {
		if s, err := img.Lookup(name); err == nil {
			return s, nil
		}
	}
	return Symbol{}, errors.Wrapf(ErrNotFound, "%s", name)
}

// Symbolicate returns the closest symbol at or before addr, together with
// the offset of addr from it. It works for local symbols the dynamic linker
// can't resolve.
func (c *Catalog) Symbolicate(addr uintptr) (Symbol, uintptr, error) {
	if s, ok := c.cache.Get(addr); ok {
		return s, addr - s.Address, nil
	}
	for _, img := range c.images {
		if s, ok := img.Nearest(addr); ok {
			c.cache.Add(addr, s)
			return s, addr - s.Address, nil
		}
	}
	return Symbol{}, 0, errors.Wrapf(ErrNotFound, "no symbol for %#x", addr)
}

// SectionAt returns the section of any image containing addr.
func (c *Catalog) SectionAt(addr uintptr) (Section, bool) {
	for _, img := range c.images {
		if s, ok := img.SectionAt(addr); ok {
			return s, true
		}
	}
	return Section{}, false
}

// Symbols returns the symbols of all images, restricted to the named sections
// if any are given.
func (c *Catalog) Symbols(sections ...string) []Symbol {
	var syms []Symbol
	for _, img := range c.images {
		syms = append(syms, img.Symbols(sections...)...)
	}
	return syms
}

type loadedImage struct {
	path string
	base uintptr
}
