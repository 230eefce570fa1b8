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

package interpose

import (
	"github.com/apex/log"
	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"

	"github.com/qrdl/interpose/image"
)

// Config holds the run-time settings of an [Interceptor]. Slot count and slot
// size are fixed when the stub table is assembled and are not configurable.
type Config struct {
	// Verbose switches the package logger to debug level.
	Verbose bool `env:"VERBOSE"`
	// ExcludePrefixes replaces the default list of system image paths that are
	// left out of the catalog.
	ExcludePrefixes []string `env:"EXCLUDE_PREFIXES" envSeparator:":"`
	// ExtraExcludePrefixes is appended to the exclusion list.
	ExtraExcludePrefixes []string `env:"EXTRA_EXCLUDE_PREFIXES" envSeparator:":"`
	// SymbolCacheSize bounds the address to symbol cache.
	SymbolCacheSize int `env:"SYMBOL_CACHE_SIZE" envDefault:"1024"`
	// CodeArenaKB is the size of the executable area relocated prologues live in.
	CodeArenaKB int `env:"CODE_ARENA_KB" envDefault:"1024"`
}

// LoadConfig reads the configuration from INTERPOSE_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "INTERPOSE_"}); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse interpose configuration")
	}
	if cfg.SymbolCacheSize <= 0 {
		return Config{}, errors.Errorf("symbol cache size must be positive, got %d", cfg.SymbolCacheSize)
	}
	if cfg.CodeArenaKB <= 0 {
		return Config{}, errors.Errorf("code arena size must be positive, got %d KB", cfg.CodeArenaKB)
	}
	return cfg, nil
}

func (c Config) apply() {
	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func (c Config) catalogOptions() image.Options {
	exclude := c.ExcludePrefixes
	if exclude == nil {
		exclude = image.DefaultExclusions
	}
	if len(c.ExtraExcludePrefixes) > 0 {
		exclude = append(append([]string{}, exclude...), c.ExtraExcludePrefixes...)
	}
	return image.Options{Exclude: exclude, CacheSize: c.SymbolCacheSize}
}

func (c Config) arenaSize() int {
	if c.CodeArenaKB <= 0 {
		return 1024 << 10
	}
	return c.CodeArenaKB << 10
}
