// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration of a machine and the domain built
// on it. Configurations are TOML files; every field has a default so an
// empty file is valid.
package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/paging"
)

// pagesPerMB converts the pool sizes.
const pagesPerMB = (1 << 20) / hostarch.PageSize

// Config is the root of a configuration file.
type Config struct {
	Machine  Machine  `toml:"machine"`
	Domain   Domain   `toml:"domain"`
	Shadow   Shadow   `toml:"shadow"`
	HAP      HAP      `toml:"hap"`
	LogDirty LogDirty `toml:"logdirty"`
	PoD      PoD      `toml:"pod"`
	Mapcache Mapcache `toml:"mapcache"`
	Migrate  Migrate  `toml:"migrate"`
	Log      Log      `toml:"log"`
}

// Machine sizes host memory.
type Machine struct {
	// Frames is the number of 4K frames of machine RAM.
	Frames uint64 `toml:"frames"`
}

// Domain describes the guest.
type Domain struct {
	ID hostarch.DomID `toml:"id"`

	// Engine is "shadow" or "hap".
	Engine string `toml:"engine"`

	Vcpus int `toml:"vcpus"`

	// RAMPages is the number of GFNs from 0 backed with RAM at creation.
	RAMPages uint64 `toml:"ram_pages"`

	// MaxPages bounds the domain's frames.
	MaxPages uint64 `toml:"max_pages"`
}

// Shadow configures the shadow engine.
type Shadow struct {
	PoolMB uint64 `toml:"pool_mb"`

	// OOS allows guest l1 tables to go out of sync.
	OOS bool `toml:"oos"`

	// FastMMIO installs magic entries for emulated MMIO.
	FastMMIO bool `toml:"fast_mmio"`
}

// HAP configures the HAP engine.
type HAP struct {
	PoolMB uint64 `toml:"pool_mb"`
}

// LogDirty sizes the log-dirty radix.
type LogDirty struct {
	// Nodes bounds the radix node arena. Zero means unbounded.
	Nodes int `toml:"nodes"`
}

// PoD configures populate-on-demand memory above the RAM pages.
type PoD struct {
	// Pages is the number of GFNs after the RAM pages marked
	// populate-on-demand at creation.
	Pages uint64 `toml:"pages"`

	// Target is the PoD memory target in pages. Zero leaves the cache
	// empty.
	Target uint64 `toml:"target"`

	// MaxOrder caps the order of the PoD entries marked at creation.
	MaxOrder uint `toml:"max_order"`
}

// Mapcache sizes the domain mapcache.
type Mapcache struct {
	Slots int `toml:"slots"`
}

// Migrate configures the pre-copy migration driver.
type Migrate struct {
	// MaxRounds bounds the pre-copy rounds that follow the first full pass.
	MaxRounds int `toml:"max_rounds"`

	// DirtyThreshold stops pre-copy once a round leaves no more dirty
	// pages than this.
	DirtyThreshold uint64 `toml:"dirty_threshold"`

	// InitialInterval and MaxInterval pace the rounds.
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`

	// Workers copy pages in parallel.
	Workers int `toml:"workers"`

	// MaxFailedAllocs aborts the migration once the log-dirty tracker has
	// lost more marks than this.
	MaxFailedAllocs uint64 `toml:"max_failed_allocs"`
}

// Log configures logging.
type Log struct {
	Level log.Level `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// File is the log destination. Empty means stderr.
	File string `toml:"file"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		Machine: Machine{Frames: 16384},
		Domain: Domain{
			ID:       1,
			Engine:   string(paging.EngineHAP),
			Vcpus:    1,
			RAMPages: 1024,
			MaxPages: 2048,
		},
		Shadow:   Shadow{PoolMB: 1, OOS: true, FastMMIO: true},
		HAP:      HAP{PoolMB: 1},
		PoD:      PoD{MaxOrder: hostarch.SuperPageOrder},
		Mapcache: Mapcache{Slots: paging.DefaultMapcacheSlots},
		Migrate: Migrate{
			MaxRounds:       8,
			DirtyThreshold:  16,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Workers:         4,
		},
		Log: Log{Level: log.Info, Format: "text"},
	}
}

// Load reads path over the defaults. Keys the file sets that Config does not
// know are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return c, nil
}

// Parse is Load for a configuration held in memory.
func Parse(data string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, 0, len(keys))
		for _, k := range keys {
			names = append(names, k.String())
		}
		return fmt.Errorf("unknown keys %s: %w", strings.Join(names, ", "), hverr.EINVAL)
	}
	return nil
}

// Validate checks that the fields are consistent with each other.
func (c *Config) Validate() error {
	switch paging.EngineKind(c.Domain.Engine) {
	case paging.EngineShadow, paging.EngineHAP:
	default:
		return fmt.Errorf("domain.engine %q is not %q or %q: %w", c.Domain.Engine, paging.EngineShadow, paging.EngineHAP, hverr.EINVAL)
	}
	if c.Machine.Frames == 0 || c.Machine.Frames > frame.MaxFrames {
		return fmt.Errorf("machine.frames %d out of range (1..%d): %w", c.Machine.Frames, frame.MaxFrames, hverr.EINVAL)
	}
	if c.Domain.Vcpus <= 0 {
		return fmt.Errorf("domain.vcpus must be positive, got %d: %w", c.Domain.Vcpus, hverr.EINVAL)
	}
	if c.Domain.RAMPages > c.Domain.MaxPages {
		return fmt.Errorf("domain.ram_pages %d exceeds domain.max_pages %d: %w", c.Domain.RAMPages, c.Domain.MaxPages, hverr.EINVAL)
	}
	if c.Domain.MaxPages+c.PoolPages() > c.Machine.Frames {
		return fmt.Errorf("domain needs %d frames with its pool, machine has %d: %w", c.Domain.MaxPages+c.PoolPages(), c.Machine.Frames, hverr.EINVAL)
	}
	if c.PoD.Target > c.Domain.MaxPages {
		return fmt.Errorf("pod.target %d exceeds domain.max_pages %d: %w", c.PoD.Target, c.Domain.MaxPages, hverr.EINVAL)
	}
	if c.Domain.RAMPages+c.PoD.Pages > c.Domain.MaxPages {
		return fmt.Errorf("domain.ram_pages plus pod.pages exceed domain.max_pages %d: %w", c.Domain.MaxPages, hverr.EINVAL)
	}
	if c.PoD.MaxOrder > hostarch.SuperPageOrder {
		return fmt.Errorf("pod.max_order %d exceeds %d: %w", c.PoD.MaxOrder, hostarch.SuperPageOrder, hverr.EINVAL)
	}
	if c.Migrate.MaxRounds < 1 || c.Migrate.Workers < 1 {
		return fmt.Errorf("migrate.max_rounds and migrate.workers must be positive: %w", hverr.EINVAL)
	}
	if c.Migrate.InitialInterval > c.Migrate.MaxInterval {
		return fmt.Errorf("migrate.initial_interval %v exceeds migrate.max_interval %v: %w", c.Migrate.InitialInterval, c.Migrate.MaxInterval, hverr.EINVAL)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not \"text\" or \"json\": %w", c.Log.Format, hverr.EINVAL)
	}
	return nil
}

// PoolPages returns the initial pool of the configured engine.
func (c *Config) PoolPages() uint64 {
	if paging.EngineKind(c.Domain.Engine) == paging.EngineShadow {
		return c.Shadow.PoolMB * pagesPerMB
	}
	return c.HAP.PoolMB * pagesPerMB
}

// DomainOptions returns the options for building the domain on m.
func (c *Config) DomainOptions(m *frame.Machine) paging.Options {
	return paging.Options{
		ID:            c.Domain.ID,
		Machine:       m,
		MaxPages:      c.Domain.MaxPages,
		Engine:        paging.EngineKind(c.Domain.Engine),
		PoolPages:     c.PoolPages(),
		Vcpus:         c.Domain.Vcpus,
		MapcacheSlots: c.Mapcache.Slots,
		LogDirtyNodes: c.LogDirty.Nodes,
		OOS:           c.Shadow.OOS,
		FastMMIO:      c.Shadow.FastMMIO,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Override returns a copy of c with key, in "section.name" form, set to
// value. value is a TOML value, so strings need quotes.
func (c *Config) Override(key, value string) (*Config, error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return nil, fmt.Errorf("override key %q is not section.name: %w", key, hverr.EINVAL)
	}
	n := c.Clone()
	md, err := toml.Decode(fmt.Sprintf("[%s]\n%s = %s\n", section, name, value), n)
	if err != nil {
		return nil, fmt.Errorf("override %s=%s: %w", key, value, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("override %s: %w", key, err)
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("override %s=%s: %w", key, value, err)
	}
	return n, nil
}

// String returns c as a TOML document.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("<unencodable config: %v>", err)
	}
	return buf.String()
}

// LogConfig prints the configuration to the log, one line per section.
func (c *Config) LogConfig() {
	log.Infof("Config.Machine: %+v", c.Machine)
	log.Infof("Config.Domain: %+v", c.Domain)
	log.Infof("Config.Shadow: %+v", c.Shadow)
	log.Infof("Config.HAP: %+v", c.HAP)
	log.Infof("Config.LogDirty: %+v", c.LogDirty)
	log.Infof("Config.PoD: %+v", c.PoD)
	log.Infof("Config.Mapcache: %+v", c.Mapcache)
	log.Infof("Config.Migrate: %+v", c.Migrate)
	log.Infof("Config.Log: %+v", c.Log)
}
