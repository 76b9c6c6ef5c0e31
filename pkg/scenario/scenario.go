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

// Package scenario runs scripted sequences of guest and administrative
// events against a domain. Scripts are YAML documents:
//
//	name: touch-pod
//	config:
//	  domain.ram_pages: 0
//	  pod.pages: 1024
//	  pod.target: 512
//	steps:
//	  - op: write
//	    gfn: 5
//	    value: 0x1234
//	  - op: expect_type
//	    gfn: 5
//	    expect: {type: ram_rw}
//
// The config keys override the base configuration the script runs on.
// Guest accesses are issued by a vcpu with paging off, so a GFN's first
// byte is at guest address gfn<<12.
package scenario

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// Script is a parsed scenario.
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Config maps "section.name" keys to values.
	Config map[string]any `yaml:"config,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is one event. Which fields matter depends on Op.
type Step struct {
	Op     string `yaml:"op"`
	Vcpu   int    `yaml:"vcpu,omitempty"`
	GFN    uint64 `yaml:"gfn,omitempty"`
	From   uint64 `yaml:"from,omitempty"`
	Order  uint   `yaml:"order,omitempty"`
	PoD    bool   `yaml:"pod,omitempty"`
	Offset uint64 `yaml:"offset,omitempty"`
	Value  uint64 `yaml:"value,omitempty"`
	Pages  uint64 `yaml:"pages,omitempty"`
	MB     uint64 `yaml:"mb,omitempty"`
	Expect Expect `yaml:"expect,omitempty"`
}

// Expect holds the checks made after a step. Unset fields are not checked.
type Expect struct {
	// Error is the errno name the step must fail with, such as "EIO", or
	// "FAULT" or "MMIO" for an access that exits.
	Error string `yaml:"error,omitempty"`

	Value *uint64 `yaml:"value,omitempty"`
	Type  string  `yaml:"type,omitempty"`

	// Dirty lists the GFNs a clean or peek must report.
	Dirty []uint64 `yaml:"dirty,omitempty"`

	PoDEntries *uint64 `yaml:"pod_entries,omitempty"`
	PoDCache   *uint64 `yaml:"pod_cache,omitempty"`
	Crashed    *bool   `yaml:"crashed,omitempty"`
}

// Operations.
const (
	OpPopulate            = "populate"
	OpIncreaseReservation = "increase_reservation"
	OpDecreaseReservation = "decrease_reservation"
	OpAddToPhysmap        = "add_to_physmap"
	OpPoDTarget           = "pod_target"
	OpWrite               = "write"
	OpRead                = "read"
	OpLogDirtyEnable      = "logdirty_enable"
	OpLogDirtyDisable     = "logdirty_disable"
	OpClean               = "clean"
	OpPeek                = "peek"
	OpSetAllocation       = "set_allocation"
	OpPause               = "pause"
	OpUnpause             = "unpause"
	OpExpectType          = "expect_type"
	OpExpectStats         = "expect_stats"
)

var ops = map[string]func(context.Context, *paging.Domain, *Step, *Result) error{
	OpPopulate: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.PopulatePhysmap(ctx, hostarch.GFN(s.GFN), s.Order, s.PoD)
	},
	OpIncreaseReservation: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.IncreaseReservation(ctx, hostarch.GFN(s.GFN), s.Order)
	},
	OpDecreaseReservation: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.DecreaseReservation(ctx, hostarch.GFN(s.GFN), s.Order)
	},
	OpAddToPhysmap: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.AddToPhysmap(ctx, hostarch.GFN(s.From), hostarch.GFN(s.GFN))
	},
	OpPoDTarget: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.SetPoDTarget(ctx, s.Pages)
	},
	OpWrite: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		v, err := d.Vcpu(s.Vcpu)
		if err != nil {
			return err
		}
		return v.Write(ctx, s.addr(), s.Value, 8)
	},
	OpRead: func(ctx context.Context, d *paging.Domain, s *Step, r *Result) error {
		v, err := d.Vcpu(s.Vcpu)
		if err != nil {
			return err
		}
		r.Value, err = v.Read(ctx, s.addr(), 8)
		return err
	},
	OpLogDirtyEnable: func(ctx context.Context, d *paging.Domain, _ *Step, _ *Result) error {
		return d.EnableLogDirty(ctx)
	},
	OpLogDirtyDisable: func(ctx context.Context, d *paging.Domain, _ *Step, _ *Result) error {
		return d.DisableLogDirty(ctx)
	},
	OpClean: func(ctx context.Context, d *paging.Domain, s *Step, r *Result) error {
		return readDirty(ctx, d, s, r, true)
	},
	OpPeek: func(ctx context.Context, d *paging.Domain, s *Step, r *Result) error {
		return readDirty(ctx, d, s, r, false)
	},
	OpSetAllocation: func(ctx context.Context, d *paging.Domain, s *Step, _ *Result) error {
		return d.ShadowOp(ctx, &paging.ShadowControl{Op: paging.ShadowOpSetAllocation, MB: s.MB})
	},
	OpPause: func(_ context.Context, d *paging.Domain, _ *Step, _ *Result) error {
		d.Pause("scenario")
		return nil
	},
	OpUnpause: func(_ context.Context, d *paging.Domain, _ *Step, _ *Result) error {
		d.Unpause()
		return nil
	},
	OpExpectType: func(ctx context.Context, d *paging.Domain, s *Step, r *Result) error {
		_, typ := d.GfnToMfn(ctx, hostarch.GFN(s.GFN), p2m.QueryOnly)
		r.Type = typ.String()
		return nil
	},
	OpExpectStats: func(context.Context, *paging.Domain, *Step, *Result) error {
		return nil
	},
}

func (s *Step) addr() hostarch.Addr {
	return hostarch.Addr(s.GFN<<hostarch.PageShift + s.Offset)
}

func readDirty(ctx context.Context, d *paging.Domain, s *Step, r *Result, clean bool) error {
	bm, _, err := d.ReadDirty(ctx, hostarch.GFN(s.GFN), s.Pages, clean)
	if err != nil {
		return err
	}
	r.Dirty = []uint64{}
	for _, i := range bm.Ones() {
		r.Dirty = append(r.Dirty, s.GFN+i)
	}
	return nil
}

// Result is the outcome of a step.
type Result struct {
	Step  int      `yaml:"step"`
	Op    string   `yaml:"op"`
	Error string   `yaml:"error,omitempty"`
	Value uint64   `yaml:"value,omitempty"`
	Type  string   `yaml:"type,omitempty"`
	Dirty []uint64 `yaml:"dirty,omitempty"`
}

// Report is the outcome of a script.
type Report struct {
	Name    string             `yaml:"name"`
	Results []Result           `yaml:"results"`
	Stats   paging.DomainStats `yaml:"stats"`
}

// Parse decodes a script. Unknown fields and operations are errors.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("unable to decode scenario: %w", err)
	}
	for i := range s.Steps {
		if _, ok := ops[s.Steps[i].Op]; !ok {
			return nil, fmt.Errorf("step %d: unknown op %q: %w", i, s.Steps[i].Op, hverr.EINVAL)
		}
	}
	return &s, nil
}

// Load reads a script from a file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open scenario: %w", err)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Apply returns base with the script's config overrides applied.
func (s *Script) Apply(base *config.Config) (*config.Config, error) {
	keys := make([]string, 0, len(s.Config))
	for k := range s.Config {
		keys = append(keys, k)
	}
	// Overrides are validated one at a time, in key order.
	sort.Strings(keys)
	c := base.Clone()
	for _, k := range keys {
		var value string
		switch v := s.Config[k].(type) {
		case string:
			value = strconv.Quote(v)
		default:
			value = fmt.Sprint(v)
		}
		n, err := c.Override(k, value)
		if err != nil {
			return nil, err
		}
		c = n
	}
	return c, nil
}

// Run executes the steps against d. A step whose outcome does not match its
// expectations stops the run with an error; the report holds the results so
// far.
func (s *Script) Run(ctx context.Context, d *paging.Domain) (*Report, error) {
	rep := &Report{Name: s.Name}
	for i := range s.Steps {
		st := &s.Steps[i]
		res := Result{Step: i, Op: st.Op}
		err := ops[st.Op](ctx, d, st, &res)
		if err != nil {
			res.Error = errName(err)
		}
		rep.Results = append(rep.Results, res)
		if err := st.check(ctx, d, &res, err); err != nil {
			rep.Stats = d.Stats(ctx)
			return rep, fmt.Errorf("%s: step %d (%s): %w", s.Name, i, st.Op, err)
		}
		log.Debugf("%s: step %d (%s) done: %+v", s.Name, i, st.Op, res)
	}
	rep.Stats = d.Stats(ctx)
	return rep, nil
}

func (st *Step) check(ctx context.Context, d *paging.Domain, res *Result, err error) error {
	ex := &st.Expect
	if res.Error != ex.Error {
		if err == nil {
			return fmt.Errorf("succeeded, want %s", ex.Error)
		}
		if ex.Error == "" {
			return err
		}
		return fmt.Errorf("failed with %s, want %s: %w", res.Error, ex.Error, err)
	}
	if ex.Value != nil && res.Value != *ex.Value {
		return fmt.Errorf("value %#x, want %#x", res.Value, *ex.Value)
	}
	if ex.Type != "" {
		if _, perr := p2m.ParseType(ex.Type); perr != nil {
			return perr
		}
		if res.Type != ex.Type {
			return fmt.Errorf("gfn %#x is %s, want %s", st.GFN, res.Type, ex.Type)
		}
	}
	if ex.Dirty != nil && !equalGFNs(res.Dirty, ex.Dirty) {
		return fmt.Errorf("dirty %#x, want %#x", res.Dirty, ex.Dirty)
	}
	if ex.PoDEntries != nil || ex.PoDCache != nil {
		pod := d.P2M.PoD().Stats(ctx)
		if ex.PoDEntries != nil && pod.EntryCount != *ex.PoDEntries {
			return fmt.Errorf("%d PoD entries, want %d", pod.EntryCount, *ex.PoDEntries)
		}
		if ex.PoDCache != nil && pod.Count != *ex.PoDCache {
			return fmt.Errorf("%d pages in the PoD cache, want %d", pod.Count, *ex.PoDCache)
		}
	}
	if ex.Crashed != nil && d.Crashed() != *ex.Crashed {
		return fmt.Errorf("crashed = %t, want %t", d.Crashed(), *ex.Crashed)
	}
	return nil
}

// errName names the outcome of a failed step: "FAULT" for a fault reflected
// to the guest, "MMIO" for an access handed to the device model, else the
// errno.
func errName(err error) string {
	var gf *paging.GuestFault
	if goerrors.As(err, &gf) {
		return "FAULT"
	}
	var mmio *paging.MMIOExit
	if goerrors.As(err, &mmio) {
		return "MMIO"
	}
	return unix.ErrnoName(hverr.ToUnix(err))
}

func equalGFNs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
