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

package scenario

import (
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/paging"

	// Engines.
	_ "gvisor.dev/hvmm/pkg/hap"
	_ "gvisor.dev/hvmm/pkg/shadow"
)

// Env is a machine running one domain built from a Config.
type Env struct {
	Config  *config.Config
	Machine *frame.Machine
	Domain  *paging.Domain
}

// Boot creates the machine and the domain described by c, populates its RAM
// and PoD ranges and sets the PoD target.
func Boot(ctx context.Context, c *config.Config) (*Env, error) {
	m, err := frame.NewMachine(c.Machine.Frames)
	if err != nil {
		return nil, err
	}
	d, err := paging.NewDomain(ctx, c.DomainOptions(m))
	if err != nil {
		m.Close()
		return nil, err
	}
	e := &Env{Config: c, Machine: m, Domain: d}
	if err := e.populate(ctx); err != nil {
		e.Close(ctx)
		return nil, err
	}
	log.Infof("d%d: booted on %s with %d RAM and %d PoD pages", d.ID, c.Domain.Engine, c.Domain.RAMPages, c.PoD.Pages)
	return e, nil
}

func (e *Env) populate(ctx context.Context) error {
	c, d := e.Config, e.Domain
	ram, pod := c.Domain.RAMPages, c.PoD.Pages
	if err := fill(0, ram, hostarch.SuperPageOrder, func(gfn hostarch.GFN, order uint) error {
		return d.PopulatePhysmap(ctx, gfn, order, false)
	}); err != nil {
		return fmt.Errorf("populating RAM: %w", err)
	}
	if pod == 0 {
		return nil
	}
	if err := fill(hostarch.GFN(ram), pod, c.PoD.MaxOrder, func(gfn hostarch.GFN, order uint) error {
		return d.PopulatePhysmap(ctx, gfn, order, true)
	}); err != nil {
		return fmt.Errorf("marking PoD: %w", err)
	}
	return d.SetPoDTarget(ctx, c.PoD.Target)
}

// fill covers n GFNs from start with the largest aligned chunks up to
// maxOrder.
func fill(start hostarch.GFN, n uint64, maxOrder uint, f func(hostarch.GFN, uint) error) error {
	gfn, end := uint64(start), uint64(start)+n
	for gfn < end {
		order := maxOrder
		for order > 0 && (gfn&(hostarch.PagesForOrder(order)-1) != 0 || gfn+hostarch.PagesForOrder(order) > end) {
			order--
		}
		if err := f(hostarch.GFN(gfn), order); err != nil {
			return err
		}
		gfn += hostarch.PagesForOrder(order)
	}
	return nil
}

// Close destroys the domain and releases the machine.
func (e *Env) Close(ctx context.Context) error {
	err := e.Domain.Destroy(ctx)
	if cerr := e.Machine.Close(); err == nil {
		err = cerr
	}
	return err
}
