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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/migrate"
	"gvisor.dev/hvmm/pkg/paging"
)

// Migrate implements subcommands.Command for the "migrate" command.
type Migrate struct {
	scenario string
	writers  int
	span     uint64
}

// Name implements subcommands.Command.Name.
func (*Migrate) Name() string {
	return "migrate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Migrate) Synopsis() string {
	return "live-migrate a domain into memory while its vcpus write to it"
}

// Usage implements subcommands.Command.Usage.
func (*Migrate) Usage() string {
	return `migrate [-scenario <file>] [-writers N] - boot a domain, migrate it with N vcpus writing, and check the copy.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Migrate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.scenario, "scenario", "", "scenario script to run before migrating.")
	f.IntVar(&m.writers, "writers", 1, "number of vcpus writing to guest memory during the migration, at most domain.vcpus.")
	f.Uint64Var(&m.span, "span", 64, "number of RAM pages each writer cycles over.")
}

// Execute implements subcommands.Command.Execute.
func (m *Migrate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env, script, err := boot(ctx, args[0].(*config.Config), m.scenario)
	if err != nil {
		Fatalf("booting domain: %v", err)
	}
	defer env.Close(ctx)
	conf := env.Config
	if m.writers < 0 || m.writers > conf.Domain.Vcpus {
		Fatalf("-writers %d out of range (0..%d)", m.writers, conf.Domain.Vcpus)
	}
	if m.span == 0 {
		Fatalf("-span must be positive")
	}
	d := env.Domain
	if script != nil {
		if _, err := script.Run(ctx, d); err != nil {
			Fatalf("%v", err)
		}
	}

	sink := migrate.NewMemorySink()
	done := make(chan struct{})
	var res *migrate.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		res, err = migrate.New(d, sink, conf.Migrate).Run(gctx)
		return err
	})
	ram := conf.Domain.RAMPages
	for id := 0; id < m.writers && ram > 0; id++ {
		v, err := d.Vcpu(id)
		if err != nil {
			Fatalf("%v", err)
		}
		g.Go(func() error {
			return m.write(ctx, v, uint64(id)*m.span%ram, ram, done)
		})
	}
	if err := g.Wait(); err != nil {
		if res != nil {
			writeYAML(res)
		}
		Fatalf("migration failed: %v", err)
	}
	if err := writeYAML(res); err != nil {
		Fatalf("writing result: %v", err)
	}
	if bad := sink.Verify(ctx, d); len(bad) != 0 {
		log.Warningf("%d pages differ after migration, first %v", len(bad), bad[0])
		return subcommands.ExitFailure
	}
	fmt.Printf("verified %d pages\n", ram)
	return subcommands.ExitSuccess
}

// write has v store a counter across span pages from first until done is
// closed. A paused domain is waited out.
func (m *Migrate) write(ctx context.Context, v *paging.Vcpu, first, ram uint64, done <-chan struct{}) error {
	for i := uint64(0); ; i++ {
		select {
		case <-done:
			return nil
		default:
		}
		gfn := hostarch.GFN((first + i%m.span) % ram)
		err := v.Write(ctx, hostarch.Addr(gfn.Addr()), i, 8)
		switch {
		case err == nil:
		case hverr.Equals(hverr.EAGAIN, err):
			time.Sleep(time.Millisecond)
		default:
			return fmt.Errorf("%s: writing %v: %w", v, gfn, err)
		}
	}
}
