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

package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/paging"
	"gvisor.dev/hvmm/pkg/scenario"
)

var engines = []paging.EngineKind{paging.EngineShadow, paging.EngineHAP}

func boot(t *testing.T, kind paging.EngineKind, edit func(*config.Config)) (context.Context, *paging.Domain) {
	t.Helper()
	c := config.Default()
	c.Machine.Frames = 8192
	c.Domain.Engine = string(kind)
	c.Domain.RAMPages = 256
	c.Domain.MaxPages = 512
	c.Migrate.InitialInterval = time.Millisecond
	c.Migrate.MaxInterval = 4 * time.Millisecond
	if edit != nil {
		edit(c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("bad test config: %v", err)
	}
	ctx := locking.WithCPU(context.Background(), 0)
	env, err := scenario.Boot(ctx, c)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(func() {
		if err := env.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return ctx, env.Domain
}

func write(ctx context.Context, d *paging.Domain, gfn hostarch.GFN, val uint64) error {
	v, err := d.Vcpu(0)
	if err != nil {
		return err
	}
	return v.Write(ctx, hostarch.Addr(gfn.Addr()+8*(val%512)), val, 8)
}

func TestIdleDomainConverges(t *testing.T) {
	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			ctx, d := boot(t, kind, nil)
			for gfn := hostarch.GFN(0); gfn < 256; gfn += 17 {
				if err := write(ctx, d, gfn, uint64(gfn)+1); err != nil {
					t.Fatalf("write(%v) failed: %v", gfn, err)
				}
			}
			sink := NewMemorySink()
			res, err := New(d, sink, config.Default().Migrate).Run(ctx)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if !res.Converged {
				t.Errorf("idle domain did not converge: %+v", res.Rounds)
			}
			var dirty []uint64
			for _, r := range res.Rounds {
				dirty = append(dirty, r.Dirty)
			}
			if diff := cmp.Diff([]uint64{256, 0, 0}, dirty); diff != "" {
				t.Errorf("dirty pages per round mismatch (-want +got):\n%s", diff)
			}
			if res.Sent != 256 || sink.Writes() != 256 {
				t.Errorf("sent %d pages, sink got %d, want 256", res.Sent, sink.Writes())
			}
			if bad := sink.Verify(ctx, d); len(bad) != 0 {
				t.Errorf("pages differ after migration: %v", bad)
			}
			if !d.Paused() || d.Flags().LogDirty() {
				t.Errorf("after migration paused=%t log-dirty=%t, want paused with log-dirty off", d.Paused(), d.Flags().LogDirty())
			}
		})
	}
}

func TestConcurrentWriter(t *testing.T) {
	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			ctx, d := boot(t, kind, func(c *config.Config) {
				c.Domain.Vcpus = 2
			})
			opts := config.Default().Migrate
			opts.MaxRounds = 4
			opts.DirtyThreshold = 0
			opts.InitialInterval = time.Millisecond
			opts.MaxInterval = 2 * time.Millisecond

			sink := NewMemorySink()
			stop := make(chan struct{})
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer close(stop)
				_, err := New(d, sink, opts).Run(gctx)
				return err
			})
			for id := 0; id < 2; id++ {
				v, err := d.Vcpu(id)
				if err != nil {
					t.Fatalf("Vcpu(%d) failed: %v", id, err)
				}
				g.Go(func() error {
					for i := uint64(0); ; i++ {
						select {
						case <-stop:
							return nil
						default:
						}
						gfn := hostarch.GFN(uint64(id)*128 + i%128)
						err := v.Write(ctx, hostarch.Addr(gfn.Addr()), i, 8)
						switch {
						case err == nil:
						case hverr.Equals(hverr.EAGAIN, err):
							// Paused for stop-and-copy.
							time.Sleep(time.Millisecond)
						default:
							return err
						}
					}
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("migration with a running guest failed: %v", err)
			}
			if bad := sink.Verify(ctx, d); len(bad) != 0 {
				t.Errorf("%d pages differ after migration, first %v", len(bad), bad[0])
			}
			if !d.Paused() {
				t.Errorf("domain not paused after migration")
			}
		})
	}
}

func TestAbortOnLostMarks(t *testing.T) {
	ctx, d := boot(t, paging.EngineHAP, func(c *config.Config) {
		c.LogDirty.Nodes = 2
	})
	opts := config.Default().Migrate
	opts.Workers = 1
	m := New(d, &writingSink{MemorySink: NewMemorySink(), d: d}, opts)
	_, err := m.Run(ctx)
	if !hverr.Equals(hverr.ENOMEM, err) {
		t.Fatalf("Run = %v, want ENOMEM", err)
	}
	if d.Paused() || d.Flags().LogDirty() {
		t.Errorf("after abort paused=%t log-dirty=%t, want running with log-dirty off", d.Paused(), d.Flags().LogDirty())
	}
}

// writingSink has the guest write to every page as it is sent. It drives
// vcpu 0, so it needs a single worker.
type writingSink struct {
	*MemorySink
	d *paging.Domain
}

func (s *writingSink) WritePage(ctx context.Context, gfn hostarch.GFN, data []byte) error {
	if err := write(ctx, s.d, gfn, 1); err != nil {
		return err
	}
	return s.MemorySink.WritePage(ctx, gfn, data)
}

func TestCanceled(t *testing.T) {
	ctx, d := boot(t, paging.EngineShadow, nil)
	cctx, cancel := context.WithCancel(ctx)
	opts := config.Default().Migrate
	opts.DirtyThreshold = 0
	opts.InitialInterval = time.Hour
	opts.MaxInterval = time.Hour
	opts.Workers = 1
	sink := &writingSink{MemorySink: NewMemorySink(), d: d}
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := New(d, sink, opts).Run(cctx); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if d.Flags().LogDirty() {
		t.Errorf("log-dirty still on after cancellation")
	}
}
