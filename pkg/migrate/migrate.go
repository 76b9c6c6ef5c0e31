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

// Package migrate copies a running domain's memory using log-dirty mode.
//
// The first round sends every RAM page while the guest keeps running.
// Each following round cleans the dirty bitmap and resends what the guest
// wrote since, until a round leaves few enough dirty pages or the round
// budget is spent. The domain is then paused for a last round
// (stop-and-copy) and stays paused.
package migrate

import (
	"context"
	"encoding/binary"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/metric"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

var (
	pagesSent = metric.MustCreateNewUint64Metric("migrate_pages_sent", true, "Pages sent by the migration driver.", metric.NewField("domain"))
	rounds    = metric.MustCreateNewUint64Metric("migrate_rounds", true, "Log-dirty rounds run by the migration driver.", metric.NewField("domain"))
)

// errNotConverged makes backoff.Retry run another round.
var errNotConverged = goerrors.New("dirty set above threshold")

// Sink receives pages. WritePage may be called concurrently.
type Sink interface {
	WritePage(ctx context.Context, gfn hostarch.GFN, data []byte) error
}

// Round describes one pass over the domain.
type Round struct {
	N     int    `yaml:"n"`
	Dirty uint64 `yaml:"dirty"`

	// Faults is the number of log-dirty faults taken during the round.
	Faults uint64        `yaml:"faults"`
	Took   time.Duration `yaml:"took"`
}

// Result is the outcome of a migration.
type Result struct {
	Rounds []Round `yaml:"rounds"`

	// Sent is the number of pages sent, counting resends.
	Sent uint64 `yaml:"sent"`

	// Converged is set if pre-copy stopped below the dirty threshold rather
	// than on the round budget.
	Converged bool `yaml:"converged"`
}

// Migrator drives one migration.
type Migrator struct {
	d     *paging.Domain
	sink  Sink
	opts  config.Migrate
	label string
	log   log.Logger

	mu sync.Mutex
	// +checklocks:mu
	res Result
}

// New returns a migrator that sends d's memory to sink.
func New(d *paging.Domain, sink Sink, opts config.Migrate) *Migrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxRounds < 1 {
		opts.MaxRounds = 1
	}
	return &Migrator{
		d:     d,
		sink:  sink,
		opts:  opts,
		label: fmt.Sprintf("%d", d.ID),
		log:   log.Prefixed(log.Log(), fmt.Sprintf("d%d migrate:", d.ID)),
	}
}

// Run migrates the domain. On success the domain is left paused with
// log-dirty mode off. On failure log-dirty mode is turned off and the domain
// keeps running.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	ctx = locking.EnsureCPU(ctx)
	d := m.d
	if err := d.EnableLogDirty(ctx); err != nil {
		return nil, fmt.Errorf("d%d: starting migration: %w", d.ID, err)
	}
	res, err := m.run(ctx)
	if err != nil {
		if derr := d.DisableLogDirty(ctx); derr != nil {
			m.log.Warningf("disabling log-dirty after a failed migration: %v", derr)
		}
		d.Unpause()
		m.log.Warningf("aborted after %d rounds: %v", len(res.Rounds), err)
		return res, err
	}
	m.log.Infof("done: %d rounds, %d pages sent", len(res.Rounds), res.Sent)
	return res, nil
}

func (m *Migrator) run(ctx context.Context) (*Result, error) {
	d := m.d
	start := time.Now()
	all := d.P2M.MaxMapped() + 1
	var gfns []hostarch.GFN
	for gfn := hostarch.GFN(0); gfn < all; gfn++ {
		gfns = append(gfns, gfn)
	}
	if err := m.send(ctx, gfns); err != nil {
		return m.result(), err
	}
	m.addRound(Round{Dirty: uint64(len(gfns)), Took: time.Since(start)})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialInterval
	b.MaxInterval = m.opts.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxRounds-1)), ctx)

	err := backoff.Retry(func() error {
		n, err := m.round(ctx)
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case n > m.opts.DirtyThreshold:
			return errNotConverged
		default:
			return nil
		}
	}, policy)
	if ctx.Err() != nil {
		return m.result(), ctx.Err()
	}
	switch err {
	case nil:
		m.mu.Lock()
		m.res.Converged = true
		m.mu.Unlock()
	case errNotConverged:
	default:
		return m.result(), err
	}

	d.PauseSync("migrating")
	if _, err := m.round(ctx); err != nil {
		return m.result(), err
	}
	if err := d.DisableLogDirty(ctx); err != nil {
		return m.result(), err
	}
	return m.result(), nil
}

// round cleans the dirty bitmap and sends the pages it names. It returns
// how many there were.
func (m *Migrator) round(ctx context.Context) (uint64, error) {
	d := m.d
	start := time.Now()
	end := uint64(d.P2M.MaxMapped()) + 1
	var (
		gfns   []hostarch.GFN
		faults uint64
	)
	for begin := uint64(0); begin < end; begin += logdirty.MaxReadPages {
		dirty, stats, err := d.ReadDirty(ctx, hostarch.GFN(begin), min(end-begin, logdirty.MaxReadPages), true)
		if err != nil {
			return 0, err
		}
		if stats.FailedAllocs > m.opts.MaxFailedAllocs {
			return 0, fmt.Errorf("d%d: log-dirty lost %d marks: %w", d.ID, stats.FailedAllocs, hverr.ENOMEM)
		}
		faults += stats.FaultCount
		for _, o := range dirty.Ones() {
			gfns = append(gfns, hostarch.GFN(begin+o))
		}
	}
	if err := m.send(ctx, gfns); err != nil {
		return 0, err
	}
	m.addRound(Round{Dirty: uint64(len(gfns)), Faults: faults, Took: time.Since(start)})
	return uint64(len(gfns)), nil
}

// send copies the RAM among gfns to the sink. Other GFNs are skipped: an
// unpopulated PoD page reads as zero wherever it lands.
func (m *Migrator) send(ctx context.Context, gfns []hostarch.GFN) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, gfn := range gfns {
		g.Go(func() error {
			wctx := locking.WithNewCPU(gctx)
			data, ok := m.readPage(wctx, gfn)
			if !ok {
				return nil
			}
			if err := m.sink.WritePage(wctx, gfn, data); err != nil {
				return fmt.Errorf("sending %v: %w", gfn, err)
			}
			pagesSent.Increment(m.label)
			m.mu.Lock()
			m.res.Sent++
			m.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// readPage copies the page at gfn. Entries are loaded one word at a time
// since the guest may be writing them.
func (m *Migrator) readPage(ctx context.Context, gfn hostarch.GFN) ([]byte, bool) {
	mfn, typ := m.d.GfnToMfn(ctx, gfn, p2m.QueryOnly)
	if !typ.IsRAM() {
		return nil, false
	}
	return ReadFrame(m.d, mfn), true
}

// ReadFrame returns a copy of machine frame mfn.
func ReadFrame(d *paging.Domain, mfn hostarch.MFN) []byte {
	mem := d.Machine.Mem
	data := make([]byte, hostarch.PageSize)
	for i := 0; i < hostarch.PageSize/8; i++ {
		binary.LittleEndian.PutUint64(data[i*8:], mem.Load(mfn, i))
	}
	return data
}

func (m *Migrator) addRound(r Round) {
	rounds.Increment(m.label)
	m.mu.Lock()
	defer m.mu.Unlock()
	r.N = len(m.res.Rounds)
	m.res.Rounds = append(m.res.Rounds, r)
	m.log.Debugf("round %d: %d dirty, %d faults, %v", r.N, r.Dirty, r.Faults, r.Took)
}

func (m *Migrator) result() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.res
	res.Rounds = append([]Round(nil), m.res.Rounds...)
	return &res
}
