// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/rdma"
	"vtrun/topos"
	"vtrun/transport"
	"vtrun/vrt"
)

// Cluster owns the simulated transport.Network and one Runtime per
// rank. It is the only place that ever needs every rank's Core at
// once (rdma.AllocNodeScoped/AllocIndexScoped are collective
// allocations over the whole run, mirroring how a real RMA window is
// established across every process before any rank touches it).
type Cluster struct {
	net      *transport.Network
	runtimes []*Runtime
}

// Bootstrap builds a numNodes-process run from cfg. Every process must
// be built from an identical cfg; Bootstrap is the one place that
// plays every rank simultaneously, exactly as cmd/vtrun's single
// symmetric binary would if launched numNodes times under a real
// process-per-rank launcher.
func Bootstrap(cfg Config) (*Cluster, error) {
	if cfg.NumNodes <= 0 {
		return nil, errors.New("runtime: Config.NumNodes must be positive")
	}
	if cfg.Fanout <= 0 {
		return nil, errors.New("runtime: Config.Fanout must be positive")
	}

	net := transport.NewNetwork(cfg.NumNodes)
	runtimes := make([]*Runtime, cfg.NumNodes)
	cores := make([]*messaging.Core, cfg.NumNodes)

	for i := 0; i < cfg.NumNodes; i++ {
		self := ids.NodeID(i)
		tree := topos.New(self, cfg.NumNodes, cfg.Fanout)
		rt := newRuntime(cfg, net.Rank(self), tree)
		runtimes[i] = rt
		cores[i] = rt.core
	}

	if cfg.RDMAElemSize > 0 {
		handles := rdma.AllocNodeScoped(net, cfg.RDMAElemSize)
		for i, h := range handles {
			runtimes[i].rdmaNode = h
		}
	}
	if cfg.RDMANumIndices > 0 {
		if cfg.RDMAElemSize <= 0 {
			return nil, errors.New("runtime: Config.RDMANumIndices requires a positive RDMAElemSize")
		}
		handles := rdma.AllocIndexScoped(net, cores, cfg.RDMANumIndices, cfg.RDMAElemSize, vrt.DefaultMap)
		for i, h := range handles {
			runtimes[i].rdmaIndexed = h
		}
	}

	return &Cluster{net: net, runtimes: runtimes}, nil
}

// NumNodes returns the number of simulated ranks.
func (c *Cluster) NumNodes() int { return len(c.runtimes) }

// Runtime returns the Runtime for the given rank.
func (c *Cluster) Runtime(rank int) *Runtime { return c.runtimes[rank] }

// Run starts every rank's Runtime, one goroutine per rank each
// exclusively driving its own Core (never shared across goroutines),
// and advances the shared phase counter until either phases rounds
// have completed (0 means run until ctx is cancelled) or ctx is done.
// It returns the first per-rank error encountered, if any.
func (c *Cluster) Run(ctx context.Context, phases int) error {
	for _, rt := range c.runtimes {
		rt.Startup()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(c.runtimes))
	for i, rt := range c.runtimes {
		i, rt := i, rt
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = runRank(ctx, rt, phases)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runRank(ctx context.Context, rt *Runtime, phases int) error {
	for round := 0; phases <= 0 || round < phases; round++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := rt.NextPhase(ctx); err != nil {
			return errors.Wrapf(err, "runtime: rank %d phase %d", rt.Self(), round)
		}
		if rt.cfg.PhaseInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(rt.cfg.PhaseInterval):
			}
		}
	}
	return nil
}
