// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"testing"
	"time"

	"vtrun/ids"
	"vtrun/vrt"
)

func TestBootstrapRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig(4)
	cfg.NumNodes = 0
	if _, err := Bootstrap(cfg); err == nil {
		t.Fatalf("Bootstrap with NumNodes=0 should have failed")
	}

	cfg = DefaultConfig(4)
	cfg.Fanout = 0
	if _, err := Bootstrap(cfg); err == nil {
		t.Fatalf("Bootstrap with Fanout=0 should have failed")
	}

	cfg = DefaultConfig(4)
	cfg.RDMANumIndices = 8
	cfg.RDMAElemSize = 0
	if _, err := Bootstrap(cfg); err == nil {
		t.Fatalf("Bootstrap with RDMANumIndices set but RDMAElemSize=0 should have failed")
	}
}

func TestBootstrapBuildsOneRuntimePerRank(t *testing.T) {
	const n = 4
	cfg := DefaultConfig(n)
	c, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if c.NumNodes() != n {
		t.Fatalf("NumNodes = %d, want %d", c.NumNodes(), n)
	}
	for i := 0; i < n; i++ {
		rt := c.Runtime(i)
		if rt.Self() != ids.NodeID(i) {
			t.Fatalf("rank %d Runtime.Self() = %v, want %v", i, rt.Self(), ids.NodeID(i))
		}
		if rt.Core() == nil || rt.Tree() == nil || rt.Epochs() == nil || rt.Term() == nil {
			t.Fatalf("rank %d has a nil core manager", i)
		}
		if rt.Collections() == nil || rt.ObjGroups() == nil || rt.Stats() == nil {
			t.Fatalf("rank %d has a nil domain manager", i)
		}
		if rt.LoadBalancer() == nil || rt.Phases() == nil {
			t.Fatalf("rank %d has a nil lb/phase manager", i)
		}
		if rt.RDMANodeScoped() != nil || rt.RDMAIndexScoped() != nil {
			t.Fatalf("rank %d got RDMA handles despite Config leaving both sizes at 0", i)
		}
	}
}

func TestBootstrapAllocatesRDMAHandlesWhenConfigured(t *testing.T) {
	const n = 3
	cfg := DefaultConfig(n)
	cfg.RDMAElemSize = 8
	cfg.RDMANumIndices = 6

	c, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for i := 0; i < n; i++ {
		rt := c.Runtime(i)
		if rt.RDMANodeScoped() == nil {
			t.Fatalf("rank %d missing node-scoped RDMA handle", i)
		}
		if rt.RDMAIndexScoped() == nil {
			t.Fatalf("rank %d missing index-scoped RDMA handle", i)
		}
	}

	// Every rank's node-scoped handle must carry the same token (they
	// are one collective allocation's per-rank views).
	want := c.Runtime(0).RDMANodeScoped().Token()
	for i := 1; i < n; i++ {
		if got := c.Runtime(i).RDMANodeScoped().Token(); got != want {
			t.Fatalf("rank %d node-scoped token = %v, want %v", i, got, want)
		}
	}
}

func TestClusterRunAdvancesPhasesOnEveryRank(t *testing.T) {
	const n = 3
	cfg := DefaultConfig(n)
	cfg.IdleInterval = time.Millisecond

	c, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 0; i < n; i++ {
		if got := c.Runtime(i).Phases().CurrentPhase(); got != 3 {
			t.Fatalf("rank %d phase = %d, want 3", i, got)
		}
	}
}

func TestFinalizeIsNilAfterAnUneventfulRun(t *testing.T) {
	const n = 2
	cfg := DefaultConfig(n)
	cfg.IdleInterval = time.Millisecond

	c, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := c.Runtime(i).Finalize(); err != nil {
			t.Fatalf("rank %d Finalize: %v, want nil", i, err)
		}
	}
}

func TestClusterRunDrivesLoadBalanceHookOnPhaseAdvance(t *testing.T) {
	const n = 3
	cfg := DefaultConfig(n)
	cfg.IdleInterval = time.Millisecond

	c, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Seed a collective collection and a lopsided load on rank 0 before
	// the first phase boundary, so the rebalance hook registered at
	// construction time has something to act on.
	const bounds = 6
	builders := make([]*vrt.CollectiveBuilder, n)
	for i := 0; i < n; i++ {
		builders[i] = c.Runtime(i).Collections().MakeCollective().Bounds(bounds).BulkInsert()
	}
	proxies := make([]ids.CollectionProxy, n)
	done := make(chan struct{}, n)
	for i, b := range builders {
		i, b := i, b
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			p, err := b.Wait(ctx)
			if err != nil {
				t.Errorf("rank %d collective Wait: %v", i, err)
			}
			proxies[i] = p
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	idxs0, err := c.Runtime(0).Collections().LocalIndices(proxies[0])
	if err != nil {
		t.Fatalf("LocalIndices: %v", err)
	}
	for _, idx := range idxs0 {
		e := ids.CollectionElement(uint64(proxies[0]), idx, vrt.DefaultMap(idx, n))
		c.Runtime(0).Stats().StartTime(e, 0)
		time.Sleep(20 * time.Millisecond)
		c.Runtime(0).Stats().StopTime(e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	idxsAfter, err := c.Runtime(0).Collections().LocalIndices(proxies[0])
	if err != nil {
		t.Fatalf("LocalIndices after phase: %v", err)
	}
	if len(idxsAfter) >= len(idxs0) {
		t.Fatalf("rank 0 still holds %d elements after an overloaded phase boundary, want fewer than its starting %d", len(idxsAfter), len(idxs0))
	}
}
