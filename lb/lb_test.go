// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package lb

import (
	"context"
	"sync"
	"testing"
	"time"

	"vtrun/clog"
	"vtrun/ids"
	"vtrun/location"
	"vtrun/messaging"
	"vtrun/stats"
	"vtrun/topos"
	"vtrun/transport"
	"vtrun/vrt"
)

type cluster struct {
	cores   []*messaging.Core
	trees   []*topos.Tree
	collMgr []*vrt.CollectionManager
	statc   []*stats.Collector
	proxy   ids.CollectionProxy
}

func buildCluster(t *testing.T, n, fanout int) *cluster {
	t.Helper()
	net := transport.NewNetwork(n)
	c := &cluster{
		cores:   make([]*messaging.Core, n),
		trees:   make([]*topos.Tree, n),
		collMgr: make([]*vrt.CollectionManager, n),
		statc:   make([]*stats.Collector, n),
	}
	for i := 0; i < n; i++ {
		c.cores[i] = messaging.NewCore(net.Rank(ids.NodeID(i)), clog.New(""))
		c.trees[i] = topos.New(ids.NodeID(i), n, fanout)
		coord := location.NewCoordinator(c.cores[i], ids.ClassCollection, n)
		c.collMgr[i] = vrt.NewCollectionManager(c.cores[i], c.trees[i], coord)
		c.statc[i] = stats.NewCollector()
	}

	// BulkInsert is cheap and purely local; run it on every rank first,
	// then Wait concurrently (one goroutine per rank, each exclusively
	// driving its own Core) — the underlying reduction needs every
	// rank's contribution in flight at once, which a sequential
	// per-rank loop can never provide.
	builders := make([]*vrt.CollectiveBuilder, n)
	for i := 0; i < n; i++ {
		builders[i] = c.collMgr[i].MakeCollective().Bounds(uint64(2 * n)).BulkInsert()
	}
	proxies := make([]ids.CollectionProxy, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, b := range builders {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			proxies[i], errs[i] = b.Wait(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d BulkInsert Wait: %v", i, err)
		}
	}
	c.proxy = proxies[0]
	return c
}

func (c *cluster) drain(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, core := range c.cores {
			_, _ = core.RunSchedulerOnce()
		}
	}
}

// recordLoad simulates rank i having spent d on each of its locally
// owned elements during the current phase.
func (c *cluster) recordLoad(t *testing.T, rank int, d time.Duration) {
	t.Helper()
	idxs, err := c.collMgr[rank].LocalIndices(c.proxy)
	if err != nil {
		t.Fatalf("LocalIndices: %v", err)
	}
	for _, idx := range idxs {
		e := ids.CollectionElement(uint64(c.proxy), idx, vrt.DefaultMap(idx, len(c.cores)))
		c.statc[rank].StartTime(e, 0)
		time.Sleep(d)
		c.statc[rank].StopTime(e)
	}
}

func runRebalanceConcurrently(t *testing.T, n int, fws []*Framework) ([]float64, []int, []error) {
	t.Helper()
	imbalances := make([]float64, n)
	migrated := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			imbalances[i], migrated[i], errs[i] = fws[i].Rebalance(ctx)
		}()
	}
	wg.Wait()
	return imbalances, migrated, errs
}

func newBalancedFramework(c *cluster, rank int, b Balancer, tolerance float64) *Framework {
	return NewFramework(c.cores[rank], c.trees[rank], c.statc[rank], c.collMgr[rank], b, tolerance)
}

func TestRebalanceNoopWithinTolerance(t *testing.T) {
	const n = 3
	c := buildCluster(t, n, 2)

	for i := 0; i < n; i++ {
		c.recordLoad(t, i, time.Millisecond)
	}

	fws := make([]*Framework, n)
	for i := 0; i < n; i++ {
		fws[i] = newBalancedFramework(c, i, NewGreedy(c.cores[i], c.trees[i], DefaultGreedyConfig()), 0.9)
	}

	_, migrated, errs := runRebalanceConcurrently(t, n, fws)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Rebalance: %v", i, err)
		}
	}
	for i, m := range migrated {
		if m != 0 {
			t.Fatalf("rank %d migrated %d elements, want 0 (within tolerance)", i, m)
		}
	}
}

func TestGreedyRebalanceMovesOverloadedElements(t *testing.T) {
	const n = 3
	c := buildCluster(t, n, 2)

	// Rank 0 is heavily overloaded; ranks 1 and 2 are light.
	c.recordLoad(t, 0, 20*time.Millisecond)
	c.recordLoad(t, 1, time.Millisecond)
	c.recordLoad(t, 2, time.Millisecond)

	fws := make([]*Framework, n)
	for i := 0; i < n; i++ {
		fws[i] = newBalancedFramework(c, i, NewGreedy(c.cores[i], c.trees[i], DefaultGreedyConfig()), DefaultTolerance)
	}

	imbalances, migrated, errs := runRebalanceConcurrently(t, n, fws)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Rebalance: %v", i, err)
		}
	}
	if imbalances[0] <= DefaultTolerance {
		t.Fatalf("rank 0 reported imbalance %v, want > tolerance %v", imbalances[0], DefaultTolerance)
	}

	total := 0
	for _, m := range migrated {
		total += m
	}
	if total == 0 {
		t.Fatalf("expected at least one migration out of overloaded rank 0")
	}
	if migrated[0] == 0 {
		t.Fatalf("expected overloaded rank 0 to enact at least one outgoing migration")
	}

	c.drain(10)

	idxs0, err := c.collMgr[0].LocalIndices(c.proxy)
	if err != nil {
		t.Fatalf("LocalIndices: %v", err)
	}
	if len(idxs0) >= 2 {
		t.Fatalf("rank 0 still holds %d elements after shedding load, want fewer than its starting 2", len(idxs0))
	}
}

func TestHierarchicalRebalanceMovesOverloadedElements(t *testing.T) {
	const n = 4
	c := buildCluster(t, n, 4)

	c.recordLoad(t, 0, 20*time.Millisecond)
	for i := 1; i < n; i++ {
		c.recordLoad(t, i, time.Millisecond)
	}

	fws := make([]*Framework, n)
	for i := 0; i < n; i++ {
		cfg := DefaultHierarchicalConfig()
		fws[i] = newBalancedFramework(c, i, NewHierarchical(c.cores[i], c.trees[i], cfg), DefaultTolerance)
	}

	imbalances, migrated, errs := runRebalanceConcurrently(t, n, fws)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Rebalance: %v", i, err)
		}
	}
	if imbalances[0] <= DefaultTolerance {
		t.Fatalf("rank 0 reported imbalance %v, want > tolerance %v", imbalances[0], DefaultTolerance)
	}

	total := 0
	for _, m := range migrated {
		total += m
	}
	if total == 0 {
		t.Fatalf("expected at least one migration out of overloaded rank 0")
	}
}

func TestAssignHierarchicalDescendsToLeaves(t *testing.T) {
	const numNodes = 8
	const fanout = 2
	pool := make([]entityLoad, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		pool = append(pool, entityLoad{
			E:      ids.CollectionElement(1, uint64(i), 0),
			Millis: float64(i + 1),
		})
	}

	plan := assignHierarchical(pool, 0, numNodes, fanout)
	if len(plan) != numNodes {
		t.Fatalf("plan has %d entries, want %d (every element assigned)", len(plan), numNodes)
	}
	for e, to := range plan {
		if int(to) < 0 || int(to) >= numNodes {
			t.Fatalf("element %v assigned to out-of-range node %d", e, to)
		}
	}
}

func TestAssignGreedyBalancesAcrossBuckets(t *testing.T) {
	const numNodes = 3
	pool := []entityLoad{
		{E: ids.CollectionElement(1, 0, 0), Millis: 100},
		{E: ids.CollectionElement(1, 1, 0), Millis: 90},
		{E: ids.CollectionElement(1, 2, 0), Millis: 10},
		{E: ids.CollectionElement(1, 3, 0), Millis: 5},
	}
	plan := assignGreedy(pool, numNodes)
	if len(plan) != len(pool) {
		t.Fatalf("plan has %d entries, want %d", len(plan), len(pool))
	}

	load := make([]float64, numNodes)
	for _, it := range pool {
		load[plan[it.E]] += it.Millis
	}
	var max, min float64 = load[0], load[0]
	for _, l := range load {
		if l > max {
			max = l
		}
		if l < min {
			min = l
		}
	}
	if max-min > 100 {
		t.Fatalf("greedy assignment produced load spread %v across buckets %v", max-min, load)
	}
}

func TestThresholdClampsWithinBand(t *testing.T) {
	// Large imbalance drives factor = 1-Imbalance deeply negative,
	// clamping to the min band (the most aggressive peel setting).
	s := Summary{Avg: 100 * time.Millisecond, Imbalance: 5}
	tau := threshold(s, 0.8, 1.2, true)
	if tau != 0.8*float64(s.Avg) {
		t.Fatalf("threshold = %v, want clamped to min band %v", tau, 0.8*float64(s.Avg))
	}

	// factor = 1-0 = 1 falls inside [0.8, 1.2] and passes through unclamped.
	s2 := Summary{Avg: 100 * time.Millisecond, Imbalance: 0}
	tau2 := threshold(s2, 0.8, 1.2, true)
	if tau2 != float64(s2.Avg) {
		t.Fatalf("threshold = %v, want unclamped factor-1 value %v", tau2, float64(s2.Avg))
	}

	// Negative Imbalance drives factor = 1-(-0.5) = 1.5, clamping to the max band.
	s3 := Summary{Avg: 100 * time.Millisecond, Imbalance: -0.5}
	tau3 := threshold(s3, 0.8, 1.2, true)
	if tau3 != 1.2*float64(s3.Avg) {
		t.Fatalf("threshold = %v, want clamped to max band %v", tau3, 1.2*float64(s3.Avg))
	}

	s4 := Summary{Avg: 100 * time.Millisecond}
	tau4 := threshold(s4, 0.5, 0.5, false)
	if tau4 != 0.5*float64(s4.Avg) {
		t.Fatalf("non-auto threshold = %v, want %v", tau4, 0.5*float64(s4.Avg))
	}
}

func TestPeelVariantsRespectOrderingAndTieBreak(t *testing.T) {
	items := map[ids.EntityID]time.Duration{
		ids.CollectionElement(1, 0, 0): 10 * time.Millisecond,
		ids.CollectionElement(1, 1, 0): 10 * time.Millisecond,
		ids.CollectionElement(1, 2, 0): 30 * time.Millisecond,
	}
	desc := peelDescending(items, 10)
	if len(desc) == 0 || desc[0].E != (ids.CollectionElement(1, 2, 0)) {
		t.Fatalf("peelDescending should peel the heaviest element first, got %v", desc)
	}
	// The two 10ms elements tie on load and are ordered by id.
	if len(desc) < 2 || desc[1].E != (ids.CollectionElement(1, 0, 0)) {
		t.Fatalf("peelDescending should break the load tie by id, got %v", desc)
	}

	one := peelOne(items, 10)
	if len(one) != 1 {
		t.Fatalf("peelOne returned %d entries, want exactly 1", len(one))
	}

	asc := peelAscending(items, float64(time.Second))
	if len(asc) != 0 {
		t.Fatalf("peelAscending should peel nothing when total is already <= tau, got %v", asc)
	}
}
