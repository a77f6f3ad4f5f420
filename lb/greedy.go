// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package lb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"vtrun/collective"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/topos"
)

// GreedyConfig configures the centralized balancer (spec §4.11.1).
type GreedyConfig struct {
	MinThreshold  float64
	MaxThreshold  float64
	AutoThreshold bool
}

// DefaultGreedyConfig matches the tolerances used across the pack's
// threshold-based balancing examples: a band of [0.8, 1.2] around the
// average, auto-adjusted by the measured imbalance.
func DefaultGreedyConfig() GreedyConfig {
	return GreedyConfig{MinThreshold: 0.8, MaxThreshold: 1.2, AutoThreshold: true}
}

// Greedy is the centralized balancer: every process peels its own
// overloaded elements, reduces them to the root, which runs a dual
// max-heap/min-heap assignment and broadcasts the result back out —
// every process keeps only the entries relevant to its own elements.
type Greedy struct {
	cfg    GreedyConfig
	core   *messaging.Core
	tree   *topos.Tree
	gather *collective.Reducer[[]entityLoad]
	px     *planExchange
}

func concatLoads(a, b []entityLoad) []entityLoad {
	out := make([]entityLoad, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// NewGreedy builds a Greedy balancer driven over core/tree.
func NewGreedy(core *messaging.Core, tree *topos.Tree, cfg GreedyConfig) *Greedy {
	return &Greedy{
		cfg:    cfg,
		core:   core,
		tree:   tree,
		gather: collective.NewReducer(core, tree, concatLoads),
		px:     newPlanExchange(core),
	}
}

const scopeGreedyGather uint64 = 2

// Balance implements spec §4.11.1 steps 1-8.
func (g *Greedy) Balance(ctx context.Context, fw *Framework, localLoads map[ids.EntityID]time.Duration, summary Summary) (map[ids.EntityID]ids.NodeID, error) {
	tau := threshold(summary, g.cfg.MinThreshold, g.cfg.MaxThreshold, g.cfg.AutoThreshold)
	loadOver := peelDescending(localLoads, tau)

	scope := componentScope(scopeGreedyGather)
	stamp := roundStamp(fw.Round())
	g.gather.ReduceTo(scope, stamp, epoch.None, loadOver)

	plan := map[ids.EntityID]ids.NodeID{}
	if g.tree.IsRoot() {
		all, err := g.gather.Wait(ctx, scope, stamp)
		if err != nil {
			return nil, errors.Wrap(err, "lb: greedy gather")
		}
		g.gather.Forget(scope, stamp)
		plan = assignGreedy(all, g.tree.NumNodes())
	}

	final, err := g.px.broadcastAndAwait(ctx, g.tree.IsRoot(), plan)
	if err != nil {
		return nil, errors.Wrap(err, "lb: greedy scatter")
	}
	mine := map[ids.EntityID]ids.NodeID{}
	for e, to := range final {
		if _, owned := localLoads[e]; owned {
			mine[e] = to
		}
	}
	return mine, nil
}

// assignGreedy implements the root-only dual-heap assignment (step 6).
func assignGreedy(pool []entityLoad, numNodes int) map[ids.EntityID]ids.NodeID {
	buckets := make([]*bucket, numNodes)
	for i := 0; i < numNodes; i++ {
		buckets[i] = &bucket{node: i}
	}
	assignByHeap(pool, buckets)

	plan := map[ids.EntityID]ids.NodeID{}
	for _, b := range buckets {
		for _, it := range b.items {
			plan[it.E] = ids.NodeID(b.node)
		}
	}
	return plan
}
