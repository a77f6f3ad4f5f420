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

// PeelStrategy selects which elements a process contributes to its
// local load_over set before the hierarchical gather.
type PeelStrategy int

const (
	// LoadOverGreaterThan peels the heaviest elements first (the same
	// default strategy Greedy uses).
	LoadOverGreaterThan PeelStrategy = iota
	// LoadOverLessThan peels the lightest elements first.
	LoadOverLessThan
	// LoadOverOneEach peels at most a single, heaviest element.
	LoadOverOneEach
)

// HierarchicalConfig configures the k-ary balancer (spec §4.11.2).
type HierarchicalConfig struct {
	Fanout        int
	MinThreshold  float64
	MaxThreshold  float64
	AutoThreshold bool
	Peel          PeelStrategy
}

// DefaultHierarchicalConfig mirrors Greedy's tolerances with the
// k-ary fan-out spec §4.11.2 names as typical.
func DefaultHierarchicalConfig() HierarchicalConfig {
	return HierarchicalConfig{Fanout: 4, MinThreshold: 0.8, MaxThreshold: 1.2, AutoThreshold: true, Peel: LoadOverGreaterThan}
}

// Hierarchical gathers every process's load_over set to the root over
// a dedicated k-ary tree and then, purely locally, recurses down that
// same tree shape — re-derived on demand via topos.New for any node,
// never re-messaged — assigning pooled elements to child subtrees with
// the same dual-heap greedy assignment Greedy uses at the top level,
// until it bottoms out at individual processes.
type Hierarchical struct {
	cfg    HierarchicalConfig
	core   *messaging.Core
	tree   *topos.Tree
	gather *collective.Reducer[[]entityLoad]
	px     *planExchange
}

const scopeHierGather uint64 = 3

// NewHierarchical builds a Hierarchical balancer. tree must be rooted
// the same way as fw's own tree (node 0 is the balancing root) but may
// use a different fan-out for the gather/redistribution shape.
func NewHierarchical(core *messaging.Core, tree *topos.Tree, cfg HierarchicalConfig) *Hierarchical {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 4
	}
	h := &Hierarchical{
		cfg:  cfg,
		core: core,
		tree: tree,
		px:   newPlanExchange(core),
	}
	h.gather = collective.NewReducer(core, tree, concatLoads)
	return h
}

func (h *Hierarchical) peel(localLoads map[ids.EntityID]time.Duration, tau float64) []entityLoad {
	switch h.cfg.Peel {
	case LoadOverLessThan:
		return peelAscending(localLoads, tau)
	case LoadOverOneEach:
		return peelOne(localLoads, tau)
	default:
		return peelDescending(localLoads, tau)
	}
}

// Balance implements spec §4.11.2: gather load_over to the root exactly
// as Greedy does, then have the root recursively partition the pool
// down the k-ary tree it can reconstruct for any node without further
// messaging, before scattering the final plan back out.
func (h *Hierarchical) Balance(ctx context.Context, fw *Framework, localLoads map[ids.EntityID]time.Duration, summary Summary) (map[ids.EntityID]ids.NodeID, error) {
	tau := threshold(summary, h.cfg.MinThreshold, h.cfg.MaxThreshold, h.cfg.AutoThreshold)
	loadOver := h.peel(localLoads, tau)

	scope := componentScope(scopeHierGather)
	stamp := roundStamp(fw.Round())
	h.gather.ReduceTo(scope, stamp, epoch.None, loadOver)

	plan := map[ids.EntityID]ids.NodeID{}
	if h.tree.IsRoot() {
		all, err := h.gather.Wait(ctx, scope, stamp)
		if err != nil {
			return nil, errors.Wrap(err, "lb: hierarchical gather")
		}
		h.gather.Forget(scope, stamp)
		plan = assignHierarchical(all, 0, h.tree.NumNodes(), h.cfg.Fanout)
	}

	final, err := h.px.broadcastAndAwait(ctx, h.tree.IsRoot(), plan)
	if err != nil {
		return nil, errors.Wrap(err, "lb: hierarchical scatter")
	}
	mine := map[ids.EntityID]ids.NodeID{}
	for e, to := range final {
		if _, owned := localLoads[e]; owned {
			mine[e] = to
		}
	}
	return mine, nil
}

// assignHierarchical recursively buckets pool by the children of node
// within the (numNodes, fanout) tree, descending until a node has no
// children, at which point every remaining item is assigned to it.
func assignHierarchical(pool []entityLoad, node, numNodes, fanout int) map[ids.EntityID]ids.NodeID {
	view := topos.New(ids.NodeID(node), numNodes, fanout)
	children := view.Children()

	plan := map[ids.EntityID]ids.NodeID{}
	if len(children) == 0 {
		for _, it := range pool {
			plan[it.E] = ids.NodeID(node)
		}
		return plan
	}

	buckets := make([]*bucket, len(children))
	for i, c := range children {
		buckets[i] = &bucket{node: int(c)}
	}
	assignByHeap(pool, buckets)

	for _, b := range buckets {
		sub := assignHierarchical(b.items, b.node, numNodes, fanout)
		for e, to := range sub {
			plan[e] = to
		}
	}
	return plan
}
