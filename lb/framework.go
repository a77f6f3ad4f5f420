// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package lb implements the load-balancing framework (C11): the
// phase-boundary drive shared by every balancer, plus two balancer
// implementations — a centralized Greedy balancer and a k-ary
// Hierarchical balancer.
package lb

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"vtrun/collective"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/stats"
	"vtrun/topos"
	"vtrun/vrt"
)

// entityLoad is the wire shape carried through reductions and the
// final plan broadcast: plain exported fields so jsoniter round-trips it.
type entityLoad struct {
	E      ids.EntityID
	Millis float64
}

// Summary is the cross-process load picture a balancer reasons from.
type Summary struct {
	Avg       time.Duration
	Max       time.Duration
	Sum       time.Duration
	Imbalance float64
}

// Balancer computes, from this process's own peeled-over elements and
// the cross-process Summary, the migrations this process must enact.
// Implementations run their own collective protocol against fw's
// Core/Tree — Balance is called identically, in lockstep, by every
// process for a given round.
type Balancer interface {
	Balance(ctx context.Context, fw *Framework, localLoads map[ids.EntityID]time.Duration, summary Summary) (map[ids.EntityID]ids.NodeID, error)
}

type summaryAcc struct {
	Sum   float64
	Max   float64
	Count int
}

func sumSummary(a, b summaryAcc) summaryAcc {
	m := a.Max
	if b.Max > m {
		m = b.Max
	}
	return summaryAcc{Sum: a.Sum + b.Sum, Max: m, Count: a.Count + b.Count}
}

// Framework drives the 4-step phase-boundary algorithm (spec §4.11):
// reduce per-element loads, compute the global avg/max/sum, hand it to
// the configured Balancer, and enact the resulting migration plan
// through vrt.CollectionManager.
type Framework struct {
	core      *messaging.Core
	tree      *topos.Tree
	stats     *stats.Collector
	collMgr   *vrt.CollectionManager
	balancer  Balancer
	tolerance float64

	round   uint64
	summary *collective.Reducer[summaryAcc]
}

// Tolerance below which Rebalance does no work.
const DefaultTolerance = 0.05

// NewFramework wires a Framework around one process's managers.
func NewFramework(core *messaging.Core, tree *topos.Tree, statsCollector *stats.Collector, collMgr *vrt.CollectionManager, balancer Balancer, tolerance float64) *Framework {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Framework{
		core:      core,
		tree:      tree,
		stats:     statsCollector,
		collMgr:   collMgr,
		balancer:  balancer,
		tolerance: tolerance,
		summary:   collective.NewReducer(core, tree, sumSummary),
	}
}

func (fw *Framework) Core() *messaging.Core                     { return fw.core }
func (fw *Framework) Tree() *topos.Tree                         { return fw.tree }
func (fw *Framework) Self() ids.NodeID                          { return fw.core.Self() }
func (fw *Framework) NumNodes() int                             { return fw.tree.NumNodes() }
func (fw *Framework) Round() uint64                             { return fw.round }
func (fw *Framework) CollectionManager() *vrt.CollectionManager { return fw.collMgr }

// componentScope builds a Scope distinguishing the various reductions
// a round needs (summary, a balancer's own gather, its plan exchange)
// without colliding with each other.
func componentScope(id uint64) ids.Scope { return ids.Scope{Kind: ids.ScopeComponent, ID: id} }

func roundStamp(round uint64) ids.Stamp { return ids.Stamp{Kind: ids.StampSequence, A: round} }

const scopeSummary uint64 = 1

// Rebalance runs one phase-boundary balancing round: steps 1-2 are
// framework-owned (gather local loads, reduce to a cross-process
// Summary); steps 3-4 delegate to Balancer.Balance and then enact its
// plan. Returns the pre-balance imbalance and how many elements were
// migrated (zero if already within tolerance).
func (fw *Framework) Rebalance(ctx context.Context) (imbalance float64, migrated int, err error) {
	fw.round++
	phase := fw.stats.CurrentPhase()

	localLoads := map[ids.EntityID]time.Duration{}
	var total time.Duration
	for _, e := range fw.stats.Elements() {
		d := fw.stats.LoadFor(e, phase)
		localLoads[e] = d
		total += d
	}

	scope := componentScope(scopeSummary)
	stamp := roundStamp(fw.round)
	fw.summary.AllReduce(scope, stamp, epoch.None, summaryAcc{Sum: float64(total), Max: float64(total), Count: 1})
	acc, err := fw.summary.Wait(ctx, scope, stamp)
	fw.summary.Forget(scope, stamp)
	if err != nil {
		return 0, 0, errors.Wrap(err, "lb: summary reduction")
	}
	if acc.Count == 0 {
		return 0, 0, nil
	}
	avg := acc.Sum / float64(acc.Count)
	if avg <= 0 {
		return 0, 0, nil
	}
	imbalance = (acc.Max - avg) / avg
	summary := Summary{
		Avg:       time.Duration(avg),
		Max:       time.Duration(acc.Max),
		Sum:       time.Duration(acc.Sum),
		Imbalance: imbalance,
	}

	if imbalance < fw.tolerance {
		return imbalance, 0, nil
	}

	plan, err := fw.balancer.Balance(ctx, fw, localLoads, summary)
	if err != nil {
		return imbalance, 0, err
	}

	for e, to := range plan {
		if e.Class != ids.ClassCollection {
			continue
		}
		if err := fw.collMgr.MigrateElement(ids.CollectionProxy(e.Proxy), e.Index, to, nil); err != nil {
			return imbalance, migrated, errors.Wrap(err, "lb: enacting migration")
		}
		migrated++
	}
	return imbalance, migrated, nil
}

// threshold computes τ per spec §4.11.1 step 3.
func threshold(summary Summary, minThreshold, maxThreshold float64, auto bool) float64 {
	avg := float64(summary.Avg)
	if auto {
		factor := 1 - summary.Imbalance
		if factor < minThreshold {
			factor = minThreshold
		}
		if factor > maxThreshold {
			factor = maxThreshold
		}
		return factor * avg
	}
	return minThreshold * avg
}

// peelDescending sorts items heaviest-first (ties by id, for stable
// tie-breaks) and peels from the front until the remaining total is at
// or below tau, returning the peeled set.
func peelDescending(items map[ids.EntityID]time.Duration, tau float64) []entityLoad {
	return peel(items, tau, true, false)
}

// peelAscending peels lightest-first.
func peelAscending(items map[ids.EntityID]time.Duration, tau float64) []entityLoad {
	return peel(items, tau, false, false)
}

// peelOne always peels exactly the single heaviest element, if the
// local total exceeds tau at all.
func peelOne(items map[ids.EntityID]time.Duration, tau float64) []entityLoad {
	return peel(items, tau, true, true)
}

func peel(items map[ids.EntityID]time.Duration, tau float64, descending, onlyOne bool) []entityLoad {
	type kv struct {
		e ids.EntityID
		d time.Duration
	}
	sorted := make([]kv, 0, len(items))
	var total time.Duration
	for e, d := range items {
		sorted = append(sorted, kv{e, d})
		total += d
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].d != sorted[j].d {
			if descending {
				return sorted[i].d > sorted[j].d
			}
			return sorted[i].d < sorted[j].d
		}
		return sorted[i].e.String() < sorted[j].e.String()
	})

	var out []entityLoad
	for _, it := range sorted {
		if float64(total) <= tau {
			break
		}
		out = append(out, entityLoad{E: it.e, Millis: float64(it.d.Milliseconds())})
		total -= it.d
		if onlyOne {
			break
		}
	}
	return out
}
