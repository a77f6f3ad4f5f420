// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package runtime assembles one instance of every manager (C1-C12)
// into a single per-process Runtime, and a Cluster that bootstraps a
// numNodes-process simulated run inside one OS process — the "arena
// of singletons" from the design notes, realized as an explicit value
// every caller holds rather than a package-level global, since
// Cluster.Run drives every simulated rank from its own goroutine and a
// literal global could not tell one rank's Runtime from another's.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"vtrun/clog"
	"vtrun/collective"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/lb"
	"vtrun/location"
	"vtrun/messaging"
	"vtrun/phase"
	"vtrun/rdma"
	"vtrun/stats"
	"vtrun/term"
	"vtrun/topos"
	"vtrun/transport"
	"vtrun/vrt"
)

// termHookHandle forwards messaging.Core's Produce/Consume calls to a
// term.Detector constructed after the Core (NewCore needs the hook at
// construction time; term.NewDetector needs the already-built Core),
// breaking the construction-order cycle.
type termHookHandle struct {
	detector *term.Detector
}

func (h *termHookHandle) Produce(e epoch.Epoch) { h.detector.Produce(e) }
func (h *termHookHandle) Consume(e epoch.Epoch) { h.detector.Consume(e) }

// Runtime bundles one process's managers. Every field is built in
// NewCollectionManager/phase/lb's own idiom (constructor plus explicit
// wiring), never through reflection or a service locator.
type Runtime struct {
	cfg  Config
	self ids.NodeID

	core *messaging.Core
	tree *topos.Tree

	epochs *epoch.Manipulator
	term   *term.Detector

	locColl *location.Coordinator
	colls   *vrt.CollectionManager
	groups  *vrt.ObjGroupManager

	statsCollector *stats.Collector
	metrics        *stats.Exporter

	balancer  lb.Balancer
	framework *lb.Framework

	phases *phase.Manager

	rdmaNode    *rdma.Handle
	rdmaIndexed *rdma.IndexedHandle

	mu      sync.Mutex
	lastErr error
}

// newRuntime builds the managers for one process. t is this process's
// transport endpoint; tree is this process's view of the shared
// spanning tree (built once per rank by Bootstrap, since topos.Tree
// construction is pure local arithmetic per spec.md §4.1).
func newRuntime(cfg Config, t transport.Transport, tree *topos.Tree) *Runtime {
	self := t.Rank()
	hook := &termHookHandle{}
	core := messaging.NewCore(
		t,
		clog.New("vtrun[%d] ", self),
		messaging.WithIdleInterval(cfg.IdleInterval),
		messaging.WithMaxNestedSchedulers(cfg.NumCollectiveWorkers),
		messaging.WithTermHook(hook),
	)
	detector := term.NewDetector(core, tree)
	hook.detector = detector

	locColl := location.NewCoordinator(core, ids.ClassCollection, cfg.NumNodes, location.WithEagerThresholdBytes(cfg.EagerThresholdBytes))
	colls := vrt.NewCollectionManager(core, tree, locColl)
	groups := vrt.NewObjGroupManager(core, cfg.NumNodes)

	statsCollector := stats.NewCollector()

	var balancer lb.Balancer
	switch cfg.Balancer {
	case BalancerHierarchical:
		hc := lb.DefaultHierarchicalConfig()
		hc.Fanout = cfg.HierarchicalFanout
		balancer = lb.NewHierarchical(core, tree, hc)
	default:
		balancer = lb.NewGreedy(core, tree, lb.DefaultGreedyConfig())
	}
	framework := lb.NewFramework(core, tree, statsCollector, colls, balancer, cfg.Tolerance)

	phases := phase.NewManager(core, tree)

	rt := &Runtime{
		cfg:            cfg,
		self:           self,
		core:           core,
		tree:           tree,
		epochs:         epoch.NewManipulator(self),
		term:           detector,
		locColl:        locColl,
		colls:          colls,
		groups:         groups,
		statsCollector: statsCollector,
		balancer:       balancer,
		framework:      framework,
		phases:         phases,
	}

	// The end-of-phase load-balancing drive runs as a registered
	// EndPostMigration hook so every process enacts the same round's
	// plan before the next phase's Start hooks see the new ownership.
	if _, err := phases.RegisterHookCollective(phase.HookEndPostMigration, rt.rebalanceHook); err != nil {
		panic(errors.Wrap(err, "runtime: registering rebalance hook"))
	}

	if cfg.EnableMetrics {
		rt.metrics = stats.NewExporter(prometheus.NewRegistry(), statsCollector)
	}

	return rt
}

// rebalanceTimeout bounds how long one phase's rebalance round may
// block draining the scheduler before giving up.
const rebalanceTimeout = 30 * time.Second

func (rt *Runtime) rebalanceHook() {
	ctx, cancel := context.WithTimeout(context.Background(), rebalanceTimeout)
	defer cancel()
	if _, _, err := rt.framework.Rebalance(ctx); err != nil {
		rt.core.Log().Errorf("runtime: rebalance: %v", err)
		rt.mu.Lock()
		rt.lastErr = errors.Wrap(err, "runtime: rebalance")
		rt.mu.Unlock()
	}
}

// Finalize returns the first fatal invariant violation this process
// accumulated over its lifetime (currently: an lb.Framework.Rebalance
// failure at a phase boundary, since that is the one place Runtime
// itself drives a collective operation outside a caller's direct
// control), or nil if none occurred. cmd/vtrun calls this once after
// Cluster.Run returns and maps a non-nil result to a non-zero exit code.
func (rt *Runtime) Finalize() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastErr
}

func (rt *Runtime) Self() ids.NodeID                          { return rt.self }
func (rt *Runtime) Core() *messaging.Core                     { return rt.core }
func (rt *Runtime) Tree() *topos.Tree                         { return rt.tree }
func (rt *Runtime) Epochs() *epoch.Manipulator                { return rt.epochs }
func (rt *Runtime) Term() *term.Detector                      { return rt.term }
func (rt *Runtime) Collections() *vrt.CollectionManager       { return rt.colls }
func (rt *Runtime) ObjGroups() *vrt.ObjGroupManager           { return rt.groups }
func (rt *Runtime) Stats() *stats.Collector                   { return rt.statsCollector }
func (rt *Runtime) LoadBalancer() *lb.Framework               { return rt.framework }
func (rt *Runtime) Phases() *phase.Manager                    { return rt.phases }
func (rt *Runtime) RDMANodeScoped() *rdma.Handle              { return rt.rdmaNode }
func (rt *Runtime) RDMAIndexScoped() *rdma.IndexedHandle      { return rt.rdmaIndexed }
func (rt *Runtime) CollectiveReductionScope(id uint64) *collective.CollectiveScope {
	return collective.NewCollectiveScope(rt.core, rt.tree, id)
}

// Startup runs phase 0's Start hooks. Call once, before the first
// NextPhase, matching phase.Manager's own Startup/NextPhaseCollective split.
func (rt *Runtime) Startup() { rt.phases.Startup() }

// NextPhase advances the shared phase counter by one, running its
// barriers and hooks (including the load-balancing drive registered
// in newRuntime).
func (rt *Runtime) NextPhase(ctx context.Context) error {
	if err := rt.phases.NextPhaseCollective(ctx); err != nil {
		return err
	}
	rt.statsCollector.UpdatePhase(1)
	return nil
}
