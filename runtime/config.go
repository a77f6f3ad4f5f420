// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package runtime

import (
	"time"

	"vtrun/lb"
	"vtrun/location"
)

// BalancerKind selects which lb.Balancer a Runtime's lb.Framework runs.
type BalancerKind string

const (
	BalancerGreedy       BalancerKind = "greedy"
	BalancerHierarchical BalancerKind = "hierarchical"
)

// Config collects the recognized options every process needs to agree
// on before Bootstrap runs. Every process must be built from an
// identical Config (it is never negotiated at runtime), matching
// spec.md §6's option table.
type Config struct {
	// NumNodes is the size of the simulated run.
	NumNodes int
	// Fanout is the spanning tree's branching factor (C1).
	Fanout int
	// IdleInterval paces messaging.Core's scheduler idle loop.
	IdleInterval time.Duration
	// NumCollectiveWorkers bounds RunSchedulerNested recursion depth.
	NumCollectiveWorkers int64
	// Tolerance is the lb.Framework imbalance threshold below which a
	// phase boundary skips rebalancing.
	Tolerance float64
	// Balancer selects the lb.Balancer implementation.
	Balancer BalancerKind
	// HierarchicalFanout is the k-ary fanout the Hierarchical balancer
	// partitions its pool by (independent of the spanning tree fanout).
	HierarchicalFanout int
	// RDMAElemSize, if positive, allocates one node-scoped RDMA handle
	// of this many bytes per process.
	RDMAElemSize int
	// RDMANumIndices, if positive, allocates one index-scoped RDMA
	// handle with this many elements, RDMAElemSize bytes each.
	RDMANumIndices int
	// PhaseInterval, if positive, is the pause Cluster.Run takes after
	// each NextPhaseCollective round, whatever Phases is; it is never
	// applied between Bootstrap and the first phase.
	PhaseInterval time.Duration
	// Phases bounds how many NextPhaseCollective rounds Cluster.Run
	// performs; 0 means run until the context is cancelled.
	Phases int
	// EnableMetrics wires a stats.Exporter per process against its own
	// prometheus.Registry.
	EnableMetrics bool
	// EagerThresholdBytes is location.Coordinator's eager/non-eager
	// RouteMsg cutoff (§4.7/§6): payloads smaller than this are pushed
	// to the entity's home directly; payloads at or above it resolve
	// the current owner first and send the payload there once, instead
	// of risking it riding several forwarding hops at full size.
	EagerThresholdBytes int
}

// DefaultConfig returns a Config for a numNodes-process run with the
// same defaults the individual component packages use on their own,
// except Fanout, which is 4 here while topos.DefaultFanout is 2.
func DefaultConfig(numNodes int) Config {
	return Config{
		NumNodes:             numNodes,
		Fanout:               4,
		IdleInterval:         time.Millisecond,
		NumCollectiveWorkers: 8,
		Tolerance:            lb.DefaultTolerance,
		Balancer:             BalancerGreedy,
		HierarchicalFanout:   4,
		RDMAElemSize:         0,
		RDMANumIndices:       0,
		PhaseInterval:        0,
		Phases:               0,
		EnableMetrics:        false,
		EagerThresholdBytes:  location.DefaultEagerThresholdBytes,
	}
}
