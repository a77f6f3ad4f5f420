// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package rdma

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"vtrun/collective"
	"vtrun/ids"
	"vtrun/location"
	"vtrun/messaging"
	"vtrun/transport"
)

// indexOwners is the shared, synchronously-readable ownership table
// that Get/Put/Accum consult to route directly to an index's current
// owner's block of the window, one entry per index.
// location.Coordinator's directory
// resolves ownership the same way a real distributed process would —
// asynchronously, by messaging the home node — which Get/Put cannot
// afford to block on for every call; since every simulated rank
// already lives in one OS process, this table gives them a
// synchronous fast path instead, kept in lockstep with the directory
// by AllocIndexScoped's initial registration and RebuildAfterLB's
// migration.
type indexOwners struct {
	mu    sync.RWMutex
	owner []ids.NodeID
}

func (o *indexOwners) get(idx uint64) ids.NodeID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner[idx]
}

func (o *indexOwners) set(idx uint64, n ids.NodeID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owner[idx] = n
}

// IndexedHandle is an index-scoped RDMA handle: its numIndices
// elements are addressed by collection index rather than by process
// rank, and ownership of each index — which process's local memory
// currently backs it — may be reassigned by lb.Framework between
// phases. Each real rank's share of the collectively-allocated window
// holds every index's slot, so an index's bytes genuinely live on
// whichever rank currently owns it rather than in one index-global
// slot every rank can reach identically.
type IndexedHandle struct {
	token      Token
	self       ids.NodeID
	numNodes   int
	numIndices int
	elemSize   int
	proxy      uint64
	window     transport.Window
	owners     *indexOwners
	coord      *location.Coordinator
}

// AllocIndexScoped collectively allocates an index-scoped handle of
// numIndices elements, elemSize bytes each, over net, with each
// index's initial owner given by initialOwner. One location
// Coordinator is built per rank (over cores[i]) to track ownership.
func AllocIndexScoped(net *transport.Network, cores []*messaging.Core, numIndices, elemSize int, initialOwner func(index uint64, numNodes int) ids.NodeID) []*IndexedHandle {
	numNodes := net.Size()
	sizes := make([]int, numNodes)
	for i := range sizes {
		sizes[i] = numIndices * elemSize
	}
	// One window per real rank, each big enough to hold every index
	// it might ever own: RGet/RPut during RebuildAfterLB move an
	// index's bytes from its old owner's block to its new owner's
	// block the way a real one-sided RMA transport would reach across
	// the network to do it.
	windows := net.AllocWindow(sizes)
	token := newToken()

	owners := &indexOwners{owner: make([]ids.NodeID, numIndices)}
	for idx := uint64(0); idx < uint64(numIndices); idx++ {
		owners.owner[idx] = initialOwner(idx, numNodes)
	}

	out := make([]*IndexedHandle, numNodes)
	for i := 0; i < numNodes; i++ {
		h := &IndexedHandle{
			token:      token,
			self:       ids.NodeID(i),
			numNodes:   numNodes,
			numIndices: numIndices,
			elemSize:   elemSize,
			window:     windows[i],
			owners:     owners,
			coord:      location.NewCoordinator(cores[i], ids.ClassRDMAIndexed, numNodes),
		}
		for idx := uint64(0); idx < uint64(numIndices); idx++ {
			if initialOwner(idx, numNodes) == h.self {
				_ = h.coord.RegisterEntity(h.entity(idx))
			}
		}
		out[i] = h
	}
	return out
}

func (h *IndexedHandle) entity(index uint64) ids.EntityID {
	return ids.RDMAIndexed(h.proxy, index, 0, 0)
}

func (h *IndexedHandle) Token() Token { return h.token }

func (h *IndexedHandle) offset(index uint64) int { return int(index) * h.elemSize }

// GetOwner resolves which process currently owns index.
func (h *IndexedHandle) GetOwner(ctx context.Context, index uint64) (ids.NodeID, error) {
	return h.coord.GetLocation(ctx, h.entity(index))
}

func (h *IndexedHandle) Get(index uint64, buf []byte) error {
	return h.window.Get(h.owners.get(index), h.offset(index), h.elemSize, buf)
}
func (h *IndexedHandle) Put(index uint64, buf []byte) error {
	return h.window.Put(h.owners.get(index), h.offset(index), buf)
}
func (h *IndexedHandle) Accum(index uint64, buf []byte, combine func(old, add []byte) []byte) error {
	return h.window.Accum(h.owners.get(index), h.offset(index), buf, combine)
}

// Move describes one index changing ownership: From must be the
// index's owner immediately before the rebuild, To its owner after.
type Move struct {
	From ids.NodeID
	To   ids.NodeID
}

// RebuildAfterLB applies a load-balancer migration plan (index ->
// Move) to this handle's ownership directory and backing memory. It
// follows six steps: (1) classify this process's affected indices
// into losing and gaining by comparing From/To against self, (2) push
// a directory update for every losing index so lookups stop resolving
// here, (3) fetch every gaining index's current value from its old
// owner's block in parallel (golang.org/x/sync/errgroup-bounded
// fan-out — a real RMA transport would pull the bytes across the
// network here), (4) rput each fetched value into this process's own
// block at the index's position, (5) claim ownership of every gaining
// index in the directory and the local owners table, (6) a tree
// barrier so no process observes the new ownership before every
// process has finished applying its share of it, leaving normal
// Get/Put/GetOwner traffic free to resume once it releases.
func (h *IndexedHandle) RebuildAfterLB(ctx context.Context, barrier *collective.Barrier, plan map[uint64]Move) error {
	var losing, gaining []uint64
	for idx, mv := range plan {
		switch h.self {
		case mv.To:
			gaining = append(gaining, idx)
		case mv.From:
			losing = append(losing, idx)
		}
	}

	for _, idx := range losing {
		if err := h.coord.EntityMigrated(h.entity(idx), plan[idx].To); err != nil {
			return errors.Wrap(err, "rdma: directory update for migrated index")
		}
	}

	g, _ := errgroup.WithContext(ctx)
	bufs := make([][]byte, len(gaining))
	for i, idx := range gaining {
		i, idx := i, idx
		bufs[i] = make([]byte, h.elemSize)
		g.Go(func() error {
			return h.window.RGet(plan[idx].From, h.offset(idx), h.elemSize, bufs[i]).Wait()
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "rdma: parallel rebuild fetch")
	}

	g, _ = errgroup.WithContext(ctx)
	for i, idx := range gaining {
		i, idx := i, idx
		g.Go(func() error {
			return h.window.RPut(h.self, h.offset(idx), bufs[i]).Wait()
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "rdma: parallel rebuild store")
	}

	for _, idx := range gaining {
		if err := h.coord.RegisterEntityMigrated(h.entity(idx), plan[idx].From); err != nil {
			return errors.Wrap(err, "rdma: directory claim for rebuilt index")
		}
		h.owners.set(idx, h.self)
	}

	return barrier.Wait(ctx)
}
