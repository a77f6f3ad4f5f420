// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package rdma implements the RDMA-handle manager (C9): node-scoped
// and index-scoped one-sided memory handles built over
// transport.Window, and the post-load-balance rebuild protocol that
// re-homes an index-scoped handle's ownership bookkeeping after
// lb.Framework moves elements between processes.
package rdma

import (
	"github.com/google/uuid"

	"vtrun/ids"
	"vtrun/transport"
)

// Token uniquely identifies one collectively-allocated handle.
type Token string

// newToken mints a fresh handle token. Handle allocation is collective
// (every process must call the allocating constructor together), so a
// random token minted once and shared by every rank's Handle value —
// not derived per-process — identifies the handle consistently.
func newToken() Token { return Token(uuid.NewString()) }

// Handle is a node-scoped RDMA handle: exactly one block per process,
// addressed by ids.NodeID, mirroring spec.md's "data indexed by home
// node" handle kind.
type Handle struct {
	token    Token
	self     ids.NodeID
	numNodes int
	elemSize int
	window   transport.Window
}

// AllocNodeScoped collectively allocates a node-scoped handle of
// elemSize bytes per process over net, returning each rank's local
// Handle view.
func AllocNodeScoped(net *transport.Network, elemSize int) []*Handle {
	numNodes := net.Size()
	sizes := make([]int, numNodes)
	for i := range sizes {
		sizes[i] = elemSize
	}
	windows := net.AllocWindow(sizes)
	token := newToken()
	out := make([]*Handle, numNodes)
	for i, w := range windows {
		out[i] = &Handle{token: token, self: ids.NodeID(i), numNodes: numNodes, elemSize: elemSize, window: w}
	}
	return out
}

func (h *Handle) Token() Token      { return h.token }
func (h *Handle) Self() ids.NodeID  { return h.self }
func (h *Handle) ElemSize() int     { return h.elemSize }
func (h *Handle) NumNodes() int     { return h.numNodes }

func (h *Handle) Get(rank ids.NodeID, buf []byte) error { return h.window.Get(rank, 0, h.elemSize, buf) }
func (h *Handle) Put(rank ids.NodeID, buf []byte) error { return h.window.Put(rank, 0, buf) }
func (h *Handle) Accum(rank ids.NodeID, buf []byte, combine func(old, add []byte) []byte) error {
	return h.window.Accum(rank, 0, buf, combine)
}

func (h *Handle) RGet(rank ids.NodeID, buf []byte) transport.Request {
	return h.window.RGet(rank, 0, h.elemSize, buf)
}
func (h *Handle) RPut(rank ids.NodeID, buf []byte) transport.Request {
	return h.window.RPut(rank, 0, buf)
}
func (h *Handle) RAccum(rank ids.NodeID, buf []byte, combine func(old, add []byte) []byte) transport.Request {
	return h.window.RAccum(rank, 0, buf, combine)
}

func (h *Handle) Lock(rank ids.NodeID, level transport.LockLevel) error { return h.window.Lock(rank, level) }
func (h *Handle) Unlock(rank ids.NodeID) error                         { return h.window.Unlock(rank) }
func (h *Handle) Fence(assert transport.AssertFlag) error              { return h.window.Fence(assert) }
