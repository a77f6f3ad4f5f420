// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"vtrun/ids"
)

// Network is an in-process simulated interconnect: every rank is a
// goroutine-local view (*Local) sharing one Network. Used by every
// test in this module and by cmd/vtrun's single-process mode; never
// intended to carry real cross-process traffic.
type Network struct {
	inboxes []chan Arrival

	barrierMu    sync.Mutex
	barrierCount int
	barrierCh    chan struct{}
}

// NewNetwork builds a Network for size simulated ranks.
func NewNetwork(size int) *Network {
	n := &Network{
		inboxes:   make([]chan Arrival, size),
		barrierCh: make(chan struct{}),
	}
	for i := range n.inboxes {
		n.inboxes[i] = make(chan Arrival, 4096)
	}
	return n
}

// Size returns the simulated process count.
func (n *Network) Size() int { return len(n.inboxes) }

// Rank returns the Transport view for the given simulated rank.
func (n *Network) Rank(r ids.NodeID) *Local { return &Local{net: n, rank: r} }

// systemSync implements a reusable sense-reversing barrier: the last
// arriving caller releases every waiter by closing and replacing the
// shared channel.
func (n *Network) systemSync() {
	n.barrierMu.Lock()
	n.barrierCount++
	if n.barrierCount == len(n.inboxes) {
		n.barrierCount = 0
		ch := n.barrierCh
		n.barrierCh = make(chan struct{})
		n.barrierMu.Unlock()
		close(ch)
		return
	}
	ch := n.barrierCh
	n.barrierMu.Unlock()
	<-ch
}

// Local is one simulated rank's Transport view of a Network.
type Local struct {
	net  *Network
	rank ids.NodeID
}

var errTransientFull = errors.New("transport/local: inbox transiently full")

func (t *Local) Rank() ids.NodeID { return t.rank }
func (t *Local) Size() int        { return t.net.Size() }

// Send copies buf (callers may reuse their buffer immediately after
// Send returns) and enqueues it on dest's inbox, retrying with backoff
// if the bounded inbox is momentarily full.
func (t *Local) Send(dest ids.NodeID, buf []byte) error {
	if int(dest) < 0 || int(dest) >= t.Size() {
		return errors.Errorf("transport/local: send to out-of-range rank %d", dest)
	}
	cp := append([]byte(nil), buf...)
	arrival := Arrival{Source: t.rank, Buf: cp}

	select {
	case t.net.inboxes[dest] <- arrival:
		return nil
	default:
	}
	return backoff.Retry(func() error {
		select {
		case t.net.inboxes[dest] <- arrival:
			return nil
		default:
			return errTransientFull
		}
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
}

// Probe drains every buffer that has arrived on this rank's inbox
// without blocking.
func (t *Local) Probe() ([]Arrival, error) {
	var out []Arrival
	for {
		select {
		case a := <-t.net.inboxes[t.rank]:
			out = append(out, a)
		default:
			return out, nil
		}
	}
}

func (t *Local) SystemSync() { t.net.systemSync() }

// AllocWindow builds the shared window core directly: since every
// simulated rank lives in the same process, the window is collectively
// ready as soon as the caller supplies every rank's local size, rather
// than negotiating readiness across an async handshake the way a real
// RMA provider would.
func (n *Network) AllocWindow(localSizes []int) []*LocalWindow {
	core := &windowCore{
		blocks: make([][]byte, len(localSizes)),
		mus:    make([]sync.RWMutex, len(localSizes)),
	}
	for i, sz := range localSizes {
		core.blocks[i] = make([]byte, sz)
	}
	out := make([]*LocalWindow, len(localSizes))
	for i := range localSizes {
		out[i] = &LocalWindow{
			core: core,
			self: ids.NodeID(i),
			held: map[ids.NodeID]LockLevel{},
		}
	}
	return out
}

type windowCore struct {
	blocks [][]byte
	mus    []sync.RWMutex
}

// LocalWindow is the Window view held by one simulated rank over a
// shared windowCore.
type LocalWindow struct {
	core *windowCore
	self ids.NodeID
	held map[ids.NodeID]LockLevel
}

func (w *LocalWindow) Rank() ids.NodeID { return w.self }
func (w *LocalWindow) Size() int        { return len(w.core.blocks) }

func (w *LocalWindow) bounds(rank ids.NodeID, offset, length int) ([]byte, error) {
	if int(rank) < 0 || int(rank) >= len(w.core.blocks) {
		return nil, errors.Errorf("transport/local: window target %d out of range", rank)
	}
	blk := w.core.blocks[rank]
	if offset < 0 || length < 0 || offset+length > len(blk) {
		return nil, errors.Errorf("transport/local: window access [%d,%d) out of range for block of size %d", offset, offset+length, len(blk))
	}
	return blk, nil
}

func (w *LocalWindow) Get(rank ids.NodeID, offset, length int, buf []byte) error {
	w.core.mus[rank].RLock()
	defer w.core.mus[rank].RUnlock()
	blk, err := w.bounds(rank, offset, length)
	if err != nil {
		return err
	}
	copy(buf, blk[offset:offset+length])
	return nil
}

func (w *LocalWindow) Put(rank ids.NodeID, offset int, buf []byte) error {
	w.core.mus[rank].Lock()
	defer w.core.mus[rank].Unlock()
	blk, err := w.bounds(rank, offset, len(buf))
	if err != nil {
		return err
	}
	copy(blk[offset:offset+len(buf)], buf)
	return nil
}

func (w *LocalWindow) Accum(rank ids.NodeID, offset int, buf []byte, combine func(old, add []byte) []byte) error {
	w.core.mus[rank].Lock()
	defer w.core.mus[rank].Unlock()
	blk, err := w.bounds(rank, offset, len(buf))
	if err != nil {
		return err
	}
	old := append([]byte(nil), blk[offset:offset+len(buf)]...)
	res := combine(old, buf)
	copy(blk[offset:offset+len(buf)], res)
	return nil
}

// doneRequest is an already-completed Request: the local simulated
// transport has no real async RMA engine to overlap with, so r-prefixed
// operations just run synchronously and wrap the result.
type doneRequest struct{ err error }

func (r doneRequest) Wait() error { return r.err }
func (r doneRequest) Done() bool  { return true }

func (w *LocalWindow) RGet(rank ids.NodeID, offset, length int, buf []byte) Request {
	return doneRequest{w.Get(rank, offset, length, buf)}
}
func (w *LocalWindow) RPut(rank ids.NodeID, offset int, buf []byte) Request {
	return doneRequest{w.Put(rank, offset, buf)}
}
func (w *LocalWindow) RAccum(rank ids.NodeID, offset int, buf []byte, combine func(old, add []byte) []byte) Request {
	return doneRequest{w.Accum(rank, offset, buf, combine)}
}

func (w *LocalWindow) Lock(rank ids.NodeID, level LockLevel) error {
	if int(rank) < 0 || int(rank) >= len(w.core.blocks) {
		return errors.Errorf("transport/local: lock target %d out of range", rank)
	}
	switch level {
	case LockShared:
		w.core.mus[rank].RLock()
	case LockExclusive:
		w.core.mus[rank].Lock()
	default:
		return nil
	}
	w.held[rank] = level
	return nil
}

func (w *LocalWindow) Unlock(rank ids.NodeID) error {
	level, ok := w.held[rank]
	if !ok {
		return errors.Errorf("transport/local: unlock of rank %d without a held lock", rank)
	}
	switch level {
	case LockShared:
		w.core.mus[rank].RUnlock()
	case LockExclusive:
		w.core.mus[rank].Unlock()
	}
	delete(w.held, rank)
	return nil
}

// Fence, Sync and the Flush family are no-ops: the local simulated
// window applies every Get/Put/Accum synchronously, so there is never
// outstanding work for them to wait on.
func (w *LocalWindow) Fence(assert AssertFlag) error  { return nil }
func (w *LocalWindow) Sync() error                    { return nil }
func (w *LocalWindow) Flush(rank ids.NodeID) error      { return nil }
func (w *LocalWindow) FlushLocal(rank ids.NodeID) error { return nil }
func (w *LocalWindow) FlushAll() error                  { return nil }
func (w *LocalWindow) Free() error                      { return nil }
