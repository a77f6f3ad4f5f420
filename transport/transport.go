// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transport defines the external interfaces spec.md §6
// names as out-of-scope collaborators — two-sided point-to-point
// send/probe, one-sided MPI-3-RMA-shaped windows, and process context
// — plus a local, in-process simulated implementation used by every
// test in this module (Network/Local/LocalWindow, in local.go).
package transport

import "vtrun/ids"

// Arrival is a buffer that has arrived for the local rank, tagged with
// its sender.
type Arrival struct {
	Source ids.NodeID
	Buf    []byte
}

// Transport is the two-sided point-to-point contract: unordered,
// reliable send, and non-blocking probe that surfaces arrived buffers
// to the scheduler.
type Transport interface {
	// Rank returns this process's own node id.
	Rank() ids.NodeID
	// Size returns the total number of processes.
	Size() int
	// Send delivers buf to dest. Unordered and reliable: buf either
	// eventually arrives exactly once, or Send returns a non-nil error.
	Send(dest ids.NodeID, buf []byte) error
	// Probe drains and returns any buffers that have arrived since the
	// last call. Never blocks.
	Probe() ([]Arrival, error)
	// SystemSync is a collective, process-wide barrier independent of
	// any epoch or user collective.
	SystemSync()
}

// LockLevel is the RMA lock level requested against a window target.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockExclusive
)

// AssertFlag mirrors the MPI-3 RMA fence assertion bits named in
// spec.md §6.
type AssertFlag int

const (
	AssertNone      AssertFlag = 0
	AssertNoStore   AssertFlag = 1 << iota
	AssertNoPut
	AssertNoPrecede
	AssertNoSucceed
)

// Request is the handle returned by an async (r-prefixed) RMA
// operation; Wait runs the operation to completion.
type Request interface {
	Wait() error
	Done() bool
}

// Window is a typed-by-caller, one-sided memory window with MPI-3 RMA
// semantics: get/put/accum and their async r-variants, explicit
// lock/unlock, and fence/sync/flush for epoch-free access patterns.
// Implementations back the data of rdma.Handle and rdma.IndexedHandle.
type Window interface {
	Rank() ids.NodeID
	// Size is the number of per-rank blocks in this window (one per
	// process).
	Size() int

	Get(rank ids.NodeID, offset, length int, buf []byte) error
	Put(rank ids.NodeID, offset int, buf []byte) error
	Accum(rank ids.NodeID, offset int, buf []byte, combine func(old, add []byte) []byte) error

	RGet(rank ids.NodeID, offset, length int, buf []byte) Request
	RPut(rank ids.NodeID, offset int, buf []byte) Request
	RAccum(rank ids.NodeID, offset int, buf []byte, combine func(old, add []byte) []byte) Request

	Lock(rank ids.NodeID, level LockLevel) error
	Unlock(rank ids.NodeID) error
	Fence(assert AssertFlag) error
	Sync() error
	Flush(rank ids.NodeID) error
	FlushLocal(rank ids.NodeID) error
	FlushAll() error
	Free() error
}

// WindowFactory allocates Windows collectively: every process must
// call AllocWindow with its local byte size; the returned Window is
// ready only once every process has done so (spec.md §3 RDMA
// lifecycle: "local window created... collectively").
type WindowFactory interface {
	AllocWindow(localSize int) (Window, error)
}
