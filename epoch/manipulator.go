// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package epoch

import (
	"sync"

	"github.com/cenkalti/backoff/v4"

	"vtrun/ids"
)

// DefaultMaxSequence bounds the per-archetype sequence range used when
// a Manipulator is constructed without an explicit range. It is small
// enough that watermark-triggered GC is easy to exercise in tests.
const DefaultMaxSequence uint32 = 1<<16 - 1

// DefaultGCWatermark is the fraction of a window's range that must be
// terminated before a GC round is attempted (spec.md §6 "epoch_gc_watermark").
const DefaultGCWatermark = 0.10

// Manipulator allocates, classifies, and retires epoch ids, owning one
// Window per archetype (C2). It is safe for concurrent use, though in
// the runtime's single-threaded-per-process model it is only ever
// called from the scheduler goroutine.
type Manipulator struct {
	mu          sync.Mutex
	self        ids.NodeID
	windows     map[Epoch]*Window
	maxSequence uint32
	gcWatermark float64
	gcBackoff   func() backoff.BackOff
}

// Option configures a Manipulator.
type Option func(*Manipulator)

// WithMaxSequence overrides DefaultMaxSequence.
func WithMaxSequence(max uint32) Option {
	return func(m *Manipulator) { m.maxSequence = max }
}

// WithGCWatermark overrides DefaultGCWatermark.
func WithGCWatermark(w float64) Option {
	return func(m *Manipulator) { m.gcWatermark = w }
}

// NewManipulator creates a Manipulator for the given process.
func NewManipulator(self ids.NodeID, opts ...Option) *Manipulator {
	m := &Manipulator{
		self:        self,
		windows:     make(map[Epoch]*Window),
		maxSequence: DefaultMaxSequence,
		gcWatermark: DefaultGCWatermark,
		gcBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateEpoch bit-packs a new epoch identifier without consulting any
// window; it is the stateless primitive spec.md §4.2 names separately
// from the stateful NextRootedEpoch/NextCollectiveEpoch.
func GenerateEpoch(rooted bool, root ids.NodeID, category Category, seq uint32) Epoch {
	return Generate(rooted, root, category, seq)
}

// NextRootedEpoch allocates the next free sequence in this process's
// rooted archetype for category.
func (m *Manipulator) NextRootedEpoch(category Category) (Epoch, error) {
	archetype := Generate(true, m.self, category, 0).Archetype()
	return m.allocate(archetype)
}

// NextCollectiveEpoch allocates the next free sequence in the
// (unrooted) collective archetype for category.
func (m *Manipulator) NextCollectiveEpoch(category Category) (Epoch, error) {
	archetype := Generate(false, ids.Uninitialized, category, 0).Archetype()
	return m.allocate(archetype)
}

func (m *Manipulator) allocate(archetype Epoch) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowForLocked(archetype).Allocate()
}

// Window returns (creating on first use) the window for e's archetype;
// this is spec.md's getTerminatedWindow.
func (m *Manipulator) Window(e Epoch) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowForLocked(e.Archetype())
}

func (m *Manipulator) windowForLocked(archetype Epoch) *Window {
	w, ok := m.windows[archetype]
	if !ok {
		w = newWindow(archetype, 0, m.maxSequence, m.gcWatermark)
		m.windows[archetype] = w
	}
	return w
}

// MarkTerminated marks e's sequence terminated in its window.
func (m *Manipulator) MarkTerminated(e Epoch) {
	m.Window(e).MarkTerminated(e)
}

// IsTerminated reports whether e has been marked terminated.
func (m *Manipulator) IsTerminated(e Epoch) bool {
	return m.Window(e).IsTerminated(e)
}

// PendingGCArchetypes returns the archetypes whose windows have crossed
// the GC watermark and are not already mid-collection.
func (m *Manipulator) PendingGCArchetypes() []Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Epoch
	for a, w := range m.windows {
		if w.ShouldAttemptGC() {
			out = append(out, a)
		}
	}
	return out
}

// MaybeGC attempts a GC round for archetype: it snapshots the local
// terminated set, hands it to reduce (expected to intersect the
// snapshot across all processes via a spanning-tree reduction and
// broadcast back the common result, per spec.md §4.2 step 4), and
// reclaims the confirmed common leading prefix back to free. reduce
// may fail transiently (e.g. a concurrent collective scope is in
// flight); failures are retried with backoff before giving up for this
// round (the window's pending flag is always cleared so a later round
// can try again).
func (m *Manipulator) MaybeGC(archetype Epoch, reduce func(local Snapshot) (Snapshot, error)) (int, error) {
	w := m.Window(archetype)
	if !w.ShouldAttemptGC() {
		return 0, nil
	}
	local := w.snapshot()

	var common Snapshot
	op := func() error {
		c, err := reduce(local)
		if err != nil {
			return err
		}
		common = c
		return nil
	}
	if err := backoff.Retry(op, m.gcBackoff()); err != nil {
		w.gcPending = false
		return 0, err
	}
	return w.confirmGC(fromIntervals(common.Intervals)), nil
}

// IntersectSnapshots combines two per-archetype snapshots with set
// intersection: the commutative-associative combine operator GC uses
// to agree on the common terminated prefix across processes. Its
// signature fits the combine function collective.NewReducer takes.
func IntersectSnapshots(a, b Snapshot) Snapshot {
	out := intersectIntervalSets(fromIntervals(a.Intervals), fromIntervals(b.Intervals))
	return Snapshot{Archetype: a.Archetype, Intervals: out.toSnapshot()}
}
