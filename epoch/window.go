// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package epoch

import (
	"github.com/pkg/errors"
)

// ErrWindowExhausted is returned by Window.Allocate when every sequence
// in the archetype's range is either active or terminated-but-not-yet
// garbage-collected. Per spec.md §7 this is a fatal condition: the
// caller should widen the configured range or reduce concurrently
// outstanding epochs, not retry.
var ErrWindowExhausted = errors.New("epoch: window exhausted, no free sequence available")

// Interval is the exported [Lo, Hi] wire form of a window's terminated
// set, used to drive cross-process GC agreement without epoch itself
// depending on the collective package (see Manipulator.MaybeGC).
type Interval struct {
	Lo, Hi uint32
}

// Snapshot is the exported wire form of a window's terminated set for
// one archetype, passed to a caller-supplied reduction in MaybeGC.
type Snapshot struct {
	Archetype  Epoch
	Intervals  []Interval
}

func (s *intervalSet) toSnapshot() []Interval {
	out := make([]Interval, len(s.ivs))
	for i, iv := range s.ivs {
		out[i] = Interval{iv.lo, iv.hi}
	}
	return out
}

func fromIntervals(ivs []Interval) *intervalSet {
	s := newEmptyIntervalSet()
	for _, iv := range ivs {
		s.ivs = append(s.ivs, interval{iv.Lo, iv.Hi})
	}
	return s
}

// Window is the per-archetype state described in spec.md §3/§4.2: a
// bounded sequence range, a free set, a terminated set, and a ranged
// cursor that walks forward through the range (wrapping) so allocation
// favors not-recently-used sequences.
type Window struct {
	archetype   Epoch
	min, max    uint32
	free        *intervalSet
	terminated  *intervalSet
	cursor      uint32
	gcPending   bool
	gcWatermark float64
}

func newWindow(archetype Epoch, min, max uint32, gcWatermark float64) *Window {
	return &Window{
		archetype:   archetype,
		min:         min,
		max:         max,
		free:        newFullIntervalSet(min, max),
		terminated:  newEmptyIntervalSet(),
		cursor:      min,
		gcWatermark: gcWatermark,
	}
}

// Allocate picks the next free sequence at or after the cursor
// (wrapping to min), activates it (removes from free), and advances
// the cursor.
func (w *Window) Allocate() (Epoch, error) {
	seq, ok := w.free.firstFreeFrom(w.cursor)
	if !ok {
		return 0, ErrWindowExhausted
	}
	w.free.remove(seq)
	if seq == ^uint32(0) {
		w.cursor = w.min
	} else {
		w.cursor = seq + 1
	}
	if w.cursor > w.max {
		w.cursor = w.min
	}
	return w.archetype.WithSequence(seq), nil
}

// MarkTerminated records e's sequence as terminated. The mark is
// monotone until a successful GC round returns it to free.
func (w *Window) MarkTerminated(e Epoch) {
	w.terminated.insert(e.Sequence())
}

// IsTerminated reports whether e's sequence has been marked terminated
// and not yet garbage-collected.
func (w *Window) IsTerminated(e Epoch) bool {
	return w.terminated.contains(e.Sequence())
}

// ShouldAttemptGC reports whether the terminated fraction of the range
// has crossed the configured watermark and no GC round is already in
// flight (the pending flag debounces concurrent attempts, per
// spec.md §4.2 step 4).
func (w *Window) ShouldAttemptGC() bool {
	if w.gcPending {
		return false
	}
	total := uint64(w.max) - uint64(w.min) + 1
	return float64(w.terminated.count())/float64(total) >= w.gcWatermark
}

// snapshot captures the terminated set for a GC round and marks GC
// pending so concurrent attempts are suppressed.
func (w *Window) snapshot() Snapshot {
	w.gcPending = true
	return Snapshot{Archetype: w.archetype, Intervals: w.terminated.toSnapshot()}
}

// confirmGC reclaims the leading contiguous run of common (the
// cross-process intersection of terminated sets) back to free, and
// clears the pending flag.
func (w *Window) confirmGC(common *intervalSet) int {
	reclaimed := 0
	for len(w.terminated.ivs) > 0 && len(common.ivs) > 0 {
		lo := w.terminated.ivs[0].lo
		hi, ok := common.commonLeadingPrefix(lo)
		if !ok {
			break
		}
		for v := lo; v <= hi; v++ {
			w.terminated.remove(v)
			w.free.insert(v)
			reclaimed++
		}
	}
	w.gcPending = false
	return reclaimed
}
