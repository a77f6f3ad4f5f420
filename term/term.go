// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package term implements the termination detector (C3): a
// four-counter (local produce/consume, global produce/consume)
// detector per epoch, a FIFO of actions to run once an epoch
// terminates, and the rooted/collective convergence wave that confirms
// termination across every process.
package term

import (
	"context"
	"sync"

	"vtrun/collective"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/topos"
)

type counters struct {
	produced, consumed int64
	actions            []func()
	released           bool

	// prevWaveZero remembers whether the previous convergence wave
	// for this epoch also observed global produced == consumed.
	// Termination only releases on the second consecutive such wave,
	// since a single zero-sum wave cannot by itself rule out a
	// message that is in flight between two ranks' counters being
	// sampled into the same reduction (spec's cross-process snapshot
	// skew).
	prevWaveZero bool
}

// Detector tracks, per epoch, how many messages have been produced
// (sent) and consumed (dispatched) so far, and runs each epoch's
// queued actions once a convergence wave confirms the two counts are
// equal across every process (messaging.Core.TermHook calls Produce
// and Consume as a side effect of every send/dispatch).
type Detector struct {
	core     *messaging.Core
	reducer  *collective.Reducer[waveCounts]
	mu       sync.Mutex
	byEpoch  map[epoch.Epoch]*counters
	waveSeq  uint64
}

type waveCounts struct {
	Produced, Consumed int64
}

func sumWave(a, b waveCounts) waveCounts {
	return waveCounts{Produced: a.Produced + b.Produced, Consumed: a.Consumed + b.Consumed}
}

// NewDetector builds a Detector that drives its convergence wave
// reduction over tree, registered on core.
func NewDetector(core *messaging.Core, tree *topos.Tree) *Detector {
	d := &Detector{
		core:    core,
		byEpoch: map[epoch.Epoch]*counters{},
	}
	d.reducer = collective.NewReducer[waveCounts](core, tree, sumWave)
	return d
}

func (d *Detector) entry(e epoch.Epoch) *counters {
	c, ok := d.byEpoch[e]
	if !ok {
		c = &counters{}
		d.byEpoch[e] = c
	}
	return c
}

// Produce counts a send under epoch e. Implements messaging.TermHook.
func (d *Detector) Produce(e epoch.Epoch) {
	if e.IsNone() {
		return
	}
	d.mu.Lock()
	d.entry(e).produced++
	d.mu.Unlock()
}

// Consume counts a dispatched handler invocation under epoch e.
// Implements messaging.TermHook.
func (d *Detector) Consume(e epoch.Epoch) {
	if e.IsNone() {
		return
	}
	d.mu.Lock()
	d.entry(e).consumed++
	d.mu.Unlock()
}

// AddAction enqueues fn to run, in FIFO order with every other action
// added for e, once e is confirmed terminated.
func (d *Detector) AddAction(e epoch.Epoch, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.entry(e)
	if c.released {
		d.mu.Unlock()
		fn()
		d.mu.Lock()
		return
	}
	c.actions = append(c.actions, fn)
}

// Local returns this process's current produced/consumed counts for e.
func (d *Detector) Local(e epoch.Epoch) (produced, consumed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.entry(e)
	return c.produced, c.consumed
}

// RunInEpochCollective runs a single convergence wave for e: every
// process contributes its current produced/consumed counts and the
// tree sums them. Termination requires two successive waves to each
// observe global produced == global consumed before the epoch is
// released (its queued actions run, in FIFO order) and true is
// returned — a lone zero-sum wave cannot distinguish genuine
// quiescence from a message that was produced and consumed entirely
// between two ranks' counters being sampled into the same wave. A
// wave that instead observes consumed > produced is the same transient
// skew showing up the other way (a send counted on one rank, its
// matching receive already counted on another, before either side's
// snapshot lines up) and is reported as "not yet" rather than an
// error; it resets the two-wave count like any other non-zero wave.
func (d *Detector) RunInEpochCollective(ctx context.Context, e epoch.Epoch) (bool, error) {
	d.mu.Lock()
	d.waveSeq++
	seq := d.waveSeq
	c := d.entry(e)
	produced, consumed := c.produced, c.consumed
	d.mu.Unlock()

	scope := ids.Scope{Kind: ids.ScopeComponent, ID: uint64(e)}
	stamp := ids.Stamp{Kind: ids.StampSequence, A: seq}
	d.reducer.AllReduce(scope, stamp, e, waveCounts{Produced: produced, Consumed: consumed})
	total, err := d.reducer.Wait(ctx, scope, stamp)
	d.reducer.Forget(scope, stamp)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	c = d.entry(e)
	if total.Produced != total.Consumed {
		c.prevWaveZero = false
		d.mu.Unlock()
		return false, nil
	}
	secondZero := c.prevWaveZero
	c.prevWaveZero = true
	d.mu.Unlock()
	if !secondZero {
		return false, nil
	}
	d.release(e)
	return true, nil
}

func (d *Detector) release(e epoch.Epoch) {
	d.mu.Lock()
	c := d.entry(e)
	if c.released {
		d.mu.Unlock()
		return
	}
	c.released = true
	actions := c.actions
	c.actions = nil
	d.mu.Unlock()
	for _, fn := range actions {
		fn()
	}
}

// IsTerminated reports whether e has already been confirmed terminated
// and had its actions run.
func (d *Detector) IsTerminated(e epoch.Epoch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byEpoch[e]
	return ok && c.released
}

// Forget drops the bookkeeping kept for a terminated epoch, once its
// owning epoch.Manipulator has also garbage-collected it.
func (d *Detector) Forget(e epoch.Epoch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byEpoch, e)
}
