// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package collective

import (
	"context"
	"sync"

	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/topos"
)

type reduceKey struct {
	scope ids.Scope
	stamp ids.Stamp
}

type pendingReduce[T any] struct {
	value            T
	have             bool
	childrenReported int
	localContributed bool
	allReduce        bool
	completed        bool
	done             chan struct{}
}

func newPendingReduce[T any]() *pendingReduce[T] {
	return &pendingReduce[T]{done: make(chan struct{})}
}

// Reducer combines one contribution per process, up a topos.Tree, into
// a single value at the root (Reduce) or back out to every process
// (AllReduce). A Reducer is keyed by (ids.Scope, ids.Stamp) so many
// independent reductions can be in flight concurrently, exactly as
// messaging.Envelope's reduce fields are designed to support.
type Reducer[T any] struct {
	core        *messaging.Core
	tree        *topos.Tree
	combine     func(a, b T) T
	upHandler   ids.HandlerID
	downHandler ids.HandlerID

	mu      sync.Mutex
	pending map[reduceKey]*pendingReduce[T]
}

// NewReducer builds a Reducer over tree, registering the two messaging
// handlers (upward fold, downward broadcast) it needs on core.
func NewReducer[T any](core *messaging.Core, tree *topos.Tree, combine func(a, b T) T) *Reducer[T] {
	r := &Reducer[T]{
		core:    core,
		tree:    tree,
		combine: combine,
		pending: map[reduceKey]*pendingReduce[T]{},
	}
	r.upHandler = messaging.RegisterReduceHandler(core, r.onUp)
	r.downHandler = messaging.RegisterReduceHandler(core, r.onDown)
	return r
}

func (r *Reducer[T]) entry(k reduceKey) *pendingReduce[T] {
	p, ok := r.pending[k]
	if !ok {
		p = newPendingReduce[T]()
		r.pending[k] = p
	}
	return p
}

func (r *Reducer[T]) merge(p *pendingReduce[T], v T) {
	if !p.have {
		p.value, p.have = v, true
		return
	}
	p.value = r.combine(p.value, v)
}

func (r *Reducer[T]) onUp(from ids.NodeID, e epoch.Epoch, scope ids.Scope, stamp ids.Stamp, msg T) {
	k := reduceKey{scope, stamp}
	r.mu.Lock()
	p := r.entry(k)
	r.merge(p, msg)
	p.childrenReported++
	ready := p.childrenReported == r.tree.NumChildren() && p.localContributed
	value, allReduce := p.value, p.allReduce
	r.mu.Unlock()
	if ready {
		r.propagateUp(scope, stamp, e, value, allReduce)
	}
}

func (r *Reducer[T]) onDown(from ids.NodeID, e epoch.Epoch, scope ids.Scope, stamp ids.Stamp, msg T) {
	r.deliverDown(scope, stamp, e, msg)
}

// ReduceTo begins a root-only reduction: local is this process's
// contribution; the combined value of the whole tree becomes available
// at the root via Wait. Non-root processes may also call Wait, but it
// only unblocks for them once the (scope, stamp) is reused by an
// AllReduce, or never, if this reduction never broadcasts back down.
func (r *Reducer[T]) ReduceTo(scope ids.Scope, stamp ids.Stamp, e epoch.Epoch, local T) {
	r.contribute(scope, stamp, e, local, false)
}

// AllReduce begins a reduction whose combined result is broadcast back
// down the tree to every process, each of which can retrieve it with
// Wait.
func (r *Reducer[T]) AllReduce(scope ids.Scope, stamp ids.Stamp, e epoch.Epoch, local T) {
	r.contribute(scope, stamp, e, local, true)
}

func (r *Reducer[T]) contribute(scope ids.Scope, stamp ids.Stamp, e epoch.Epoch, local T, allReduce bool) {
	k := reduceKey{scope, stamp}
	r.mu.Lock()
	p := r.entry(k)
	r.merge(p, local)
	p.localContributed = true
	p.allReduce = allReduce
	ready := p.childrenReported == r.tree.NumChildren() && p.localContributed
	value := p.value
	r.mu.Unlock()
	if ready {
		r.propagateUp(scope, stamp, e, value, allReduce)
	}
}

func (r *Reducer[T]) propagateUp(scope ids.Scope, stamp ids.Stamp, e epoch.Epoch, value T, allReduce bool) {
	if !r.tree.IsRoot() {
		_ = r.core.SendReduceMsg(r.tree.Parent(), r.upHandler, scope, stamp, value)
		return
	}
	if allReduce {
		r.deliverDown(scope, stamp, e, value)
		return
	}
	r.mu.Lock()
	p := r.entry(reduceKey{scope, stamp})
	if !p.completed {
		p.value = value
		p.completed = true
		close(p.done)
	}
	r.mu.Unlock()
}

func (r *Reducer[T]) deliverDown(scope ids.Scope, stamp ids.Stamp, e epoch.Epoch, value T) {
	r.mu.Lock()
	p := r.entry(reduceKey{scope, stamp})
	if !p.completed {
		p.value = value
		p.completed = true
		close(p.done)
	}
	r.mu.Unlock()
	for _, child := range r.tree.Children() {
		_ = r.core.SendReduceMsg(child, r.downHandler, scope, stamp, value)
	}
}

// Wait blocks, pumping the messaging scheduler so other traffic keeps
// draining, until the reduction identified by (scope, stamp) completes
// at this process, then returns its value.
func (r *Reducer[T]) Wait(ctx context.Context, scope ids.Scope, stamp ids.Stamp) (T, error) {
	k := reduceKey{scope, stamp}
	r.mu.Lock()
	p := r.entry(k)
	r.mu.Unlock()

	err := r.core.RunSchedulerNested(ctx, func() bool {
		select {
		case <-p.done:
			return false
		default:
			return true
		}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.value, nil
}

// Forget releases the bookkeeping for a completed (scope, stamp) so it
// can be reused by a later reduction under the same identity.
func (r *Reducer[T]) Forget(scope ids.Scope, stamp ids.Stamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, reduceKey{scope, stamp})
}
