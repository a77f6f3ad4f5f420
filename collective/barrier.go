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

// Barrier synchronizes every process in tree, either on an implicit
// per-process call sequence (Wait — "unnamed") or on a caller-supplied
// tag every process must agree to use the same value for (Named). It
// is built directly on a bool Reducer using OrOp: the combined value
// itself carries no information, only the AllReduce's broadcast-back
// is used, to release every waiter at once.
type Barrier struct {
	reducer *Reducer[bool]

	mu  sync.Mutex
	seq uint64
}

// NewBarrier builds a Barrier over tree.
func NewBarrier(core *messaging.Core, tree *topos.Tree) *Barrier {
	return &Barrier{reducer: NewReducer[bool](core, tree, OrOp)}
}

// Wait performs an unnamed barrier: every process's Nth call to Wait
// synchronizes with every other process's Nth call, in call order.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.seq++
	stamp := ids.Stamp{Kind: ids.StampSequence, A: b.seq}
	b.mu.Unlock()
	return b.wait(ctx, ids.Scope{Kind: ids.ScopeComponent}, stamp)
}

// Named performs a barrier identified by tag: every process must call
// Named with the same tag to synchronize on it, independent of call
// order (spec.md's named barrier).
func (b *Barrier) Named(ctx context.Context, tag uint64) error {
	return b.wait(ctx, ids.Scope{Kind: ids.ScopeComponent}, ids.Stamp{Kind: ids.StampTag, A: tag})
}

func (b *Barrier) wait(ctx context.Context, scope ids.Scope, stamp ids.Stamp) error {
	b.reducer.AllReduce(scope, stamp, epoch.None, true)
	_, err := b.reducer.Wait(ctx, scope, stamp)
	b.reducer.Forget(scope, stamp)
	return err
}
