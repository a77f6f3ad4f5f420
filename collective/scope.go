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

// CollectiveScope sequences collective construction calls (a
// vrt.CollectionManager.MakeCollective, an rdma handle allocation, a
// group join) so that every process agrees on the same sequence
// number for a given logical call, even when processes reach it a
// different number of local calls after the scope's last agreement
// point. This is the MPI-safe "tag agreement" pattern: each process
// proposes its own locally-incremented counter, the scope's tree
// reduces the proposals to their max, and the agreed value is
// broadcast back down so every process addresses the resulting
// messages with the identical tag.
type CollectiveScope struct {
	core       *messaging.Core
	seqReducer *Reducer[uint64]
	scopeID    uint64

	mu       sync.Mutex
	localSeq uint64
}

// NewCollectiveScope builds a CollectiveScope identified by scopeID
// (typically an ids.ObjGroupProxy or ids.CollectionProxy) over tree.
func NewCollectiveScope(core *messaging.Core, tree *topos.Tree, scopeID uint64) *CollectiveScope {
	return &CollectiveScope{
		core:       core,
		seqReducer: NewReducer[uint64](core, tree, MaxOp[uint64]),
		scopeID:    scopeID,
	}
}

func (s *CollectiveScope) scope() ids.Scope { return ids.Scope{Kind: ids.ScopeGroup, ID: s.scopeID} }

// MpiCollectiveAsync proposes this process's next sequence number for
// round and kicks off the agreement reduction without blocking; call
// MpiCollectiveWait with the returned stamp to retrieve the agreed
// value.
func (s *CollectiveScope) MpiCollectiveAsync(round uint64) ids.Stamp {
	s.mu.Lock()
	s.localSeq++
	proposal := s.localSeq
	s.mu.Unlock()

	stamp := ids.Stamp{Kind: ids.StampSequence, A: round}
	s.seqReducer.AllReduce(s.scope(), stamp, epoch.None, proposal)
	return stamp
}

// MpiCollectiveWait blocks until every process's proposal for stamp
// has been agreed to the maximum, then returns that agreed sequence
// number, advancing the local counter to at least that value so a
// subsequent call never regresses it.
func (s *CollectiveScope) MpiCollectiveWait(ctx context.Context, stamp ids.Stamp) (uint64, error) {
	agreed, err := s.seqReducer.Wait(ctx, s.scope(), stamp)
	s.seqReducer.Forget(s.scope(), stamp)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if agreed > s.localSeq {
		s.localSeq = agreed
	}
	s.mu.Unlock()
	return agreed, nil
}
