// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package lb

import (
	"context"

	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
)

// planEntry is the wire shape of one migration decision.
type planEntry struct {
	E  ids.EntityID
	To ids.NodeID
}

type planMsg struct {
	Entries []planEntry
}

// planExchange broadcasts a balancer's final plan from its root to
// every process and lets every process (including the root, via
// messaging.Core's synchronous self-dispatch) block until its own copy
// arrives. One planExchange is reused across every round of a given
// balancer instance; rounds run in lockstep so there is never more
// than one plan in flight at a time.
type planExchange struct {
	core      *messaging.Core
	handlerID ids.HandlerID
	ch        chan map[ids.EntityID]ids.NodeID
}

func newPlanExchange(core *messaging.Core) *planExchange {
	px := &planExchange{core: core, ch: make(chan map[ids.EntityID]ids.NodeID, 1)}
	px.handlerID = messaging.RegisterHandler(core, px.onPlan)
	return px
}

func (px *planExchange) onPlan(from ids.NodeID, e epoch.Epoch, msg planMsg) {
	m := make(map[ids.EntityID]ids.NodeID, len(msg.Entries))
	for _, pe := range msg.Entries {
		m[pe.E] = pe.To
	}
	px.ch <- m
}

// broadcastAndAwait sends plan (only meaningful when isRoot) and
// returns every process's view of the agreed plan once it arrives.
func (px *planExchange) broadcastAndAwait(ctx context.Context, isRoot bool, plan map[ids.EntityID]ids.NodeID) (map[ids.EntityID]ids.NodeID, error) {
	if isRoot {
		entries := make([]planEntry, 0, len(plan))
		for e, to := range plan {
			entries = append(entries, planEntry{E: e, To: to})
		}
		if err := px.core.BroadcastMsg(px.handlerID, planMsg{Entries: entries}); err != nil {
			return nil, err
		}
	}

	var final map[ids.EntityID]ids.NodeID
	err := px.core.RunSchedulerNested(ctx, func() bool {
		select {
		case final = <-px.ch:
			return false
		default:
			return true
		}
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}
