// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package collective

import (
	"context"
	"testing"
	"time"

	"vtrun/clog"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
	"vtrun/topos"
	"vtrun/transport"
)

func buildCluster(n, fanout int) ([]*messaging.Core, []*topos.Tree) {
	net := transport.NewNetwork(n)
	cores := make([]*messaging.Core, n)
	trees := make([]*topos.Tree, n)
	for i := 0; i < n; i++ {
		cores[i] = messaging.NewCore(net.Rank(ids.NodeID(i)), clog.New(""))
		trees[i] = topos.New(ids.NodeID(i), n, fanout)
	}
	return cores, trees
}

// drain runs enough scheduler rounds across every core for a reduction
// or barrier to fully propagate up and back down a tree of this depth.
func drain(cores []*messaging.Core, rounds int) {
	for i := 0; i < rounds; i++ {
		for _, c := range cores {
			_, _ = c.RunSchedulerOnce()
		}
	}
}

func TestReduceToSumsAtRoot(t *testing.T) {
	const n = 4
	cores, trees := buildCluster(n, 2)
	reducers := make([]*Reducer[int], n)
	for i := range reducers {
		reducers[i] = NewReducer[int](cores[i], trees[i], PlusOp[int])
	}

	scope := ids.Scope{Kind: ids.ScopeUser, ID: 1}
	stamp := ids.Stamp{Kind: ids.StampTag, A: 1}
	for i := 0; i < n; i++ {
		reducers[i].ReduceTo(scope, stamp, epoch.None, i+1)
	}
	drain(cores, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := reducers[0].Wait(ctx, scope, stamp)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := n * (n + 1) / 2
	if result != want {
		t.Fatalf("ReduceTo sum = %d, want %d", result, want)
	}
}

func TestAllReduceMaxReachesEveryProcess(t *testing.T) {
	const n = 5
	cores, trees := buildCluster(n, 2)
	reducers := make([]*Reducer[int], n)
	for i := range reducers {
		reducers[i] = NewReducer[int](cores[i], trees[i], MaxOp[int])
	}

	scope := ids.Scope{Kind: ids.ScopeUser, ID: 7}
	stamp := ids.Stamp{Kind: ids.StampTag, A: 1}
	values := []int{3, 9, 1, 4, 1}
	for i := 0; i < n; i++ {
		reducers[i].AllReduce(scope, stamp, epoch.None, values[i])
	}
	drain(cores, 10)

	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		v, err := reducers[i].Wait(ctx, scope, stamp)
		cancel()
		if err != nil {
			t.Fatalf("Wait on rank %d: %v", i, err)
		}
		if v != 9 {
			t.Fatalf("rank %d AllReduce result = %d, want 9", i, v)
		}
	}
}

func TestBarrierReleasesEveryWaiter(t *testing.T) {
	const n = 4
	cores, trees := buildCluster(n, 2)
	barriers := make([]*Barrier, n)
	for i := range barriers {
		barriers[i] = NewBarrier(cores[i], trees[i])
	}

	scope := ids.Scope{Kind: ids.ScopeComponent}
	stamp := ids.Stamp{Kind: ids.StampSequence, A: 1}
	for i := range barriers {
		barriers[i].reducer.AllReduce(scope, stamp, epoch.None, true)
	}
	drain(cores, 10)

	for i := range barriers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := barriers[i].wait(ctx, scope, stamp)
		cancel()
		if err != nil {
			t.Fatalf("rank %d Barrier wait: %v", i, err)
		}
	}
}

func TestCollectiveScopeAgreesOnMaxProposal(t *testing.T) {
	const n = 3
	cores, trees := buildCluster(n, 2)
	scopes := make([]*CollectiveScope, n)
	for i := range scopes {
		scopes[i] = NewCollectiveScope(cores[i], trees[i], 42)
	}

	stamps := make([]ids.Stamp, n)
	for i := 0; i < n; i++ {
		// Simulate each process having made a different number of prior
		// local calls before reaching this agreement point.
		for j := 0; j < i; j++ {
			scopes[i].MpiCollectiveAsync(0)
		}
		stamps[i] = scopes[i].MpiCollectiveAsync(1)
	}
	drain(cores, 10)

	agreed := make([]uint64, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		v, err := scopes[i].MpiCollectiveWait(ctx, stamps[i])
		cancel()
		if err != nil {
			t.Fatalf("MpiCollectiveWait rank %d: %v", i, err)
		}
		agreed[i] = v
	}
	for i, v := range agreed {
		if v != agreed[0] {
			t.Fatalf("rank %d agreed tag = %d, want %d (every process must agree)", i, v, agreed[0])
		}
	}
	// Rank n-1 made the most prior calls, so its proposal n is the max.
	if agreed[0] != uint64(n) {
		t.Fatalf("agreed tag = %d, want the max proposal %d", agreed[0], n)
	}
}
