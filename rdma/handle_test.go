// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package rdma

import (
	"testing"

	"vtrun/ids"
	"vtrun/transport"
)

func TestAllocNodeScopedSharesToken(t *testing.T) {
	const n = 4
	net := transport.NewNetwork(n)
	handles := AllocNodeScoped(net, 8)
	if len(handles) != n {
		t.Fatalf("len(handles) = %d, want %d", len(handles), n)
	}
	for i, h := range handles {
		if h.Self() != ids.NodeID(i) {
			t.Fatalf("handles[%d].Self() = %v, want %v", i, h.Self(), i)
		}
		if h.Token() != handles[0].Token() {
			t.Fatalf("handles[%d].Token() = %v, want shared token %v", i, h.Token(), handles[0].Token())
		}
		if h.ElemSize() != 8 || h.NumNodes() != n {
			t.Fatalf("handles[%d] elemSize/numNodes = %d/%d, want 8/%d", i, h.ElemSize(), h.NumNodes(), n)
		}
	}
}

func TestNodeScopedPutThenGetRoundTrips(t *testing.T) {
	const n = 3
	net := transport.NewNetwork(n)
	handles := AllocNodeScoped(net, 4)

	payload := []byte{1, 2, 3, 4}
	if err := handles[0].Put(2, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	buf := make([]byte, 4)
	if err := handles[1].Get(2, buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i, b := range buf {
		if b != payload[i] {
			t.Fatalf("Get returned %v, want %v", buf, payload)
		}
	}
}

func TestNodeScopedAccumCombinesValues(t *testing.T) {
	const n = 2
	net := transport.NewNetwork(n)
	handles := AllocNodeScoped(net, 1)

	if err := handles[0].Put(1, []byte{5}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := func(old, add []byte) []byte { return []byte{old[0] + add[0]} }
	if err := handles[0].Accum(1, []byte{7}, sum); err != nil {
		t.Fatalf("Accum: %v", err)
	}

	buf := make([]byte, 1)
	if err := handles[0].Get(1, buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if buf[0] != 12 {
		t.Fatalf("accumulated value = %d, want 12", buf[0])
	}
}

func TestNodeScopedRGetCompletesSynchronously(t *testing.T) {
	const n = 2
	net := transport.NewNetwork(n)
	handles := AllocNodeScoped(net, 2)

	if err := handles[1].Put(1, []byte{9, 9}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf := make([]byte, 2)
	req := handles[0].RGet(1, buf)
	if err := req.Wait(); err != nil {
		t.Fatalf("RGet Wait: %v", err)
	}
	if buf[0] != 9 || buf[1] != 9 {
		t.Fatalf("RGet buf = %v, want [9 9]", buf)
	}
}

func TestNodeScopedLockUnlockRoundTrip(t *testing.T) {
	const n = 2
	net := transport.NewNetwork(n)
	handles := AllocNodeScoped(net, 1)

	if err := handles[0].Lock(1, transport.LockExclusive); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := handles[0].Unlock(1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}
