// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package messaging

import (
	"context"
	"testing"
	"time"

	"vtrun/clog"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/transport"
)

type pingMsg struct {
	N int `json:"n"`
}

func TestSendMsgDispatchesToHandler(t *testing.T) {
	net := transport.NewNetwork(2)
	c0 := NewCore(net.Rank(0), clog.New(""))
	c1 := NewCore(net.Rank(1), clog.New(""))

	received := make(chan pingMsg, 1)
	h := RegisterHandler(c1, func(from ids.NodeID, e epoch.Epoch, msg pingMsg) {
		received <- msg
	})

	if err := c0.SendMsg(1, h, pingMsg{N: 42}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if n, err := c1.RunSchedulerOnce(); err != nil || n != 1 {
		t.Fatalf("RunSchedulerOnce() = (%d, %v), want (1, nil)", n, err)
	}
	select {
	case msg := <-received:
		if msg.N != 42 {
			t.Fatalf("received N=%d, want 42", msg.N)
		}
	default:
		t.Fatalf("handler was not invoked")
	}
}

func TestBroadcastMsgReachesEveryoneIncludingSelf(t *testing.T) {
	const n = 4
	net := transport.NewNetwork(n)
	cores := make([]*Core, n)
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		cores[i] = NewCore(net.Rank(ids.NodeID(i)), clog.New(""))
	}
	var handlerIDs []ids.HandlerID
	for i := 0; i < n; i++ {
		idx := i
		hid := RegisterHandler(cores[i], func(from ids.NodeID, e epoch.Epoch, msg pingMsg) {
			counts[idx]++
		})
		handlerIDs = append(handlerIDs, hid)
	}

	if err := cores[0].BroadcastMsg(handlerIDs[0], pingMsg{N: 1}); err != nil {
		t.Fatalf("BroadcastMsg: %v", err)
	}
	if counts[0] != 1 {
		t.Fatalf("self-delivery count = %d, want 1", counts[0])
	}
	for i := 1; i < n; i++ {
		if _, err := cores[i].RunSchedulerOnce(); err != nil {
			t.Fatalf("RunSchedulerOnce on rank %d: %v", i, err)
		}
		if counts[i] != 1 {
			t.Fatalf("rank %d delivery count = %d, want 1", i, counts[i])
		}
	}
}

func TestEpochContextPropagatesToHandler(t *testing.T) {
	net := transport.NewNetwork(2)
	c0 := NewCore(net.Rank(0), clog.New(""))
	c1 := NewCore(net.Rank(1), clog.New(""))

	want := epoch.Generate(true, 0, 0, 7)
	var got epoch.Epoch
	h := RegisterHandler(c1, func(from ids.NodeID, e epoch.Epoch, msg pingMsg) { got = e })

	c0.pushEpoch(want)
	if err := c0.SendMsg(1, h, pingMsg{}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	c0.popEpoch()

	if _, err := c1.RunSchedulerOnce(); err != nil {
		t.Fatalf("RunSchedulerOnce: %v", err)
	}
	if got != want {
		t.Fatalf("handler epoch = %#x, want %#x", got, want)
	}
}

type countingTermHook struct {
	produced, consumed int
}

func (h *countingTermHook) Produce(e epoch.Epoch) { h.produced++ }
func (h *countingTermHook) Consume(e epoch.Epoch) { h.consumed++ }

func TestTermHookFiresOnSendAndDispatch(t *testing.T) {
	net := transport.NewNetwork(2)
	hook0, hook1 := &countingTermHook{}, &countingTermHook{}
	c0 := NewCore(net.Rank(0), clog.New(""), WithTermHook(hook0))
	c1 := NewCore(net.Rank(1), clog.New(""), WithTermHook(hook1))

	h := RegisterHandler(c1, func(from ids.NodeID, e epoch.Epoch, msg pingMsg) {})
	e := epoch.Generate(true, 0, 0, 1)
	c0.pushEpoch(e)
	_ = c0.SendMsg(1, h, pingMsg{})
	c0.popEpoch()

	if hook0.produced != 1 {
		t.Fatalf("produced = %d, want 1", hook0.produced)
	}
	if _, err := c1.RunSchedulerOnce(); err != nil {
		t.Fatal(err)
	}
	if hook1.consumed != 1 {
		t.Fatalf("consumed = %d, want 1", hook1.consumed)
	}
}

func TestRunSchedulerWhileStopsOnCondFalse(t *testing.T) {
	net := transport.NewNetwork(1)
	c := NewCore(net.Rank(0), clog.New(""), WithIdleInterval(time.Millisecond))

	count := 0
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.RunSchedulerWhile(ctx, func() bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("RunSchedulerWhile: %v", err)
	}
	if count != 3 {
		t.Fatalf("cond called %d times, want 3", count)
	}
}

func TestOnPendingSchedulerLoopFiresEveryIterationWhileWorkRemains(t *testing.T) {
	net := transport.NewNetwork(1)
	c := NewCore(net.Rank(0), clog.New(""), WithIdleInterval(time.Millisecond))

	var pending, begins, ends int
	c.OnPendingSchedulerLoop(func() { pending++ })
	c.OnBeginSchedulerLoop(func() { begins++ })
	c.OnEndSchedulerLoop(func() { ends++ })

	count := 0
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.RunSchedulerWhile(ctx, func() bool {
		count++
		return count < 4
	}); err != nil {
		t.Fatalf("RunSchedulerWhile: %v", err)
	}
	if pending != 3 {
		t.Fatalf("pending-loop fired %d times, want 3 (once per iteration cond reported true)", pending)
	}
	if begins != 1 || ends != 1 {
		t.Fatalf("begin/end-loop fired (%d, %d), want (1, 1) regardless of iteration count", begins, ends)
	}
}
