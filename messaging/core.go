// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertbit/timer"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"vtrun/clog"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TermHook lets a termination detector (package term) observe message
// production and consumption without messaging importing term, which
// would otherwise close a cycle (term drives messaging to run rooted
// collectives; messaging must not need term's types to compile).
type TermHook interface {
	Produce(e epoch.Epoch)
	Consume(e epoch.Epoch)
}

type handlerEntry struct {
	dispatch func(from ids.NodeID, e epoch.Epoch, env Envelope) error
}

// Core is the messaging runtime for one process: it owns the handler
// registry, the transport, the current-epoch context stack, and the
// scheduler loop that drains arrived buffers.
type Core struct {
	self      ids.NodeID
	transport transport.Transport
	log       *clog.CLogger

	mu            sync.Mutex
	handlers      map[ids.HandlerID]handlerEntry
	nextHandlerID ids.HandlerID
	epochStack    []epoch.Epoch

	termHook TermHook

	idleInterval time.Duration
	nestedSem    *semaphore.Weighted
	schedDepth   int32

	onPendingLoop []func()
	onBeginLoop   []func()
	onEndLoop     []func()
	onBeginIdle   []func()
	onEndIdle     []func()
}

// Option configures a Core at construction.
type Option func(*Core)

// WithTermHook attaches a termination detector's Produce/Consume hooks.
func WithTermHook(h TermHook) Option { return func(c *Core) { c.termHook = h } }

// WithIdleInterval sets the pacing between empty probe attempts in the
// scheduler's idle loop (default 1ms).
func WithIdleInterval(d time.Duration) Option {
	return func(c *Core) { c.idleInterval = d }
}

// WithMaxNestedSchedulers bounds how deeply RunSchedulerNested may
// recurse (default 8), matching spec.md §6's num_collective_workers.
func WithMaxNestedSchedulers(n int64) Option {
	return func(c *Core) { c.nestedSem = semaphore.NewWeighted(n) }
}

// NewCore builds a messaging Core bound to the given transport.
func NewCore(t transport.Transport, log *clog.CLogger, opts ...Option) *Core {
	c := &Core{
		self:         t.Rank(),
		transport:    t,
		log:          log,
		handlers:     map[ids.HandlerID]handlerEntry{},
		idleInterval: time.Millisecond,
		nestedSem:    semaphore.NewWeighted(8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Core) Self() ids.NodeID { return c.self }
func (c *Core) Size() int        { return c.transport.Size() }

// Log returns this process's conditional logger, for callers outside
// package messaging that need to report conditions the same way Core
// itself does.
func (c *Core) Log() *clog.CLogger { return c.log }

// RegisterHandler registers a typed handler and returns the id used to
// address it from SendMsg/BroadcastMsg. T must be JSON-marshalable.
func RegisterHandler[T any](c *Core, fn func(from ids.NodeID, e epoch.Epoch, msg T)) ids.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[id] = handlerEntry{
		dispatch: func(from ids.NodeID, e epoch.Epoch, env Envelope) error {
			var msg T
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &msg); err != nil {
					return errors.Wrap(err, "messaging: unmarshal payload")
				}
			}
			fn(from, e, msg)
			return nil
		},
	}
	return id
}

// RegisterReduceHandler is RegisterHandler plus the envelope's
// scope/stamp, for handlers (collective.Reducer, collective.Barrier)
// that key pending state on them.
func RegisterReduceHandler[T any](c *Core, fn func(from ids.NodeID, e epoch.Epoch, scope ids.Scope, stamp ids.Stamp, msg T)) ids.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[id] = handlerEntry{
		dispatch: func(from ids.NodeID, e epoch.Epoch, env Envelope) error {
			var msg T
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &msg); err != nil {
					return errors.Wrap(err, "messaging: unmarshal payload")
				}
			}
			fn(from, e, env.Scope, env.Stamp, msg)
			return nil
		},
	}
	return id
}

// CurrentEpoch returns the epoch context the scheduler is currently
// dispatching under, or epoch.None outside of any handler.
func (c *Core) CurrentEpoch() epoch.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.epochStack) == 0 {
		return epoch.None
	}
	return c.epochStack[len(c.epochStack)-1]
}

func (c *Core) pushEpoch(e epoch.Epoch) {
	c.mu.Lock()
	c.epochStack = append(c.epochStack, e)
	c.mu.Unlock()
}

func (c *Core) popEpoch() {
	c.mu.Lock()
	if len(c.epochStack) > 0 {
		c.epochStack = c.epochStack[:len(c.epochStack)-1]
	}
	c.mu.Unlock()
}

func (c *Core) marshal(handlerID ids.HandlerID, e epoch.Epoch, reduce bool, scope ids.Scope, stamp ids.Stamp, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "messaging: marshal payload")
	}
	env := Envelope{HandlerID: handlerID, Epoch: e, IsReduce: reduce, Scope: scope, Stamp: stamp, Payload: payload}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "messaging: marshal envelope")
	}
	return buf, nil
}

// SendMsg sends msg to dest under the current epoch context.
func (c *Core) SendMsg(dest ids.NodeID, handlerID ids.HandlerID, msg any) error {
	return c.sendReduce(dest, handlerID, c.CurrentEpoch(), false, ids.Scope{}, ids.Stamp{}, msg)
}

// SendReduceMsg is like SendMsg but tags the envelope with the scope
// and stamp a collective.Reducer keys its pending contribution on.
func (c *Core) SendReduceMsg(dest ids.NodeID, handlerID ids.HandlerID, scope ids.Scope, stamp ids.Stamp, msg any) error {
	return c.sendReduce(dest, handlerID, c.CurrentEpoch(), true, scope, stamp, msg)
}

func (c *Core) sendReduce(dest ids.NodeID, handlerID ids.HandlerID, e epoch.Epoch, reduce bool, scope ids.Scope, stamp ids.Stamp, msg any) error {
	buf, err := c.marshal(handlerID, e, reduce, scope, stamp, msg)
	if err != nil {
		return err
	}
	if err := c.transport.Send(dest, buf); err != nil {
		return errors.Wrap(err, "messaging: send")
	}
	if c.termHook != nil && !e.IsNone() {
		c.termHook.Produce(e)
	}
	return nil
}

// BroadcastMsg delivers msg to every other process over the transport
// and, because a broadcasting process is itself a recipient of its own
// broadcast, dispatches the handler locally and synchronously instead
// of paying for a self-addressed send.
func (c *Core) BroadcastMsg(handlerID ids.HandlerID, msg any) error {
	e := c.CurrentEpoch()
	for n := 0; n < c.Size(); n++ {
		if ids.NodeID(n) == c.self {
			continue
		}
		if err := c.sendReduce(ids.NodeID(n), handlerID, e, false, ids.Scope{}, ids.Stamp{}, msg); err != nil {
			return err
		}
	}
	buf, err := c.marshal(handlerID, e, false, ids.Scope{}, ids.Stamp{}, msg)
	if err != nil {
		return err
	}
	return c.dispatchBuf(c.self, buf)
}

func (c *Core) dispatchBuf(from ids.NodeID, buf []byte) error {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return errors.Wrap(err, "messaging: unmarshal envelope")
	}
	c.mu.Lock()
	entry, ok := c.handlers[env.HandlerID]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("messaging: no handler registered for id %d", env.HandlerID)
	}
	c.pushEpoch(env.Epoch)
	err := entry.dispatch(from, env.Epoch, env)
	c.popEpoch()
	if c.termHook != nil && !env.Epoch.IsNone() {
		c.termHook.Consume(env.Epoch)
	}
	return err
}

// RunSchedulerOnce drains every buffer currently available on the
// transport and dispatches each to its handler. Returns the number of
// messages processed.
func (c *Core) RunSchedulerOnce() (int, error) {
	arrivals, err := c.transport.Probe()
	if err != nil {
		return 0, errors.Wrap(err, "messaging: probe")
	}
	for _, a := range arrivals {
		if err := c.dispatchBuf(a.Source, a.Buf); err != nil {
			return 0, err
		}
	}
	return len(arrivals), nil
}

// RunSchedulerWhile loops RunSchedulerOnce until cond returns false or
// ctx is done, pacing empty probes with the configured idle interval
// and firing the begin/end-loop, pending-loop, and begin/end-idle hooks.
func (c *Core) RunSchedulerWhile(ctx context.Context, cond func() bool) error {
	c.fireAll(c.onBeginLoop)
	defer c.fireAll(c.onEndLoop)

	t := timer.NewTimer(c.idleInterval)
	defer t.Stop()

	idle := false
	for cond() {
		c.fireAll(c.onPendingLoop)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := c.RunSchedulerOnce()
		if err != nil {
			return err
		}
		if n > 0 {
			if idle {
				c.fireAll(c.onEndIdle)
				idle = false
			}
			continue
		}
		if !idle {
			c.fireAll(c.onBeginIdle)
			idle = true
		}
		if !t.Reset(c.idleInterval) {
			t = timer.NewTimer(c.idleInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if idle {
		c.fireAll(c.onEndIdle)
	}
	return nil
}

// RunSchedulerNested recursively pumps the scheduler while cond holds,
// bounded by WithMaxNestedSchedulers so a handler that blocks waiting
// on a collective (e.g. Barrier.Wait) cannot recurse the goroutine
// stack without limit.
func (c *Core) RunSchedulerNested(ctx context.Context, cond func() bool) error {
	if err := c.nestedSem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "messaging: nested scheduler depth exceeded")
	}
	atomic.AddInt32(&c.schedDepth, 1)
	defer func() {
		atomic.AddInt32(&c.schedDepth, -1)
		c.nestedSem.Release(1)
	}()
	for cond() {
		n, err := c.RunSchedulerOnce()
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.idleInterval):
			}
		}
	}
	return nil
}

// SchedulerDepth reports the current nested-scheduler recursion depth.
func (c *Core) SchedulerDepth() int { return int(atomic.LoadInt32(&c.schedDepth)) }

// OnPendingSchedulerLoop registers fn to run once per RunSchedulerWhile
// loop iteration, for as long as cond keeps reporting work pending —
// unlike OnBeginSchedulerLoop/OnEndSchedulerLoop, which fire exactly
// once per RunSchedulerWhile call, this fires on every pass through
// the loop, idle or not.
func (c *Core) OnPendingSchedulerLoop(fn func()) { c.onPendingLoop = append(c.onPendingLoop, fn) }
func (c *Core) OnBeginSchedulerLoop(fn func())    { c.onBeginLoop = append(c.onBeginLoop, fn) }
func (c *Core) OnEndSchedulerLoop(fn func())      { c.onEndLoop = append(c.onEndLoop, fn) }
func (c *Core) OnBeginIdle(fn func())             { c.onBeginIdle = append(c.onBeginIdle, fn) }
func (c *Core) OnEndIdle(fn func())               { c.onEndIdle = append(c.onEndIdle, fn) }

func (c *Core) fireAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
