// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package location implements the location manager (C7): one
// Coordinator per ids.EntityClass, tracking which process currently
// owns each entity of that class via a hashed home-node directory,
// a bounded cache of resolved remote locations, and hop-limited
// message forwarding for entities that have migrated since a sender's
// cached location was current.
package location

import (
	"context"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
)

// DefaultCacheSize bounds how many remote locations a Coordinator
// remembers. When full, the entry inserted earliest is evicted; a
// lookup or an update of an entry does not refresh its position.
const DefaultCacheSize = 4096

// DefaultMaxHops bounds how many times RouteMsg will forward a message
// to a newer location before giving up (spec.md: migration chains must
// not forward indefinitely).
const DefaultMaxHops = 8

// DefaultEagerThresholdBytes is RouteMsg's default eager/non-eager
// cutoff (spec.md §4.7/§6 eager_threshold_bytes): payloads smaller
// than this go straight to the entity's home; payloads at or above it
// resolve the current owner first so the payload itself only ever
// travels once.
const DefaultEagerThresholdBytes = 4096

type registerMsg struct {
	Entity ids.EntityID
	Node   ids.NodeID
}

type unregisterMsg struct {
	Entity ids.EntityID
}

type migratedMsg struct {
	Entity ids.EntityID
	From   ids.NodeID
	To     ids.NodeID
}

type getLocationMsg struct {
	Entity    ids.EntityID
	RequestID uint64
}

type getLocationReplyMsg struct {
	Entity    ids.EntityID
	Node      ids.NodeID
	RequestID uint64
	Known     bool
}

type routedMsg struct {
	Entity    ids.EntityID
	Hops      int
	HandlerID ids.HandlerID
	Payload   []byte
}

// getLocationWaiter is one remote requester parked in pendingGetLocation
// waiting on onGetLocation's directory miss to resolve.
type getLocationWaiter struct {
	From      ids.NodeID
	RequestID uint64
}

// routeAction is a non-eager RouteMsg's buffered payload, parked under
// the resolution request's id until the reply naming the current owner
// arrives.
type routeAction struct {
	Entity    ids.EntityID
	HandlerID ids.HandlerID
	Payload   []byte
}

// Coordinator is the per-class location directory and router.
type Coordinator struct {
	core                *messaging.Core
	self                ids.NodeID
	numNodes            int
	class               ids.EntityClass
	maxHops             int
	cacheCap            int
	eagerThresholdBytes int

	mu              sync.Mutex
	localRegistered map[ids.EntityID]bool
	recs            map[ids.EntityID]ids.NodeID // authoritative, held by the home node
	cache           map[ids.EntityID]ids.NodeID // insertion-ordered bounded cache of remotely-resolved locations
	cacheOrder      []ids.EntityID

	pending   map[uint64]chan getLocationReplyMsg
	nextReqID uint64

	// pendingGetLocation/pendingRouted: home-only. A directory miss for msg.Entity does
	// not fail the requester — it parks here until RegisterEntity/
	// RegisterEntityMigrated/onRegister/onMigrated learns where the
	// entity actually lives, at which point every parked waiter and
	// routed message is resolved and released (spec.md §4.7, §7).
	pendingGetLocation map[ids.EntityID][]getLocationWaiter
	pendingRouted      map[ids.EntityID][]routedMsg

	// pendingActions: a non-eager RouteMsg's payload, buffered locally
	// until the resolution request it sent to home replies.
	pendingActions map[uint64]routeAction

	registerHandlerID         ids.HandlerID
	unregisterHandlerID       ids.HandlerID
	migratedHandlerID         ids.HandlerID
	getLocationHandlerID      ids.HandlerID
	getLocationReplyHandlerID ids.HandlerID
	routedHandlerID           ids.HandlerID

	deliverFn func(from ids.NodeID, handlerID ids.HandlerID, payload []byte)
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithEagerThresholdBytes overrides DefaultEagerThresholdBytes.
func WithEagerThresholdBytes(n int) Option {
	return func(c *Coordinator) { c.eagerThresholdBytes = n }
}

// NewCoordinator builds a Coordinator for the given entity class. The
// numNodes parameter is the size of the hashed home-node ring. Call
// SetDeliverFn before traffic starts flowing — it is separate from
// construction because the owning manager (vrt.CollectionManager,
// rdma's index-scoped handle owner) typically needs this Coordinator
// to exist before it can build the closure it delivers into.
func NewCoordinator(core *messaging.Core, class ids.EntityClass, numNodes int, opts ...Option) *Coordinator {
	c := &Coordinator{
		core:                core,
		self:                core.Self(),
		numNodes:            numNodes,
		class:               class,
		maxHops:             DefaultMaxHops,
		cacheCap:            DefaultCacheSize,
		eagerThresholdBytes: DefaultEagerThresholdBytes,
		localRegistered:     map[ids.EntityID]bool{},
		recs:                map[ids.EntityID]ids.NodeID{},
		cache:               map[ids.EntityID]ids.NodeID{},
		pending:             map[uint64]chan getLocationReplyMsg{},
		pendingGetLocation:  map[ids.EntityID][]getLocationWaiter{},
		pendingRouted:       map[ids.EntityID][]routedMsg{},
		pendingActions:      map[uint64]routeAction{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registerHandlerID = messaging.RegisterHandler(core, c.onRegister)
	c.unregisterHandlerID = messaging.RegisterHandler(core, c.onUnregister)
	c.migratedHandlerID = messaging.RegisterHandler(core, c.onMigrated)
	c.getLocationHandlerID = messaging.RegisterHandler(core, c.onGetLocation)
	c.getLocationReplyHandlerID = messaging.RegisterHandler(core, c.onGetLocationReply)
	c.routedHandlerID = messaging.RegisterHandler(core, c.onRouted)
	return c
}

// SetDeliverFn sets the callback invoked when a routed message finally
// lands on its current owner.
func (c *Coordinator) SetDeliverFn(fn func(from ids.NodeID, handlerID ids.HandlerID, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverFn = fn
}

func (c *Coordinator) deliver(from ids.NodeID, handlerID ids.HandlerID, payload []byte) {
	c.mu.Lock()
	fn := c.deliverFn
	c.mu.Unlock()
	if fn != nil {
		fn(from, handlerID, payload)
	}
}

// homeNode is the hashed owner of entity's directory record: every
// process computes it identically with no coordination required.
func (c *Coordinator) homeNode(e ids.EntityID) ids.NodeID {
	h := xxhash.ChecksumString64(e.String())
	return ids.NodeID(h % uint64(c.numNodes))
}

func (c *Coordinator) cachePut(e ids.EntityID, node ids.NodeID) {
	if _, ok := c.cache[e]; !ok {
		if len(c.cacheOrder) >= c.cacheCap {
			evict := c.cacheOrder[0]
			c.cacheOrder = c.cacheOrder[1:]
			delete(c.cache, evict)
		}
		c.cacheOrder = append(c.cacheOrder, e)
	}
	c.cache[e] = node
}

// flushPending releases every request parked in pendingGetLocation and
// pendingRouted for e
// now that its location is known: answered getLocationMsg queries
// reply Known, and parked routedMsgs either deliver locally or
// continue toward node. Called on the home node only, once recs[e]
// has just been set to node.
func (c *Coordinator) flushPending(e ids.EntityID, node ids.NodeID) {
	c.mu.Lock()
	waiters := c.pendingGetLocation[e]
	delete(c.pendingGetLocation, e)
	routed := c.pendingRouted[e]
	delete(c.pendingRouted, e)
	c.mu.Unlock()

	for _, w := range waiters {
		_ = c.core.SendMsg(w.From, c.getLocationReplyHandlerID, getLocationReplyMsg{
			Entity: e, Node: node, RequestID: w.RequestID, Known: true,
		})
	}
	for _, rm := range routed {
		if rm.Hops >= c.maxHops {
			c.core.Log().Errorf("location: aborting parked routed message for %s after %d hops", e, rm.Hops)
			continue
		}
		if node == c.self {
			c.deliver(c.self, rm.HandlerID, rm.Payload)
			continue
		}
		if err := c.core.SendMsg(node, c.routedHandlerID, routedMsg{Entity: e, Hops: rm.Hops + 1, HandlerID: rm.HandlerID, Payload: rm.Payload}); err != nil {
			c.core.Log().Errorf("location: releasing parked routed message for %s: %v", e, err)
		}
	}
}

// RegisterEntity marks e as locally owned by this process and informs
// e's home node.
func (c *Coordinator) RegisterEntity(e ids.EntityID) error {
	c.mu.Lock()
	c.localRegistered[e] = true
	home := c.homeNode(e)
	c.mu.Unlock()

	if home == c.self {
		c.mu.Lock()
		c.recs[e] = c.self
		c.mu.Unlock()
		c.flushPending(e, c.self)
		return nil
	}
	return c.core.SendMsg(home, c.registerHandlerID, registerMsg{Entity: e, Node: c.self})
}

// UnregisterEntity removes e's registration; the home node forgets it.
func (c *Coordinator) UnregisterEntity(e ids.EntityID) error {
	c.mu.Lock()
	delete(c.localRegistered, e)
	home := c.homeNode(e)
	c.mu.Unlock()

	if home == c.self {
		c.mu.Lock()
		delete(c.recs, e)
		c.mu.Unlock()
		return nil
	}
	return c.core.SendMsg(home, c.unregisterHandlerID, unregisterMsg{Entity: e})
}

// EntityMigrated informs e's home node that e has moved from this
// process to to.
func (c *Coordinator) EntityMigrated(e ids.EntityID, to ids.NodeID) error {
	c.mu.Lock()
	delete(c.localRegistered, e)
	c.cachePut(e, to)
	home := c.homeNode(e)
	c.mu.Unlock()

	if home == c.self {
		c.mu.Lock()
		c.recs[e] = to
		c.mu.Unlock()
		c.flushPending(e, to)
		return nil
	}
	return c.core.SendMsg(home, c.migratedHandlerID, migratedMsg{Entity: e, From: c.self, To: to})
}

// RegisterEntityMigrated is the inverse of EntityMigrated, called on
// the destination once an entity finishes arriving: it both registers
// the entity locally and (if not already home) notifies the home node.
func (c *Coordinator) RegisterEntityMigrated(e ids.EntityID, from ids.NodeID) error {
	c.mu.Lock()
	c.localRegistered[e] = true
	c.cachePut(e, c.self)
	home := c.homeNode(e)
	c.mu.Unlock()

	if home == c.self {
		c.mu.Lock()
		c.recs[e] = c.self
		c.mu.Unlock()
		c.flushPending(e, c.self)
		return nil
	}
	return c.core.SendMsg(home, c.migratedHandlerID, migratedMsg{Entity: e, From: from, To: c.self})
}

func (c *Coordinator) onRegister(from ids.NodeID, _ epoch.Epoch, msg registerMsg) {
	c.mu.Lock()
	c.recs[msg.Entity] = msg.Node
	c.mu.Unlock()
	c.flushPending(msg.Entity, msg.Node)
}

func (c *Coordinator) onUnregister(from ids.NodeID, _ epoch.Epoch, msg unregisterMsg) {
	c.mu.Lock()
	delete(c.recs, msg.Entity)
	c.mu.Unlock()
}

func (c *Coordinator) onMigrated(from ids.NodeID, _ epoch.Epoch, msg migratedMsg) {
	c.mu.Lock()
	c.recs[msg.Entity] = msg.To
	c.mu.Unlock()
	c.flushPending(msg.Entity, msg.To)
}

// onGetLocation answers a remote GetLocation query. A directory miss
// is not a failure: the entity may simply not have registered with its
// home yet, a real race under the eager-registration-vs-routing
// pattern vrt.CollectionManager uses. The query parks in
// pendingGetLocation and is answered once onRegister/onMigrated (or a
// local RegisterEntity/RegisterEntityMigrated) learns the location.
func (c *Coordinator) onGetLocation(from ids.NodeID, _ epoch.Epoch, msg getLocationMsg) {
	c.mu.Lock()
	node, known := c.recs[msg.Entity]
	if !known {
		c.pendingGetLocation[msg.Entity] = append(c.pendingGetLocation[msg.Entity], getLocationWaiter{From: from, RequestID: msg.RequestID})
		c.mu.Unlock()
		c.core.Log().Warnf("location: %s not yet registered at home, parking query from node %d", msg.Entity, from)
		return
	}
	c.mu.Unlock()
	_ = c.core.SendMsg(from, c.getLocationReplyHandlerID, getLocationReplyMsg{
		Entity: msg.Entity, Node: node, RequestID: msg.RequestID, Known: true,
	})
}

func (c *Coordinator) onGetLocationReply(from ids.NodeID, _ epoch.Epoch, msg getLocationReplyMsg) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	action, hasAction := c.pendingActions[msg.RequestID]
	if hasAction {
		delete(c.pendingActions, msg.RequestID)
	}
	if msg.Known {
		c.cachePut(msg.Entity, msg.Node)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	if hasAction {
		c.sendRouteAction(action, msg.Node)
	}
}

// sendRouteAction delivers a non-eager RouteMsg's buffered payload now
// that its resolution reply named node as the current owner.
func (c *Coordinator) sendRouteAction(a routeAction, node ids.NodeID) {
	if node == c.self {
		c.deliver(c.self, a.HandlerID, a.Payload)
		return
	}
	if err := c.core.SendMsg(node, c.routedHandlerID, routedMsg{Entity: a.Entity, Hops: 0, HandlerID: a.HandlerID, Payload: a.Payload}); err != nil {
		c.core.Log().Errorf("location: sending non-eager routed payload for %s: %v", a.Entity, err)
	}
}

func (c *Coordinator) onRouted(from ids.NodeID, _ epoch.Epoch, msg routedMsg) {
	c.mu.Lock()
	local := c.localRegistered[msg.Entity]
	cached, haveCached := c.cache[msg.Entity]
	isHome := c.homeNode(msg.Entity) == c.self
	rec, knownByHome := c.recs[msg.Entity]
	c.mu.Unlock()

	if local {
		c.deliver(from, msg.HandlerID, msg.Payload)
		return
	}
	if msg.Hops >= c.maxHops {
		c.core.Log().Errorf("location: aborting routed message for %s after %d hops", msg.Entity, msg.Hops)
		return
	}
	if isHome && !knownByHome {
		// The entity hasn't registered at its home yet. This is the
		// same race onGetLocation parks for, not a failure: park the
		// message and let flushPending release it once recs learns
		// the entity's owner.
		c.mu.Lock()
		c.pendingRouted[msg.Entity] = append(c.pendingRouted[msg.Entity], msg)
		c.mu.Unlock()
		return
	}
	// The home node's directory (recs) is authoritative and takes
	// priority over a merely cached belief, since a stale cache is
	// exactly what a home node's recs exists to correct.
	var next ids.NodeID
	switch {
	case isHome && knownByHome:
		next = rec
	case haveCached:
		next = cached
	default:
		next = c.homeNode(msg.Entity)
	}
	_ = c.core.SendMsg(next, c.routedHandlerID, routedMsg{
		Entity: msg.Entity, Hops: msg.Hops + 1, HandlerID: msg.HandlerID, Payload: msg.Payload,
	})
}

// GetLocation resolves e's current owning process, consulting the
// local cache first and otherwise querying the home node and blocking
// (pumping the nested scheduler) until the reply arrives.
func (c *Coordinator) GetLocation(ctx context.Context, e ids.EntityID) (ids.NodeID, error) {
	c.mu.Lock()
	if node, ok := c.cache[e]; ok {
		c.mu.Unlock()
		return node, nil
	}
	home := c.homeNode(e)
	if home == c.self {
		node, known := c.recs[e]
		c.mu.Unlock()
		if !known {
			return ids.Uninitialized, errors.Errorf("location: entity %s has no registered location", e)
		}
		return node, nil
	}
	c.nextReqID++
	reqID := c.nextReqID
	ch := make(chan getLocationReplyMsg, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	if err := c.core.SendMsg(home, c.getLocationHandlerID, getLocationMsg{Entity: e, RequestID: reqID}); err != nil {
		return ids.Uninitialized, err
	}

	var reply getLocationReplyMsg
	var got bool
	err := c.core.RunSchedulerNested(ctx, func() bool {
		select {
		case reply = <-ch:
			got = true
			return false
		default:
			return !got
		}
	})
	if err != nil {
		return ids.Uninitialized, err
	}
	if !reply.Known {
		return ids.Uninitialized, errors.Errorf("location: entity %s has no registered location", e)
	}
	return reply.Node, nil
}

// RouteMsg delivers handlerID's payload to e's current owner, choosing
// between eager and non-eager dispatch by payload size
// (eagerThresholdBytes, spec.md §4.7/§6).
//
// Eager (len(payload) < eagerThresholdBytes): the payload goes straight
// to e's home, bypassing any cached belief, since home's own directory
// is what resolves a stale cache in the first place. Home either
// delivers it locally, forwards it to e's current owner (hop-limited),
// or parks it if e hasn't registered yet.
//
// Non-eager (len(payload) >= eagerThresholdBytes): RouteMsg resolves
// the current owner first with a small query, buffering the payload
// locally under that query's request id, so the payload itself only
// ever crosses the network once instead of riding every forwarding hop
// at full size.
func (c *Coordinator) RouteMsg(e ids.EntityID, handlerID ids.HandlerID, payload []byte) error {
	c.mu.Lock()
	local := c.localRegistered[e]
	c.mu.Unlock()

	if local {
		c.deliver(c.self, handlerID, payload)
		return nil
	}

	if len(payload) < c.eagerThresholdBytes {
		return c.core.SendMsg(c.homeNode(e), c.routedHandlerID, routedMsg{Entity: e, Hops: 0, HandlerID: handlerID, Payload: payload})
	}

	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	c.pendingActions[reqID] = routeAction{Entity: e, HandlerID: handlerID, Payload: payload}
	c.mu.Unlock()
	return c.core.SendMsg(c.homeNode(e), c.getLocationHandlerID, getLocationMsg{Entity: e, RequestID: reqID})
}
