// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package vrt implements the collection / object-group manager (C8):
// overdecomposed virtual entities spread across processes by a mapping
// function, addressed through location.Coordinator, with migration and
// a builder-style construction API mirroring spec.md's
// MakeCollective().Bounds().BulkInsert().Wait() call chain.
package vrt

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"vtrun/collective"
	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/location"
	"vtrun/messaging"
	"vtrun/topos"
)

// MapFunc assigns element index to an owning process out of numNodes.
// DefaultMap is a simple round robin; CollectionManager.MakeCollective
// callers may supply a hash-based or block-cyclic mapping instead via
// CollectiveBuilder.MapFunc — generalizing the teacher's single
// plugin-selectable strategy into a caller-supplied function value.
type MapFunc func(index uint64, numNodes int) ids.NodeID

// DefaultMap distributes indices round robin across processes.
func DefaultMap(index uint64, numNodes int) ids.NodeID {
	return ids.NodeID(index % uint64(numNodes))
}

// ElementListener is invoked for every message (Send, Broadcast, or a
// migrated element's payload) addressed to a specific element index.
type ElementListener func(from ids.NodeID, index uint64, payload []byte)

type collectionState struct {
	proxy  ids.CollectionProxy
	bounds uint64
	mapFn  MapFunc

	mu           sync.Mutex
	localIndices map[uint64]bool
	listener     ElementListener
}

type elementEnvelope struct {
	Proxy ids.CollectionProxy
	Index uint64
	Body  []byte
}

type migrateMsg struct {
	Proxy ids.CollectionProxy
	Index uint64
	From  ids.NodeID
	Body  []byte
}

// CollectionManager owns every collection created via MakeCollective
// on this process, and the single location.Coordinator that tracks
// where each element currently lives.
type CollectionManager struct {
	core     *messaging.Core
	tree     *topos.Tree
	coord    *location.Coordinator
	self     ids.NodeID
	numNodes int

	mu          sync.Mutex
	nextProxy   uint64
	collections map[ids.CollectionProxy]*collectionState

	sendHandlerID    ids.HandlerID
	migrateHandlerID ids.HandlerID
}

// NewCollectionManager builds a CollectionManager over tree, routing
// element traffic through coord (a location.Coordinator constructed
// for ids.ClassCollection; its deliver callback is wired here).
func NewCollectionManager(core *messaging.Core, tree *topos.Tree, coord *location.Coordinator) *CollectionManager {
	m := &CollectionManager{
		core:        core,
		tree:        tree,
		coord:       coord,
		self:        core.Self(),
		numNodes:    tree.NumNodes(),
		collections: map[ids.CollectionProxy]*collectionState{},
	}
	m.sendHandlerID = messaging.RegisterHandler(core, m.onElementMsg)
	m.migrateHandlerID = messaging.RegisterHandler(core, m.onMigrateArrival)
	coord.SetDeliverFn(m.onRoutedDeliver)
	return m
}

func (m *CollectionManager) onRoutedDeliver(from ids.NodeID, handlerID ids.HandlerID, payload []byte) {
	var env elementEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	m.dispatchElement(from, env)
}

func (m *CollectionManager) onElementMsg(from ids.NodeID, e epoch.Epoch, env elementEnvelope) {
	m.dispatchElement(from, env)
}

func (m *CollectionManager) dispatchElement(from ids.NodeID, env elementEnvelope) {
	m.mu.Lock()
	st, ok := m.collections[env.Proxy]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	listener := st.listener
	st.mu.Unlock()
	if listener != nil {
		listener(from, env.Index, env.Body)
	}
}

func (m *CollectionManager) onMigrateArrival(from ids.NodeID, e epoch.Epoch, msg migrateMsg) {
	m.mu.Lock()
	st, ok := m.collections[msg.Proxy]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.localIndices[msg.Index] = true
	listener := st.listener
	st.mu.Unlock()
	_ = m.coord.RegisterEntityMigrated(m.entityFor(st, msg.Index), msg.From)
	if listener != nil {
		listener(from, msg.Index, msg.Body)
	}
}

func (m *CollectionManager) entityFor(st *collectionState, index uint64) ids.EntityID {
	return ids.CollectionElement(uint64(st.proxy), index, st.mapFn(index, m.numNodes))
}

// CollectiveBuilder constructs one collection, agreed upon and bulk
// inserted in the same collective call every process must make
// together: MakeCollective().Bounds(n).BulkInsert().Wait(ctx).
type CollectiveBuilder struct {
	m      *CollectionManager
	proxy  ids.CollectionProxy
	bounds uint64
	mapFn  MapFunc
}

// MakeCollective begins constructing a new collection, allocating it a
// proxy agreed identically by every process (deterministic: every
// process calls MakeCollective the same number of times in the same
// order, exactly as handler registration is required to be collective
// and ordered).
func (m *CollectionManager) MakeCollective() *CollectiveBuilder {
	m.mu.Lock()
	m.nextProxy++
	proxy := ids.CollectionProxy(m.nextProxy)
	m.mu.Unlock()
	return &CollectiveBuilder{m: m, proxy: proxy, mapFn: DefaultMap}
}

// Bounds sets the dense element count [0, n).
func (b *CollectiveBuilder) Bounds(n uint64) *CollectiveBuilder {
	b.bounds = n
	return b
}

// MapFunc overrides the default round-robin element-to-process mapping.
func (b *CollectiveBuilder) MapFunc(fn MapFunc) *CollectiveBuilder {
	b.mapFn = fn
	return b
}

// BulkInsert registers every element this process owns (per the
// mapping function) with the location manager.
func (b *CollectiveBuilder) BulkInsert() *CollectiveBuilder {
	st := &collectionState{proxy: b.proxy, bounds: b.bounds, mapFn: b.mapFn, localIndices: map[uint64]bool{}}
	b.m.mu.Lock()
	b.m.collections[b.proxy] = st
	b.m.mu.Unlock()

	for idx := uint64(0); idx < b.bounds; idx++ {
		if b.mapFn(idx, b.m.numNodes) != b.m.self {
			continue
		}
		st.mu.Lock()
		st.localIndices[idx] = true
		st.mu.Unlock()
		_ = b.m.coord.RegisterEntity(b.m.entityFor(st, idx))
	}
	return b
}

// Wait blocks until every process has finished its BulkInsert for this
// collection, then returns the usable proxy.
func (b *CollectiveBuilder) Wait(ctx context.Context) (ids.CollectionProxy, error) {
	scope := collective.NewCollectiveScope(b.m.core, b.m.tree, uint64(b.proxy))
	stamp := scope.MpiCollectiveAsync(0)
	if _, err := scope.MpiCollectiveWait(ctx, stamp); err != nil {
		return 0, err
	}
	return b.proxy, nil
}

// RegisterElementListener sets the callback that receives every
// message addressed to an element of proxy, regardless of which index
// it targets or whether it arrived directly or via routing/migration.
func (m *CollectionManager) RegisterElementListener(proxy ids.CollectionProxy, fn ElementListener) error {
	m.mu.Lock()
	st, ok := m.collections[proxy]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("vrt: unknown collection proxy %d", proxy)
	}
	st.mu.Lock()
	st.listener = fn
	st.mu.Unlock()
	return nil
}

// Send delivers body to one element, routed through the location
// manager so it still arrives correctly after a migration.
func (m *CollectionManager) Send(proxy ids.CollectionProxy, index uint64, body []byte) error {
	m.mu.Lock()
	st, ok := m.collections[proxy]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("vrt: unknown collection proxy %d", proxy)
	}
	buf, err := json.Marshal(elementEnvelope{Proxy: proxy, Index: index, Body: body})
	if err != nil {
		return errors.Wrap(err, "vrt: marshal element envelope")
	}
	return m.coord.RouteMsg(m.entityFor(st, index), m.sendHandlerID, buf)
}

// Broadcast delivers body to every element of proxy.
func (m *CollectionManager) Broadcast(proxy ids.CollectionProxy, body []byte) error {
	m.mu.Lock()
	st, ok := m.collections[proxy]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("vrt: unknown collection proxy %d", proxy)
	}
	for idx := uint64(0); idx < st.bounds; idx++ {
		if err := m.Send(proxy, idx, body); err != nil {
			return err
		}
	}
	return nil
}

// ReduceScope returns the (ids.Scope, ids.Stamp) pair every element of
// proxy should contribute to under a collective.Reducer for round, so
// a reduction over an entire collection's elements shares one
// consistent identity across every process.
func (m *CollectionManager) ReduceScope(proxy ids.CollectionProxy, round uint64) (ids.Scope, ids.Stamp) {
	return ids.Scope{Kind: ids.ScopeVirtualProxy, ID: uint64(proxy)}, ids.Stamp{Kind: ids.StampSequence, A: round}
}

// MigrateElement moves index's ownership from this process to to,
// carrying its serialized state in payload. The receiving process must
// host a CollectionManager for the same proxy to pick it up.
func (m *CollectionManager) MigrateElement(proxy ids.CollectionProxy, index uint64, to ids.NodeID, payload []byte) error {
	m.mu.Lock()
	st, ok := m.collections[proxy]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("vrt: unknown collection proxy %d", proxy)
	}
	st.mu.Lock()
	delete(st.localIndices, index)
	st.mu.Unlock()

	if err := m.coord.EntityMigrated(m.entityFor(st, index), to); err != nil {
		return err
	}
	return m.core.SendMsg(to, m.migrateHandlerID, migrateMsg{Proxy: proxy, Index: index, From: m.self, Body: payload})
}

// LocalIndices returns the indices of proxy currently owned by this
// process.
func (m *CollectionManager) LocalIndices(proxy ids.CollectionProxy) ([]uint64, error) {
	m.mu.Lock()
	st, ok := m.collections[proxy]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("vrt: unknown collection proxy %d", proxy)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]uint64, 0, len(st.localIndices))
	for idx := range st.localIndices {
		out = append(out, idx)
	}
	return out, nil
}
