// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package vrt

import (
	"sync"

	"github.com/pkg/errors"

	"vtrun/epoch"
	"vtrun/ids"
	"vtrun/messaging"
)

// ObjGroupListener receives messages addressed to this process's
// instance of an object group.
type ObjGroupListener func(from ids.NodeID, payload []byte)

type objGroupState struct {
	mu       sync.Mutex
	listener ObjGroupListener
}

type objGroupEnvelope struct {
	Proxy ids.ObjGroupProxy
	Body  []byte
}

// ObjGroupManager constructs process-wide object groups: unlike a
// collection, an object group has exactly one instance per process,
// owned by that process for its entire lifetime — no mapping function,
// location directory, or migration is needed, only a proxy every
// process agrees to allocate identically.
type ObjGroupManager struct {
	core     *messaging.Core
	self     ids.NodeID
	numNodes int

	mu        sync.Mutex
	nextProxy uint64
	groups    map[ids.ObjGroupProxy]*objGroupState

	msgHandlerID ids.HandlerID
}

// NewObjGroupManager builds an ObjGroupManager for a numNodes-process run.
func NewObjGroupManager(core *messaging.Core, numNodes int) *ObjGroupManager {
	m := &ObjGroupManager{
		core:     core,
		self:     core.Self(),
		numNodes: numNodes,
		groups:   map[ids.ObjGroupProxy]*objGroupState{},
	}
	m.msgHandlerID = messaging.RegisterHandler(core, m.onMsg)
	return m
}

// MakeObjGroup allocates a new object group proxy. Every process must
// call MakeObjGroup the same number of times in the same order so the
// allocated proxy means the same thing everywhere, exactly as handler
// registration order must agree across processes.
func (m *ObjGroupManager) MakeObjGroup() ids.ObjGroupProxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextProxy++
	proxy := ids.ObjGroupProxy(m.nextProxy)
	m.groups[proxy] = &objGroupState{}
	return proxy
}

// RegisterListener sets the callback invoked for messages addressed to
// this process's instance of proxy.
func (m *ObjGroupManager) RegisterListener(proxy ids.ObjGroupProxy, fn ObjGroupListener) error {
	m.mu.Lock()
	st, ok := m.groups[proxy]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("vrt: unknown objgroup proxy %d", proxy)
	}
	st.mu.Lock()
	st.listener = fn
	st.mu.Unlock()
	return nil
}

func (m *ObjGroupManager) onMsg(from ids.NodeID, e epoch.Epoch, env objGroupEnvelope) {
	m.mu.Lock()
	st, ok := m.groups[env.Proxy]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	listener := st.listener
	st.mu.Unlock()
	if listener != nil {
		listener(from, env.Body)
	}
}

// Send delivers body to dest's instance of proxy.
func (m *ObjGroupManager) Send(proxy ids.ObjGroupProxy, dest ids.NodeID, body []byte) error {
	return m.core.SendMsg(dest, m.msgHandlerID, objGroupEnvelope{Proxy: proxy, Body: body})
}

// Broadcast delivers body to every process's instance of proxy,
// including this process's own.
func (m *ObjGroupManager) Broadcast(proxy ids.ObjGroupProxy, body []byte) error {
	for n := 0; n < m.numNodes; n++ {
		if ids.NodeID(n) == m.self {
			continue
		}
		if err := m.Send(proxy, ids.NodeID(n), body); err != nil {
			return err
		}
	}
	m.mu.Lock()
	st, ok := m.groups[proxy]
	m.mu.Unlock()
	if ok {
		st.mu.Lock()
		listener := st.listener
		st.mu.Unlock()
		if listener != nil {
			listener(m.self, body)
		}
	}
	return nil
}
