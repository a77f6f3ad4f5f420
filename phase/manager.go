// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package phase implements the phase manager (C12): it advances a
// shared phase counter in lockstep across every process, running
// registered hooks around the transition and bracketing it with two
// barriers so no process starts the next phase before every other has
// finished the current one.
package phase

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"vtrun/collective"
	"vtrun/messaging"
	"vtrun/topos"
)

// Hook identifies where in a phase transition a registered callback runs.
type Hook int

const (
	// HookEnd runs once the current phase's barrier has released, before
	// cur_phase_ is incremented.
	HookEnd Hook = iota
	// HookEndPostMigration runs after HookEnd, still before the
	// increment — the last chance to react once load-balancing
	// migrations for the ending phase have landed.
	HookEndPostMigration
	// HookStart runs immediately after the phase counter advances.
	HookStart
)

// HookID identifies a registered hook for later Unregister.
type HookID struct {
	Type       Hook
	id         uint64
	collective bool
}

// ErrReentrantNextPhase is returned by NextPhaseCollective if it is
// called again before a prior call has returned.
var ErrReentrantNextPhase = errors.New("phase: NextPhaseCollective invoked while already in progress")

// Manager drives the shared phase counter (spec §4.12).
type Manager struct {
	core     *messaging.Core
	tree     *topos.Tree
	endBar   *collective.Barrier
	startBar *collective.Barrier

	mu               sync.Mutex
	curPhase         uint64
	inNextPhase      bool
	nextCollectiveID uint64
	nextRootedID     uint64
	collectiveHooks  map[Hook]map[uint64]func()
	rootedHooks      map[Hook]map[uint64]func()
}

// NewManager builds a Manager over core/tree, starting at phase 0.
func NewManager(core *messaging.Core, tree *topos.Tree) *Manager {
	return &Manager{
		core:            core,
		tree:            tree,
		endBar:          collective.NewBarrier(core, tree),
		startBar:        collective.NewBarrier(core, tree),
		collectiveHooks: map[Hook]map[uint64]func(){},
		rootedHooks:     map[Hook]map[uint64]func(){},
	}
}

// CurrentPhase returns the phase this process is currently in.
func (m *Manager) CurrentPhase() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curPhase
}

// RegisterHookCollective registers fn to run on every process whenever
// hook fires. Must not be called while NextPhaseCollective is in progress.
func (m *Manager) RegisterHookCollective(hook Hook, fn func()) (HookID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inNextPhase {
		return HookID{}, errors.New("phase: cannot register a hook while NextPhaseCollective is in progress")
	}
	id := m.nextCollectiveID
	m.nextCollectiveID++
	if m.collectiveHooks[hook] == nil {
		m.collectiveHooks[hook] = map[uint64]func(){}
	}
	m.collectiveHooks[hook][id] = fn
	return HookID{Type: hook, id: id, collective: true}, nil
}

// RegisterHookRooted registers fn to run only on the tree's root
// process whenever hook fires. Must not be called while
// NextPhaseCollective is in progress.
func (m *Manager) RegisterHookRooted(hook Hook, fn func()) (HookID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inNextPhase {
		return HookID{}, errors.New("phase: cannot register a hook while NextPhaseCollective is in progress")
	}
	id := m.nextRootedID
	m.nextRootedID++
	if m.rootedHooks[hook] == nil {
		m.rootedHooks[hook] = map[uint64]func(){}
	}
	m.rootedHooks[hook][id] = fn
	return HookID{Type: hook, id: id, collective: false}, nil
}

// UnregisterHook removes a previously registered hook.
func (m *Manager) UnregisterHook(hid HookID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inNextPhase {
		return errors.New("phase: cannot unregister a hook while NextPhaseCollective is in progress")
	}
	hooks := m.collectiveHooks
	if !hid.collective {
		hooks = m.rootedHooks
	}
	byID, ok := hooks[hid.Type]
	if !ok {
		return errors.New("phase: unknown hook type")
	}
	if _, ok := byID[hid.id]; !ok {
		return errors.New("phase: unknown hook id")
	}
	delete(byID, hid.id)
	return nil
}

// Startup runs HookStart once, for the very first phase, before any
// call to NextPhaseCollective.
func (m *Manager) Startup() {
	m.runHooks(HookStart)
}

// NextPhaseCollective implements spec §4.12's 6-step ordering: barrier,
// End hooks, EndPostMigration hooks, advance the phase counter, Start
// hooks, barrier. Every process must call this in lockstep; concurrent
// re-entry on the same process returns ErrReentrantNextPhase.
func (m *Manager) NextPhaseCollective(ctx context.Context) error {
	m.mu.Lock()
	if m.inNextPhase {
		m.mu.Unlock()
		return ErrReentrantNextPhase
	}
	m.inNextPhase = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inNextPhase = false
		m.mu.Unlock()
	}()

	if err := m.endBar.Wait(ctx); err != nil {
		return errors.Wrap(err, "phase: end-of-phase barrier")
	}

	m.runHooks(HookEnd)
	m.runHooks(HookEndPostMigration)

	m.mu.Lock()
	m.curPhase++
	m.mu.Unlock()

	m.runHooks(HookStart)

	if err := m.startBar.Wait(ctx); err != nil {
		return errors.Wrap(err, "phase: start-of-phase barrier")
	}
	return nil
}

// runHooks fires rooted hooks (root process only) before collective
// hooks (every process), each in ascending registration-id order for
// determinism, mirroring how the teacher's own hook maps iterate.
func (m *Manager) runHooks(hook Hook) {
	m.mu.Lock()
	isRoot := m.tree.IsRoot()
	rooted := sortedFuncs(m.rootedHooks[hook])
	coll := sortedFuncs(m.collectiveHooks[hook])
	m.mu.Unlock()

	if isRoot {
		for _, fn := range rooted {
			fn()
		}
	}
	for _, fn := range coll {
		fn()
	}
}

func sortedFuncs(byID map[uint64]func()) []func() {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(), len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}
