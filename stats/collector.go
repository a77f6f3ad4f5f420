// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package stats implements the statistics collector (C10): per-element
// per-phase/subphase timing, a communication-edge byte map, a
// focused-subphase override for load reporting, and release of history
// older than a configurable look-back window.
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"vtrun/ids"
)

// PhaseID and SubphaseID are opaque monotone counters. Collector
// advances its own PhaseID through UpdatePhase; callers pass the
// SubphaseID to StartTime.
type PhaseID uint64
type SubphaseID uint64

// CommKind distinguishes the edge shapes recvComm can be keyed by.
type CommKind uint8

const (
	CommCollectionToCollection CommKind = iota
	CommNodeToCollection
	CommBroadcast
)

// CommKey identifies one communication edge within a phase.
type CommKey struct {
	Kind CommKind
	From ids.EntityID
	To   ids.EntityID
}

type elementStats struct {
	phaseTimings    map[PhaseID]time.Duration
	subphaseTimings map[PhaseID]map[SubphaseID]time.Duration
	commBytes       map[PhaseID]map[CommKey]uint64
}

func newElementStats() *elementStats {
	return &elementStats{
		phaseTimings:    map[PhaseID]time.Duration{},
		subphaseTimings: map[PhaseID]map[SubphaseID]time.Duration{},
		commBytes:       map[PhaseID]map[CommKey]uint64{},
	}
}

// running is an in-flight startTime/stopTime bracket.
type running struct {
	phase    PhaseID
	subphase SubphaseID
	start    time.Time
}

// Collector is a per-process statistics store: every element this
// process has ever hosted keeps its own timing and comm history, never
// shared with another process except through lb.Framework's reduction.
type Collector struct {
	mu       sync.Mutex
	curPhase PhaseID
	elements map[ids.EntityID]*elementStats
	focused  map[uint64]SubphaseID // keyed by collection proxy (ids.EntityID.Proxy)
	inFlight map[ids.EntityID]*running
	onRecord func(e ids.EntityID, phase PhaseID, d time.Duration) // optional exporter hook
}

// NewCollector builds an empty Collector starting at phase 0.
func NewCollector() *Collector {
	return &Collector{
		elements: map[ids.EntityID]*elementStats{},
		focused:  map[uint64]SubphaseID{},
		inFlight: map[ids.EntityID]*running{},
	}
}

func (c *Collector) entry(e ids.EntityID) *elementStats {
	st, ok := c.elements[e]
	if !ok {
		st = newElementStats()
		c.elements[e] = st
	}
	return st
}

// StartTime marks the beginning of a handler invocation for e in the
// current phase/subphase. Only one bracket may be open per element at
// a time, matching the run-to-completion scheduling model.
func (c *Collector) StartTime(e ids.EntityID, subphase SubphaseID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[e] = &running{phase: c.curPhase, subphase: subphase, start: time.Now()}
}

// StopTime closes the bracket opened by StartTime, accumulating the
// elapsed duration into both the phase and subphase timing tables.
func (c *Collector) StopTime(e ids.EntityID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.inFlight[e]
	if !ok {
		return 0
	}
	delete(c.inFlight, e)
	d := time.Since(r.start)

	st := c.entry(e)
	st.phaseTimings[r.phase] += d
	sub, ok := st.subphaseTimings[r.phase]
	if !ok {
		sub = map[SubphaseID]time.Duration{}
		st.subphaseTimings[r.phase] = sub
	}
	sub[r.subphase] += d

	if c.onRecord != nil {
		c.onRecord(e, r.phase, d)
	}
	return d
}

// RecvComm records bytes transferred across key during the current
// phase, attributed to e's comm-edge table.
func (c *Collector) RecvComm(e ids.EntityID, key CommKey, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.entry(e)
	m, ok := st.commBytes[c.curPhase]
	if !ok {
		m = map[CommKey]uint64{}
		st.commBytes[c.curPhase] = m
	}
	m[key] += bytes
}

// UpdatePhase advances the local phase counter by inc.
// runtime.Runtime.NextPhase calls this once per process, after
// phase.Manager's collective transition returns — stats.Collector has
// no collective logic of its own.
func (c *Collector) UpdatePhase(inc uint64) PhaseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curPhase += PhaseID(inc)
	return c.curPhase
}

// CurrentPhase returns the local phase counter.
func (c *Collector) CurrentPhase() PhaseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curPhase
}

// SetFocusedSubphase directs LoadFor to report a collection's chosen
// subphase load instead of its total phase load.
func (c *Collector) SetFocusedSubphase(proxy uint64, subphase SubphaseID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused[proxy] = subphase
}

// LoadFor returns e's reportable load for phase: the focused
// subphase's duration if e's collection has one set, else the total
// phase duration.
func (c *Collector) LoadFor(e ids.EntityID, phase PhaseID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.elements[e]
	if !ok {
		return 0
	}
	if sub, ok := c.focused[e.Proxy]; ok {
		if m, ok := st.subphaseTimings[phase]; ok {
			return m[sub]
		}
		return 0
	}
	return st.phaseTimings[phase]
}

// ReleaseStatsFromUnneededPhases discards per-element history for any
// phase older than phase-lookBack, bounding memory for long runs.
func (c *Collector) ReleaseStatsFromUnneededPhases(phase PhaseID, lookBack uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(phase) < lookBack {
		return
	}
	cutoff := PhaseID(uint64(phase) - lookBack)
	for e, st := range c.elements {
		for p := range st.phaseTimings {
			if p < cutoff {
				delete(st.phaseTimings, p)
				delete(st.subphaseTimings, p)
				delete(st.commBytes, p)
			}
		}
		if len(st.phaseTimings) == 0 && len(st.subphaseTimings) == 0 && len(st.commBytes) == 0 {
			delete(c.elements, e)
		}
	}
}

// Elements returns every entity this process currently keeps history
// for, used by lb.Framework to build the per-element load table.
func (c *Collector) Elements() []ids.EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ids.EntityID, 0, len(c.elements))
	for e := range c.elements {
		out = append(out, e)
	}
	return out
}

// WriteRecords writes every retained element's per-phase load and
// comm-edge byte counts as CSV-like lines ("phase,<entity>,<phase>,<ns>"
// and "comm,<entity>,<phase>,<kind>,<from>,<to>,<bytes>"), sorted by
// entity and phase for deterministic diffs across runs.
func (c *Collector) WriteRecords(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entities := make([]ids.EntityID, 0, len(c.elements))
	for e := range c.elements {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].String() < entities[j].String() })

	for _, e := range entities {
		st := c.elements[e]
		phases := make([]PhaseID, 0, len(st.phaseTimings))
		for p := range st.phaseTimings {
			phases = append(phases, p)
		}
		sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })

		for _, p := range phases {
			if _, err := fmt.Fprintf(w, "phase,%s,%d,%d\n", e.String(), p, st.phaseTimings[p].Nanoseconds()); err != nil {
				return err
			}
			edges := st.commBytes[p]
			keys := make([]CommKey, 0, len(edges))
			for k := range edges {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				if keys[i].Kind != keys[j].Kind {
					return keys[i].Kind < keys[j].Kind
				}
				if keys[i].From.String() != keys[j].From.String() {
					return keys[i].From.String() < keys[j].From.String()
				}
				return keys[i].To.String() < keys[j].To.String()
			})
			for _, k := range keys {
				if _, err := fmt.Fprintf(w, "comm,%s,%d,%d,%s,%s,%d\n", e.String(), p, k.Kind, k.From.String(), k.To.String(), edges[k]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// onRecordHook wires an observer (e.g. the prometheus exporter) that
// fires every time StopTime closes a bracket.
func (c *Collector) onRecordHook(fn func(e ids.EntityID, phase PhaseID, d time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecord = fn
}
