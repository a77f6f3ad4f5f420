// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package epoch

import (
	"testing"

	"vtrun/ids"
)

func TestGenerateBitAccessors(t *testing.T) {
	cases := []struct {
		name     string
		rooted   bool
		root     ids.NodeID
		category Category
		seq      uint32
	}{
		{"rooted-basic", true, 3, 5, 42},
		{"collective-basic", false, ids.Uninitialized, 1, 1000},
		{"max-seq", true, 0, 2, ^uint32(0) >> (32 - seqBits)},
		{"category-zero", false, ids.Uninitialized, 0, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := Generate(c.rooted, c.root, c.category, c.seq)
			if e.IsRooted() != c.rooted {
				t.Fatalf("IsRooted() = %v, want %v", e.IsRooted(), c.rooted)
			}
			if e.Category() != c.category {
				t.Fatalf("Category() = %v, want %v", e.Category(), c.category)
			}
			if c.rooted && e.Node() != c.root {
				t.Fatalf("Node() = %v, want %v", e.Node(), c.root)
			}
			if e.Sequence() != c.seq {
				t.Fatalf("Sequence() = %v, want %v", e.Sequence(), c.seq)
			}
		})
	}
}

func TestArchetypeClearsSequenceOnly(t *testing.T) {
	e1 := Generate(true, 4, 7, 100)
	e2 := Generate(true, 4, 7, 200)
	if e1.Archetype() != e2.Archetype() {
		t.Fatalf("epochs with equal (rooted,category,node) must share an archetype")
	}
	e3 := Generate(true, 5, 7, 100)
	if e1.Archetype() == e3.Archetype() {
		t.Fatalf("epochs with different root node must have different archetypes")
	}
}

func TestWithSequenceRoundtrip(t *testing.T) {
	e := Generate(true, 2, 9, 11)
	e2 := e.WithSequence(12)
	if e2.Sequence() != 12 {
		t.Fatalf("WithSequence did not change sequence")
	}
	if e2.Archetype() != e.Archetype() {
		t.Fatalf("WithSequence must preserve archetype")
	}
}

func TestNoneSentinelOnlyFromReservedCategory(t *testing.T) {
	// None reserves the all-ones category; Generate must never be asked
	// to produce it through ordinary category allocation (categories are
	// allocated by callers starting from 0).
	e := Generate(true, ids.NodeID(1<<nodeBits-1), noEpochCategory, ^uint32(0))
	if e != None {
		t.Fatalf("expected reserved category+max fields to equal None, got %#x want %#x", e, None)
	}
	if !None.IsNone() {
		t.Fatalf("None.IsNone() = false")
	}
	ordinary := Generate(true, 0, 0, 0)
	if ordinary.IsNone() {
		t.Fatalf("an ordinary epoch must not be considered None")
	}
}
