// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package topos implements the spanning tree (C1): given a membership
// and a fan-out, it yields each process's parent and children and lets
// callers walk or count the tree.
package topos

import "vtrun/ids"

// DefaultFanout is the k-ary fan-out used when none is specified.
const DefaultFanout = 2

// Tree is a k-ary spanning tree over a dense membership [0, numNodes).
// Construction is purely local arithmetic: every process computes the
// same parent/children given the same (numNodes, fanout), so no
// messages are exchanged to build it.
type Tree struct {
	self     ids.NodeID
	numNodes int
	fanout   int
}

// New builds the default tree spanning [0, numNodes) with node 0 as
// root and the given fan-out (must be >= 1; DefaultFanout if <= 0).
func New(self ids.NodeID, numNodes, fanout int) *Tree {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Tree{self: self, numNodes: numNodes, fanout: fanout}
}

// IsRoot reports whether self is the tree's root (node 0).
func (t *Tree) IsRoot() bool { return t.self == 0 }

// Parent returns self's parent, or ids.Uninitialized iff IsRoot().
func (t *Tree) Parent() ids.NodeID {
	if t.IsRoot() {
		return ids.Uninitialized
	}
	return ids.NodeID((int(t.self) - 1) / t.fanout)
}

// Children returns self's children in ascending order. Stable across
// calls and identical on every process given the same membership.
func (t *Tree) Children() []ids.NodeID {
	first := int(t.self)*t.fanout + 1
	var out []ids.NodeID
	for c := first; c < first+t.fanout && c < t.numNodes; c++ {
		out = append(out, ids.NodeID(c))
	}
	return out
}

// NumChildren is len(Children()) without allocating the slice.
func (t *Tree) NumChildren() int {
	first := int(t.self)*t.fanout + 1
	n := first + t.fanout
	if n > t.numNodes {
		n = t.numNodes
	}
	if n <= first {
		return 0
	}
	return n - first
}

// NumDescendants counts all nodes in the subtree rooted at self,
// excluding self, via bounded recursion over the k-ary structure.
func (t *Tree) NumDescendants() int {
	total := 0
	for _, c := range t.Children() {
		total += 1 + New(c, t.numNodes, t.fanout).NumDescendants()
	}
	return total
}

// EachDescendant invokes fn for every descendant of self (excluding
// self), depth-first, with bounded recursion depth O(log_fanout(numNodes)).
func (t *Tree) EachDescendant(fn func(ids.NodeID)) {
	for _, c := range t.Children() {
		fn(c)
		New(c, t.numNodes, t.fanout).EachDescendant(fn)
	}
}

// Self returns the node this tree view is rooted at locally.
func (t *Tree) Self() ids.NodeID { return t.self }

// NumNodes returns the membership size.
func (t *Tree) NumNodes() int { return t.numNodes }

// Fanout returns the configured fan-out.
func (t *Tree) Fanout() int { return t.fanout }
