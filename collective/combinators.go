// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package collective implements the spanning-tree reducer (C5) and
// the barrier/collective-scope machinery (C6): Reduce/AllReduce over
// a topos.Tree, named and unnamed barriers, and the MPI-safe
// tag-agreement sequencing collections and object groups rely on to
// keep a collective call correctly ordered across every process.
//
// The combine-operator set below is adapted from the teacher's plugin
// registry pattern (a fixed table of named, composable strategies)
// generalized to Go generics instead of an interface-typed registry,
// since every operator here is a pure pairwise fold with no setup state.
package collective

// Number is the set of built-in types PlusOp/MaxOp/MinOp operate over.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// PlusOp sums two contributions.
func PlusOp[T Number](a, b T) T { return a + b }

// MaxOp keeps the larger of two contributions.
func MaxOp[T Number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// MinOp keeps the smaller of two contributions.
func MinOp[T Number](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// OrOp is the logical-or reduction. collective.Barrier uses it as the
// combine function of its bool Reducer.
func OrOp(a, b bool) bool { return a || b }

// AndOp is the logical-and reduction, for "did everyone agree" votes.
func AndOp(a, b bool) bool { return a && b }
