// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package epoch

import "sort"

// interval is an inclusive [lo, hi] range of sequence numbers.
type interval struct {
	lo, hi uint32
}

// intervalSet is a discrete-interval-encoding-tree-style compressed set
// of uint32s: a sorted slice of non-overlapping, non-adjacent
// intervals. Insert is amortized O(1) when insertions arrive in
// increasing order (the common case: epochs are allocated/retired
// roughly in sequence order), and O(n) in the number of intervals
// otherwise.
type intervalSet struct {
	ivs []interval
}

func newFullIntervalSet(lo, hi uint32) *intervalSet {
	if hi < lo {
		return &intervalSet{}
	}
	return &intervalSet{ivs: []interval{{lo, hi}}}
}

func newEmptyIntervalSet() *intervalSet {
	return &intervalSet{}
}

// contains reports whether v is a member.
func (s *intervalSet) contains(v uint32) bool {
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].hi >= v })
	return i < len(s.ivs) && s.ivs[i].lo <= v
}

// count returns the number of distinct members.
func (s *intervalSet) count() uint64 {
	var n uint64
	for _, iv := range s.ivs {
		n += uint64(iv.hi) - uint64(iv.lo) + 1
	}
	return n
}

// insert adds v to the set, merging with adjacent/overlapping intervals.
// Appending past the last interval (the common case under monotone
// allocation/retirement order) is O(1); any other case is O(n).
func (s *intervalSet) insert(v uint32) {
	n := len(s.ivs)
	if n > 0 {
		last := &s.ivs[n-1]
		if v == last.hi+1 {
			last.hi = v
			return
		}
		if v >= last.lo && v <= last.hi {
			return
		}
	}

	for i := 0; i < len(s.ivs); i++ {
		iv := s.ivs[i]
		switch {
		case v >= iv.lo && v <= iv.hi:
			return // already a member
		case v < iv.lo:
			if v+1 == iv.lo {
				s.ivs[i].lo = v
				if i > 0 && s.ivs[i-1].hi+1 == s.ivs[i].lo {
					s.ivs[i-1].hi = s.ivs[i].hi
					s.ivs = append(s.ivs[:i], s.ivs[i+1:]...)
				}
				return
			}
			s.ivs = append(s.ivs, interval{})
			copy(s.ivs[i+1:], s.ivs[i:])
			s.ivs[i] = interval{v, v}
			return
		case v == iv.hi+1:
			s.ivs[i].hi = v
			if i+1 < len(s.ivs) && s.ivs[i].hi+1 == s.ivs[i+1].lo {
				s.ivs[i].hi = s.ivs[i+1].hi
				s.ivs = append(s.ivs[:i+1], s.ivs[i+2:]...)
			}
			return
		}
	}
	s.ivs = append(s.ivs, interval{v, v})
}

// remove deletes v from the set if present.
func (s *intervalSet) remove(v uint32) {
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].hi >= v })
	if i >= len(s.ivs) || s.ivs[i].lo > v {
		return // not a member
	}
	iv := s.ivs[i]
	switch {
	case iv.lo == v && iv.hi == v:
		s.ivs = append(s.ivs[:i], s.ivs[i+1:]...)
	case iv.lo == v:
		s.ivs[i].lo++
	case iv.hi == v:
		s.ivs[i].hi--
	default:
		left := interval{iv.lo, v - 1}
		right := interval{v + 1, iv.hi}
		s.ivs = append(s.ivs, interval{})
		copy(s.ivs[i+1:], s.ivs[i:])
		s.ivs[i] = left
		s.ivs[i+1] = right
	}
}

// firstFreeFrom finds the smallest member >= from, wrapping around to
// the start of the set if nothing qualifies past from. Returns ok=false
// if the set is empty.
func (s *intervalSet) firstFreeFrom(from uint32) (uint32, bool) {
	if len(s.ivs) == 0 {
		return 0, false
	}
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].hi >= from })
	if i < len(s.ivs) {
		if s.ivs[i].lo <= from {
			return from, true
		}
		return s.ivs[i].lo, true
	}
	return s.ivs[0].lo, true
}

// intersect returns a new set containing values present in both a and b.
func intersectIntervalSets(a, b *intervalSet) *intervalSet {
	out := newEmptyIntervalSet()
	i, j := 0, 0
	for i < len(a.ivs) && j < len(b.ivs) {
		lo := a.ivs[i].lo
		if b.ivs[j].lo > lo {
			lo = b.ivs[j].lo
		}
		hi := a.ivs[i].hi
		if b.ivs[j].hi < hi {
			hi = b.ivs[j].hi
		}
		if lo <= hi {
			out.ivs = append(out.ivs, interval{lo, hi})
		}
		if a.ivs[i].hi < b.ivs[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

// commonLeadingPrefix returns the largest contiguous run [lo, k] such
// that every value in it belongs to s and lo is the set's minimum
// value; used by GC to return a confirmed prefix of terminated
// sequences back to free.
func (s *intervalSet) commonLeadingPrefix(lo uint32) (uint32, bool) {
	if len(s.ivs) == 0 || s.ivs[0].lo != lo {
		return 0, false
	}
	return s.ivs[0].hi, true
}
