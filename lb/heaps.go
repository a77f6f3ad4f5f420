// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package lb

import "container/heap"

// maxElemHeap is a max-heap of entityLoad by Millis, ties broken by
// element id for a stable assignment order.
type maxElemHeap []entityLoad

func (h maxElemHeap) Len() int { return len(h) }
func (h maxElemHeap) Less(i, j int) bool {
	if h[i].Millis != h[j].Millis {
		return h[i].Millis > h[j].Millis
	}
	return h[i].E.String() < h[j].E.String()
}
func (h maxElemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxElemHeap) Push(x any)        { *h = append(*h, x.(entityLoad)) }
func (h *maxElemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// bucket is one assignment target (a process, in Greedy; a child
// subtree, in Hierarchical) tracked by its projected load.
type bucket struct {
	node  int
	load  float64
	items []entityLoad
}

type minBucketHeap []*bucket

func (h minBucketHeap) Len() int { return len(h) }
func (h minBucketHeap) Less(i, j int) bool {
	if h[i].load != h[j].load {
		return h[i].load < h[j].load
	}
	return h[i].node < h[j].node
}
func (h minBucketHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minBucketHeap) Push(x any)   { *h = append(*h, x.(*bucket)) }
func (h *minBucketHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// assignByHeap implements the dual max-heap/min-heap greedy assignment
// shared by Greedy (buckets = processes) and Hierarchical (buckets =
// child subtrees): repeatedly pop the heaviest unplaced element and
// hand it to the lightest bucket, updating that bucket's load.
func assignByHeap(pool []entityLoad, buckets []*bucket) {
	eh := make(maxElemHeap, len(pool))
	copy(eh, pool)
	heap.Init(&eh)

	bh := make(minBucketHeap, len(buckets))
	copy(bh, buckets)
	heap.Init(&bh)

	for eh.Len() > 0 {
		it := heap.Pop(&eh).(entityLoad)
		b := heap.Pop(&bh).(*bucket)
		b.items = append(b.items, it)
		b.load += it.Millis
		heap.Push(&bh, b)
	}
}
