// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package controller

import (
	"container/heap"

	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// deferDecay halves an item's effective impact each time it is
// deferred, so a pattern that keeps failing repair sinks behind fresh
// work instead of starving it.
const deferDecay = 0.5

// Item is one failure pattern awaiting a repair cycle.
type Item struct {
	// Category is the taxonomy leaf the failures classified to.
	Category string `json:"category"`

	// Code is the dominant compiler error code in the cluster.
	Code string `json:"code"`

	// Frequency counts diagnostics in the cluster at census time.
	Frequency int `json:"frequency"`

	// Severity comes from the taxonomy category.
	Severity taxonomy.Severity `json:"severity"`

	// Deferrals counts how many times repair gave up on this item.
	Deferrals int `json:"deferrals"`

	seq   uint64
	index int
}

// Impact is the scheduling priority: frequency weighted by severity,
// decayed per deferral.
func (it *Item) Impact() float64 {
	impact := float64(it.Frequency) * it.Severity.Weight()
	for i := 0; i < it.Deferrals; i++ {
		impact *= deferDecay
	}
	return impact
}

// Queue levels repair work by impact. Highest impact pops first; ties
// break by insertion order so equal-impact patterns round-robin
// instead of thrashing on one.
//
// Thread Safety: Not safe for concurrent use. The queue belongs to the
// controller loop, which is single threaded.
type Queue struct {
	items queueHeap
	seq   uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len reports queued items.
func (q *Queue) Len() int { return len(q.items) }

// Push inserts an item.
func (q *Queue) Push(it Item) {
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, &it)
}

// Pop removes and returns the highest-impact item.
func (q *Queue) Pop() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.items).(*Item)
	return *it, true
}

// Defer re-enters an item with decayed priority.
func (q *Queue) Defer(it Item) {
	it.Deferrals++
	q.Push(it)
}

// Snapshot returns the queued items in pop order, for checkpoints.
func (q *Queue) Snapshot() []Item {
	clone := Queue{items: make(queueHeap, len(q.items)), seq: q.seq}
	for i, it := range q.items {
		cp := *it
		clone.items[i] = &cp
	}
	out := make([]Item, 0, len(clone.items))
	for {
		it, ok := clone.Pop()
		if !ok {
			break
		}
		out = append(out, it)
	}
	return out
}

// Restore refills the queue from a snapshot.
func (q *Queue) Restore(items []Item) {
	q.items = q.items[:0]
	for _, it := range items {
		q.Push(it)
	}
}

// queueHeap implements heap.Interface as a max-heap on Impact.
type queueHeap []*Item

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	a, b := h[i].Impact(), h[j].Impact()
	if a != b {
		return a > b
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
