// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"

	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

func TestReviewQueueFiltersAndOrders(t *testing.T) {
	all := []patterns.Pattern{
		{ID: "p-high", SuccessEMA: 0.9},
		{ID: "p-retired", SuccessEMA: 0.1, Retired: true},
		{ID: "p-low", SuccessEMA: 0.2},
		{ID: "p-lower", SuccessEMA: 0.1},
		{ID: "p-border", SuccessEMA: 0.5},
	}

	queue := reviewQueue(all, 0.5, 0)
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0].ID != "p-lower" || queue[1].ID != "p-low" {
		t.Errorf("queue order = %s, %s; want worst first", queue[0].ID, queue[1].ID)
	}
}

func TestReviewQueueLimit(t *testing.T) {
	all := []patterns.Pattern{
		{ID: "a", SuccessEMA: 0.1},
		{ID: "b", SuccessEMA: 0.2},
		{ID: "c", SuccessEMA: 0.3},
	}
	queue := reviewQueue(all, 0.5, 2)
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0].ID != "a" || queue[1].ID != "b" {
		t.Errorf("queue = %s, %s", queue[0].ID, queue[1].ID)
	}
}

func TestReviewQueueEmptyBelowFloorZero(t *testing.T) {
	all := []patterns.Pattern{{ID: "a", SuccessEMA: 0.1}}
	if queue := reviewQueue(all, 0, 0); len(queue) != 0 {
		t.Errorf("floor 0 queued %d patterns, want none", len(queue))
	}
}
