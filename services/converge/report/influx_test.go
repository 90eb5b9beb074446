// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package report

import (
	"log/slog"
	"testing"
	"time"
)

func TestNewInfluxSinkValidation(t *testing.T) {
	if _, err := NewInfluxSink("", "tok", "org", "bucket", nil); err == nil {
		t.Fatal("accepted an empty URL")
	}
	if _, err := NewInfluxSink("http://localhost:8086", "tok", "", "bucket", nil); err == nil {
		t.Fatal("accepted an empty org")
	}
	if _, err := NewInfluxSink("http://localhost:8086", "tok", "org", "", nil); err == nil {
		t.Fatal("accepted an empty bucket")
	}

	sink, err := NewInfluxSink("http://localhost:8086", "tok", "org", "bucket", slog.Default())
	if err != nil {
		t.Fatalf("NewInfluxSink() error: %v", err)
	}
	sink.Close()
}

func TestNewInfluxSinkFromEnv(t *testing.T) {
	t.Run("unset is a quiet no-op", func(t *testing.T) {
		t.Setenv(EnvInfluxURL, "")
		sink, ok, err := NewInfluxSinkFromEnv(nil)
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		if ok || sink != nil {
			t.Fatal("sink built without a URL")
		}
	})

	t.Run("url alone uses defaults", func(t *testing.T) {
		t.Setenv(EnvInfluxURL, "http://localhost:8086")
		t.Setenv(EnvInfluxToken, "tok")
		t.Setenv(EnvInfluxOrg, "")
		t.Setenv(EnvInfluxBucket, "")
		sink, ok, err := NewInfluxSinkFromEnv(slog.Default())
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		if !ok || sink == nil {
			t.Fatal("sink not built")
		}
		sink.Close()
	})
}

func TestCyclePoints(t *testing.T) {
	r := testReport(9)
	ts := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

	pts := cyclePoints("sess-1", r, ts)
	// One overall point plus one per tier.
	if len(pts) != 4 {
		t.Fatalf("got %d points, want 4", len(pts))
	}

	overall := pts[0]
	if overall.Name() != "convergence" {
		t.Fatalf("measurement = %q", overall.Name())
	}
	if !overall.Time().Equal(ts) {
		t.Fatalf("timestamp = %v", overall.Time())
	}

	tags := map[string]string{}
	for _, tag := range overall.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["session"] != "sess-1" || tags["tier"] != "all" {
		t.Fatalf("overall tags = %v", tags)
	}

	fields := map[string]interface{}{}
	for _, f := range overall.FieldList() {
		fields[f.Key] = f.Value
	}
	for _, key := range []string{"rate", "delta", "escape", "cycle"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("overall point missing field %q", key)
		}
	}
	if fields["rate"] != 0.55 {
		t.Fatalf("rate field = %v", fields["rate"])
	}

	tiers := map[string]bool{}
	for _, p := range pts[1:] {
		for _, tag := range p.TagList() {
			if tag.Key == "tier" {
				tiers[tag.Value] = true
			}
		}
	}
	for _, tier := range []string{"easy", "medium", "hard"} {
		if !tiers[tier] {
			t.Errorf("no point for tier %s", tier)
		}
	}
}
