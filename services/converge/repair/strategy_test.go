// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package repair

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

type stubStrategy struct {
	name    string
	applies bool
}

func (s stubStrategy) Name() string                   { return s.name }
func (s stubStrategy) CanApply(patterns.Pattern) bool { return s.applies }
func (s stubStrategy) Materialize(_ context.Context, _ ReproCase, p patterns.Pattern) (Fix, error) {
	return Fix{PatternID: p.ID, Strategy: s.name}, nil
}

func TestNewRegistryValidation(t *testing.T) {
	cases := []struct {
		name       string
		strategies []Strategy
	}{
		{"empty", nil},
		{"nil strategy", []Strategy{stubStrategy{name: "a"}, nil}},
		{"unnamed", []Strategy{stubStrategy{name: ""}}},
		{"duplicate name", []Strategy{stubStrategy{name: "a"}, stubStrategy{name: "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.strategies...); err == nil {
				t.Error("NewRegistry accepted invalid input")
			}
		})
	}
}

func TestRegistryFirstClaimWins(t *testing.T) {
	reg, err := NewRegistry(
		stubStrategy{name: "first", applies: true},
		stubStrategy{name: "second", applies: true},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := reg.For(patterns.Pattern{ID: "aaa"})
	if s == nil || s.Name() != "first" {
		t.Errorf("For picked %v, want first", s)
	}
}

func TestRegistryNoClaim(t *testing.T) {
	reg, err := NewRegistry(stubStrategy{name: "never", applies: false})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if s := reg.For(patterns.Pattern{ID: "aaa"}); s != nil {
		t.Errorf("For = %v, want nil", s)
	}
}

func TestDefaultRegistryDispatch(t *testing.T) {
	reg := DefaultRegistry()
	if got, want := reg.Names(), []string{"patch", "override", "suggestion"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}

	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"unified diff", fixturePatch, "patch"},
		{"bare hunk", "@@ -1 +1 @@\n-a\n+b\n", "patch"},
		{"hints", "transpiler-hints\nbox_strategy=rc\n", "override"},
		{"suggestion", "suggestion-replace\nfind:1\nlet x\nreplace:\nlet mut x", "suggestion"},
		{"garbage", "just some text", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := reg.For(patterns.Pattern{Patch: tc.payload})
			got := ""
			if s != nil {
				got = s.Name()
			}
			if got != tc.want {
				t.Errorf("dispatched to %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPatchStrategyMaterialize(t *testing.T) {
	c := repairCase(t)
	fix, err := PatchStrategy{}.Materialize(context.Background(), c, patterns.Pattern{ID: "abc", Patch: fixturePatch})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if fix.PatternID != "abc" || fix.Strategy != "patch" {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Patched == c.Generated || fix.Patched == "" {
		t.Error("patched source unchanged")
	}
	if fix.Overrides != nil {
		t.Error("patch fix carries overrides")
	}
}

func TestPatchStrategyRequiresGeneratedSource(t *testing.T) {
	c := repairCase(t)
	c.Generated = ""
	_, err := PatchStrategy{}.Materialize(context.Background(), c, patterns.Pattern{ID: "abc", Patch: fixturePatch})
	if !errors.Is(err, ErrMalformedPatch) {
		t.Fatalf("err = %v, want ErrMalformedPatch", err)
	}
}

func TestOverrideStrategyMaterialize(t *testing.T) {
	p := patterns.Pattern{ID: "abc", Patch: "transpiler-hints\nbox_strategy=rc\nstring_type = owned\n"}
	fix, err := OverrideStrategy{}.Materialize(context.Background(), repairCase(t), p)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := map[string]string{"box_strategy": "rc", "string_type": "owned"}
	if !reflect.DeepEqual(fix.Overrides, want) {
		t.Errorf("overrides = %v, want %v", fix.Overrides, want)
	}
	if fix.Strategy != "override" || fix.Patched != "" {
		t.Errorf("fix = %+v", fix)
	}
}

func TestParseHints(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    map[string]string
	}{
		{"single", "transpiler-hints\nk=v", map[string]string{"k": "v"}},
		{"blank lines tolerated", "transpiler-hints\n\nk=v\n\n", map[string]string{"k": "v"}},
		{"padded header", "  transpiler-hints  \nk=v", map[string]string{"k": "v"}},
		{"value with equals", "transpiler-hints\nflags=-C opt-level=2", map[string]string{"flags": "-C opt-level=2"}},
		{"missing header", "k=v", nil},
		{"bad line", "transpiler-hints\nnot a hint", nil},
		{"empty key", "transpiler-hints\n=v", nil},
		{"empty value", "transpiler-hints\nk=", nil},
		{"header only", "transpiler-hints\n", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseHints(tc.payload)
			if tc.want == nil {
				if !errors.Is(err, ErrMalformedPatch) {
					t.Fatalf("err = %v, want ErrMalformedPatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHints: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("hints = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestArtifactName(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"corpus/easy/fib.py", "fib.rs"},
		{"dict_ops.py", "dict_ops.rs"},
		{"corpus/hard/async.handlers.py", "async.handlers.rs"},
	}
	for _, tc := range cases {
		c := ReproCase{Attempt: compile.Attempt{Entry: corpus.Entry{Path: tc.path}}}
		if got := artifactName(c); got != tc.want {
			t.Errorf("artifactName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
