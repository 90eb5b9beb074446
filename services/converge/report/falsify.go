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
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Trend labels how the overall rate has been moving.
type Trend string

const (
	TrendImproving   Trend = "improving"
	TrendDegrading   Trend = "degrading"
	TrendStable      Trend = "stable"
	TrendOscillating Trend = "oscillating"
)

// trendEpsilon separates real movement from float noise when
// classifying deltas.
const trendEpsilon = 0.001

// paretoTop caps how many categories the report itemizes; everything
// past the cut rolls into the remainder share.
const paretoTop = 5

// Verdict is one goal checked against observation. A session is never
// declared converged; it is declared not-yet-falsified, and each
// verdict records one attempted falsification.
type Verdict struct {
	Goal      string  `json:"goal"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
	Met       bool    `json:"met"`
	Detail    string  `json:"detail,omitempty"`
}

// CategoryShare is one row of the Pareto breakdown.
type CategoryShare struct {
	Category   string  `json:"category"`
	Count      int     `json:"count"`
	Share      float64 `json:"share"`
	Cumulative float64 `json:"cumulative"`
}

// Goals declares what the session set out to achieve.
type Goals struct {
	// TierTargets maps tier name to the compile rate it must reach.
	TierTargets map[string]float64

	// EscapeCeiling bounds the catch-all classification rate.
	EscapeCeiling float64
}

// FalsificationReport summarizes a session against its goals.
type FalsificationReport struct {
	Cycles        int                `json:"cycles"`
	FinalRate     float64            `json:"final_rate"`
	TierRates     map[string]float64 `json:"tier_rates"`
	Verdicts      []Verdict          `json:"verdicts"`
	EscapeRate    float64            `json:"escape_rate"`
	Trend         Trend              `json:"trend"`
	TopCategories []CategoryShare    `json:"top_categories,omitempty"`
	Survived      bool               `json:"survived"`
}

// Falsify builds the session summary from its cycle history.
//
// Description:
//
//	Each goal becomes a verdict over the final cycle's observations.
//	The escape rate aggregates classification counts across all
//	cycles, not just the last one, so a tail of clean cycles cannot
//	hide an early flood of catch-alls. Survived is true only when
//	every verdict held.
//
// Outputs: an error when the history is empty.
func Falsify(reports []*CycleReport, goals Goals) (*FalsificationReport, error) {
	if len(reports) == 0 {
		return nil, errors.New("report: falsifying empty history")
	}
	last := reports[len(reports)-1]

	f := &FalsificationReport{
		Cycles:    len(reports),
		FinalRate: last.Rate,
		TierRates: make(map[string]float64, len(last.TierRates)),
	}
	for tier, rate := range last.TierRates {
		f.TierRates[tier] = rate
	}

	for _, tier := range sortedTiers(goals.TierTargets) {
		target := goals.TierTargets[tier]
		observed, ok := last.TierRates[tier]
		v := Verdict{
			Goal:      fmt.Sprintf("tier %s compile rate", tier),
			Observed:  observed,
			Threshold: target,
			Met:       ok && observed >= target,
		}
		if !ok {
			v.Detail = "tier absent from final cycle"
		} else if !v.Met {
			v.Detail = fmt.Sprintf("short by %.4f", target-observed)
		}
		f.Verdicts = append(f.Verdicts, v)
	}

	var classified, unknown int
	for _, r := range reports {
		classified += r.Classified
		unknown += r.Unknown
	}
	if total := classified + unknown; total > 0 {
		f.EscapeRate = float64(unknown) / float64(total)
	}
	if goals.EscapeCeiling > 0 {
		v := Verdict{
			Goal:      "classification escape rate",
			Observed:  f.EscapeRate,
			Threshold: goals.EscapeCeiling,
			Met:       f.EscapeRate <= goals.EscapeCeiling,
		}
		if !v.Met {
			v.Detail = "taxonomy no longer covers the failure population"
		}
		f.Verdicts = append(f.Verdicts, v)
	}

	nonDet := countFalsifier(reports, "non_determinism")
	f.Verdicts = append(f.Verdicts, Verdict{
		Goal:      "determinism",
		Observed:  float64(nonDet),
		Threshold: 0,
		Met:       nonDet == 0,
		Detail:    determinismDetail(nonDet),
	})

	f.Trend = classifyTrend(rates(reports))
	f.TopCategories = pareto(reports, paretoTop)

	f.Survived = true
	for _, v := range f.Verdicts {
		if !v.Met {
			f.Survived = false
			break
		}
	}
	return f, nil
}

// Render writes the report as markdown for the CLI and the andon
// status page.
func (f *FalsificationReport) Render() string {
	var b strings.Builder
	b.WriteString("# Falsification Report\n\n")
	if f.Survived {
		b.WriteString("**All goals survived falsification.**\n\n")
	} else {
		b.WriteString("**One or more goals were falsified.**\n\n")
	}
	fmt.Fprintf(&b, "- Cycles: %d\n", f.Cycles)
	fmt.Fprintf(&b, "- Final rate: %.4f\n", f.FinalRate)
	fmt.Fprintf(&b, "- Escape rate: %.4f\n", f.EscapeRate)
	fmt.Fprintf(&b, "- Trend: %s\n\n", f.Trend)

	b.WriteString("| Goal | Observed | Threshold | Verdict |\n")
	b.WriteString("|------|----------|-----------|--------|\n")
	for _, v := range f.Verdicts {
		verdict := "held"
		if !v.Met {
			verdict = "falsified"
		}
		fmt.Fprintf(&b, "| %s | %.4f | %.4f | %s |\n", v.Goal, v.Observed, v.Threshold, verdict)
	}

	if len(f.TopCategories) > 0 {
		b.WriteString("\n## Top failure categories\n\n")
		for _, c := range f.TopCategories {
			fmt.Fprintf(&b, "- %s: %d (%.1f%%, cumulative %.1f%%)\n",
				c.Category, c.Count, c.Share*100, c.Cumulative*100)
		}
	}
	return b.String()
}

// classifyTrend labels the rate series. Oscillation wins over net
// direction: a series that keeps reversing is a control problem even
// when it drifts upward on average.
func classifyTrend(series []float64) Trend {
	if len(series) < 3 {
		return TrendStable
	}
	var deltas []float64
	for i := 1; i < len(series); i++ {
		d := series[i] - series[i-1]
		if d > trendEpsilon || d < -trendEpsilon {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return TrendStable
	}

	flips := 0
	for i := 1; i < len(deltas); i++ {
		if (deltas[i] > 0) != (deltas[i-1] > 0) {
			flips++
		}
	}
	if flips >= 2 && flips*2 > len(deltas) {
		return TrendOscillating
	}

	var net float64
	for _, d := range deltas {
		net += d
	}
	switch {
	case net > trendEpsilon:
		return TrendImproving
	case net < -trendEpsilon:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// pareto aggregates category counts across cycles and returns the top
// rows by count, ties broken by name.
func pareto(reports []*CycleReport, top int) []CategoryShare {
	counts := make(map[string]int)
	total := 0
	for _, r := range reports {
		for cat, n := range r.Categories {
			counts[cat] += n
			total += n
		}
	}
	if total == 0 {
		return nil
	}

	rows := make([]CategoryShare, 0, len(counts))
	for cat, n := range counts {
		rows = append(rows, CategoryShare{Category: cat, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Category < rows[j].Category
	})
	if len(rows) > top {
		rows = rows[:top]
	}

	var cum float64
	for i := range rows {
		rows[i].Share = float64(rows[i].Count) / float64(total)
		cum += rows[i].Share
		rows[i].Cumulative = cum
	}
	return rows
}

func rates(reports []*CycleReport) []float64 {
	out := make([]float64, len(reports))
	for i, r := range reports {
		out[i] = r.Rate
	}
	return out
}

func countFalsifier(reports []*CycleReport, name string) int {
	n := 0
	for _, r := range reports {
		for _, f := range r.Falsifiers {
			if f == name {
				n++
			}
		}
	}
	return n
}

func determinismDetail(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d cycle(s) flagged non-determinism", n)
}

func sortedTiers(targets map[string]float64) []string {
	tiers := make([]string, 0, len(targets))
	for t := range targets {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers
}
