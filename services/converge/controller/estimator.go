// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package controller

import "math"

// DriftStatus labels the filtered direction of the rate series.
type DriftStatus string

const (
	DriftImproving   DriftStatus = "improving"
	DriftDegrading   DriftStatus = "degrading"
	DriftStable      DriftStatus = "stable"
	DriftOscillating DriftStatus = "oscillating"
)

// Filter tuning. Process noise admits slow genuine drift; measurement
// noise absorbs batch-to-batch jitter from small tiers.
const (
	kalmanProcessNoise     = 1e-4
	kalmanMeasurementNoise = 4e-3
	velocityGain           = 0.25
	driftEpsilon           = 0.001
	driftWindow            = 6
)

// Estimator runs a one-dimensional Kalman filter over the compile rate
// series and derives a velocity from the filtered innovations. It
// answers two questions the raw series cannot: where is the rate
// really, under batch jitter, and how many cycles until it crosses the
// target at the current pace.
//
// Thread Safety: Not safe for concurrent use; owned by the controller
// loop.
type Estimator struct {
	rate         float64
	velocity     float64
	variance     float64
	observations int
	lastRaw      float64
	deltas       []float64
}

// EstimatorState is the checkpointable filter state.
type EstimatorState struct {
	Rate         float64   `json:"rate"`
	Velocity     float64   `json:"velocity"`
	Variance     float64   `json:"variance"`
	Observations int       `json:"observations"`
	LastRaw      float64   `json:"last_raw"`
	Deltas       []float64 `json:"deltas,omitempty"`
}

// NewEstimator returns a filter with an uninformed prior.
func NewEstimator() *Estimator {
	return &Estimator{variance: 1}
}

// RestoreEstimator rebuilds a filter from checkpointed state.
func RestoreEstimator(s EstimatorState) *Estimator {
	e := &Estimator{
		rate:         s.Rate,
		velocity:     s.Velocity,
		variance:     s.Variance,
		observations: s.Observations,
		lastRaw:      s.LastRaw,
	}
	if len(s.Deltas) > 0 {
		e.deltas = append(e.deltas, s.Deltas...)
	}
	if e.variance <= 0 {
		e.variance = 1
	}
	return e
}

// Snapshot exports the filter state for a checkpoint.
func (e *Estimator) Snapshot() EstimatorState {
	s := EstimatorState{
		Rate:         e.rate,
		Velocity:     e.velocity,
		Variance:     e.variance,
		Observations: e.observations,
		LastRaw:      e.lastRaw,
	}
	if len(e.deltas) > 0 {
		s.Deltas = append(s.Deltas, e.deltas...)
	}
	return s
}

// Observe feeds one cycle-end rate through the filter.
func (e *Estimator) Observe(rate float64) {
	if e.observations == 0 {
		e.rate = rate
		e.lastRaw = rate
		e.variance = kalmanMeasurementNoise
		e.observations = 1
		return
	}

	// Track raw deltas for oscillation detection before filtering
	// smooths them away.
	e.pushDelta(rate - e.lastRaw)
	e.lastRaw = rate

	predicted := e.rate + e.velocity
	variance := e.variance + kalmanProcessNoise

	gain := variance / (variance + kalmanMeasurementNoise)
	innovation := rate - predicted

	e.rate = predicted + gain*innovation
	e.variance = (1 - gain) * variance
	e.velocity += velocityGain * gain * innovation
	e.observations++
}

// Rate returns the filtered rate.
func (e *Estimator) Rate() float64 { return e.rate }

// Velocity returns the filtered per-cycle rate change.
func (e *Estimator) Velocity() float64 { return e.velocity }

// CyclesToTarget predicts how many more cycles reach target at the
// current velocity.
//
// Outputs: 0 when the filtered rate already meets the target, -1 when
// the velocity is too small or negative to ever get there.
func (e *Estimator) CyclesToTarget(target float64) int {
	if e.rate >= target {
		return 0
	}
	if e.velocity <= driftEpsilon/10 {
		return -1
	}
	return int(math.Ceil((target - e.rate) / e.velocity))
}

// Drift classifies recent movement. Oscillation wins over direction:
// a series that keeps reversing sign is a control problem regardless
// of its average slope.
func (e *Estimator) Drift() DriftStatus {
	meaningful := 0
	flips := 0
	lastSign := 0
	for _, d := range e.deltas {
		if d < driftEpsilon && d > -driftEpsilon {
			continue
		}
		sign := 1
		if d < 0 {
			sign = -1
		}
		if lastSign != 0 && sign != lastSign {
			flips++
		}
		lastSign = sign
		meaningful++
	}
	if flips >= 2 && flips*2 > meaningful {
		return DriftOscillating
	}
	switch {
	case e.velocity > driftEpsilon:
		return DriftImproving
	case e.velocity < -driftEpsilon:
		return DriftDegrading
	default:
		return DriftStable
	}
}

func (e *Estimator) pushDelta(d float64) {
	e.deltas = append(e.deltas, d)
	if len(e.deltas) > driftWindow {
		e.deltas = e.deltas[len(e.deltas)-driftWindow:]
	}
}
