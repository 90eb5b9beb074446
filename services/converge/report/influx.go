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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Environment variables for the optional time-series sink.
const (
	EnvInfluxURL    = "CONVERGE_INFLUX_URL"
	EnvInfluxToken  = "CONVERGE_INFLUX_TOKEN"
	EnvInfluxOrg    = "CONVERGE_INFLUX_ORG"
	EnvInfluxBucket = "CONVERGE_INFLUX_BUCKET"
)

// Defaults when only the URL and token are configured.
const (
	defaultInfluxOrg    = "aleutian"
	defaultInfluxBucket = "convergence"
)

const influxMeasurement = "convergence"

// InfluxSink streams per-cycle rates to InfluxDB.
//
// The sink sits outside the replay boundary: canonical reports carry
// no timestamps, so the sink stamps points with wall-clock time at
// write rather than anything stored in the report. Losing the sink
// loses dashboards, never session state.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewInfluxSink connects a sink to one org and bucket.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) (*InfluxSink, error) {
	if url == "" {
		return nil, errors.New("report: influx sink needs a URL")
	}
	if org == "" || bucket == "" {
		return nil, errors.New("report: influx sink needs an org and bucket")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		logger: logger.With("component", "influx_sink"),
	}, nil
}

// NewInfluxSinkFromEnv builds a sink from CONVERGE_INFLUX_* variables.
//
// Outputs: (nil, false, nil) when CONVERGE_INFLUX_URL is unset, which
// is the normal case; the sink is opt-in.
func NewInfluxSinkFromEnv(logger *slog.Logger) (*InfluxSink, bool, error) {
	url := os.Getenv(EnvInfluxURL)
	if url == "" {
		return nil, false, nil
	}
	token := os.Getenv(EnvInfluxToken)
	org := os.Getenv(EnvInfluxOrg)
	if org == "" {
		org = defaultInfluxOrg
	}
	bucket := os.Getenv(EnvInfluxBucket)
	if bucket == "" {
		bucket = defaultInfluxBucket
	}
	sink, err := NewInfluxSink(url, token, org, bucket, logger)
	if err != nil {
		return nil, false, err
	}
	return sink, true, nil
}

// Record writes one cycle's rates.
func (s *InfluxSink) Record(ctx context.Context, session string, r *CycleReport) error {
	pts := cyclePoints(session, r, time.Now().UTC())
	if err := s.write.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("report: writing cycle %d to influx: %w", r.Cycle, err)
	}
	s.logger.Debug("cycle recorded", "cycle", r.Cycle, "points", len(pts))
	return nil
}

// Close flushes and releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// cyclePoints builds one overall point plus one per tier.
func cyclePoints(session string, r *CycleReport, ts time.Time) []*write.Point {
	pts := make([]*write.Point, 0, 1+len(r.TierRates))
	pts = append(pts, influxdb2.NewPoint(
		influxMeasurement,
		map[string]string{"session": session, "tier": "all"},
		map[string]interface{}{
			"rate":   r.Rate,
			"delta":  r.Delta,
			"escape": r.EscapeRate(),
			"cycle":  int64(r.Cycle),
		},
		ts,
	))
	for tier, rate := range r.TierRates {
		pts = append(pts, influxdb2.NewPoint(
			influxMeasurement,
			map[string]string{"session": session, "tier": tier},
			map[string]interface{}{"rate": rate, "cycle": int64(r.Cycle)},
			ts,
		))
	}
	return pts
}
