// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes reconcile cycle and record counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
)

// Metrics contains the Prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	CycleDuration   prometheus.Histogram
	CyclesTotal     *prometheus.CounterVec
	LastSuccess     prometheus.Gauge
	Candidates      prometheus.Gauge
	ScanWarnings    prometheus.Gauge
	ScanBytes       prometheus.Gauge
	DispatchTotal   *prometheus.CounterVec
	Transitions     prometheus.Counter
	ClientReachable *prometheus.GaugeVec
	ClientLoad      *prometheus.GaugeVec
	Records         *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "magnetcc_cycle_duration_seconds",
			Help:    "Time spent in one reconcile cycle",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magnetcc_cycles_total",
			Help: "Reconcile cycles by result",
		}, []string{"result"}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magnetcc_cycle_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
		Candidates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magnetcc_scan_candidates",
			Help: "Candidates found by the last scan",
		}),
		ScanWarnings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magnetcc_scan_warnings",
			Help: "Export files skipped by the last scan",
		}),
		ScanBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magnetcc_scan_bytes",
			Help: "Total size of candidates found by the last scan",
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magnetcc_dispatch_total",
			Help: "Dispatch outcomes by kind",
		}, []string{"outcome"}),
		Transitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "magnetcc_status_transitions_total",
			Help: "Seeding status changes observed",
		}),
		ClientReachable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "magnetcc_client_reachable",
			Help: "Whether the client answered during the last cycle (1 or 0)",
		}, []string{"client"}),
		ClientLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "magnetcc_client_torrents",
			Help: "Tagged torrents seen on the client during the last cycle",
		}, []string{"client"}),
		Records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "magnetcc_records",
			Help: "Stored records by tracker and status",
		}, []string{"tracker", "status"}),
	}
}

// ObserveCycle records the outcome of a finished cycle. report may be partial when err is set.
func (m *Metrics) ObserveCycle(report *reconcile.CycleReport, err error) {
	if report != nil && !report.FinishedAt.IsZero() {
		m.CycleDuration.Observe(report.Duration().Seconds())
	}

	if err != nil {
		m.CyclesTotal.WithLabelValues("error").Inc()
		return
	}
	m.CyclesTotal.WithLabelValues("success").Inc()
	if report == nil {
		return
	}

	m.LastSuccess.Set(float64(report.FinishedAt.Unix()))
	m.Candidates.Set(float64(report.Candidates))
	m.ScanWarnings.Set(float64(report.Warnings))
	m.ScanBytes.Set(float64(report.TotalBytes))

	m.DispatchTotal.WithLabelValues("added").Add(float64(report.Added))
	m.DispatchTotal.WithLabelValues("adopted").Add(float64(report.Adopted))
	m.DispatchTotal.WithLabelValues("deferred").Add(float64(report.Deferred))
	m.DispatchTotal.WithLabelValues("failed").Add(float64(report.Failed))
	m.DispatchTotal.WithLabelValues("drifted").Add(float64(report.Drifted))
	m.Transitions.Add(float64(report.Transitions))

	for _, s := range report.Sessions {
		reachable := 0.0
		if s.Reachable {
			reachable = 1
		}
		m.ClientReachable.WithLabelValues(s.Client).Set(reachable)
		m.ClientLoad.WithLabelValues(s.Client).Set(float64(s.Load))
	}
}

func (m *Metrics) ObserveSkipped() {
	m.CyclesTotal.WithLabelValues("skipped").Inc()
}

// ObserveRecords replaces the record gauges with fresh per-tracker counts.
func (m *Metrics) ObserveRecords(counts []models.TrackerCount) {
	m.Records.Reset()
	for _, c := range counts {
		tracker := c.TrackerID
		if tracker == "" {
			tracker = "unresolved"
		}
		m.Records.WithLabelValues(tracker, string(models.StatusActive)).Set(float64(c.Active))
		m.Records.WithLabelValues(tracker, string(models.StatusSeededHistorical)).Set(float64(c.Historical))
		m.Records.WithLabelValues(tracker, string(models.StatusNeverSeeded)).Set(float64(c.NeverSeeded))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
