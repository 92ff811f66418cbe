// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
)

func TestObserveCycle(t *testing.T) {
	m := New()
	start := time.Unix(1_700_000_000, 0)

	m.ObserveCycle(&reconcile.CycleReport{
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Candidates: 5,
		Added:      2,
		Deferred:   1,
		Sessions: []*reconcile.SessionReport{
			{Client: "seedbox", Reachable: true, Load: 7},
			{Client: "backup"},
		},
	}, nil)
	m.ObserveCycle(&reconcile.CycleReport{}, errors.New("boom"))
	m.ObserveSkipped()

	assert.InDelta(t, 1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("skipped")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("added")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.Candidates), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ClientReachable.WithLabelValues("seedbox")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ClientReachable.WithLabelValues("backup")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.ClientLoad.WithLabelValues("seedbox")), 0)
	assert.InDelta(t, float64(start.Add(2*time.Second).Unix()), testutil.ToFloat64(m.LastSuccess), 0)
}

func TestObserveRecordsAndHandler(t *testing.T) {
	m := New()
	m.ObserveRecords([]models.TrackerCount{
		{TrackerID: "example.com", Active: 3, Historical: 1},
		{TrackerID: "", NeverSeeded: 2},
	})

	assert.InDelta(t, 3, testutil.ToFloat64(m.Records.WithLabelValues("example.com", "active")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Records.WithLabelValues("unresolved", "never_seeded")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "magnetcc_records")
}

func TestNewIsIsolated(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
