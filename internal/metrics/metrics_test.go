// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbsync/internal/mirror"
)

func TestObserveApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveApply("home", mirror.Result{Rid: 1, FullUpdate: true, FilterChanged: true}, time.Millisecond)
	m.ObserveApply("home", mirror.Result{Rid: 2, DataChanged: true}, time.Millisecond)
	m.ObservePeers("home")
	m.PollFailed("home")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deltasApplied.WithLabelValues("home", KindFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deltasApplied.WithLabelValues("home", KindPartial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deltasApplied.WithLabelValues("home", KindPeers)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filterInvalidations.WithLabelValues("home")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollErrors.WithLabelValues("home")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rid.WithLabelValues("home")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.applyDuration))
}

func TestObserveStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	d, err := mirror.DecodeDelta([]byte(`{"rid":1,"full_update":true,"tags":["a"],
		"torrents":{"h1":{"tags":"a","state":"uploading"},"h2":{"state":"pausedDL"}}}`))
	require.NoError(t, err)
	s := mirror.NewStore()
	s.Apply(d)

	m.ObserveStore("home", s)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.torrents.WithLabelValues("home")))
	assert.Equal(t, float64(len(s.Keys(mirror.FamilyTag))), testutil.ToFloat64(m.buckets.WithLabelValues("home", "tag")))

	m.Forget("home")
	assert.Equal(t, 0, testutil.CollectAndCount(m.torrents))
	assert.Equal(t, 0, testutil.CollectAndCount(m.buckets))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveApply("x", mirror.Result{}, 0)
		m.ObservePeers("x")
		m.ObserveStore("x", mirror.NewStore())
		m.PollFailed("x")
		m.Forget("x")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.PollFailed("home")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `qbsync_poll_errors_total{instance="home"} 1`)
}
