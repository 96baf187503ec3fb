// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes mirror and poller activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autobrr/qbsync/internal/mirror"
)

const namespace = "qbsync"

// Delta kinds used as the "kind" label.
const (
	KindFull    = "full"
	KindPartial = "partial"
	KindPeers   = "peers"
)

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	deltasApplied       *prometheus.CounterVec
	filterInvalidations *prometheus.CounterVec
	applyDuration       *prometheus.HistogramVec
	torrents            *prometheus.GaugeVec
	buckets             *prometheus.GaugeVec
	pollErrors          *prometheus.CounterVec
	rid                 *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deltasApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_applied_total",
			Help:      "Sync deltas applied to the mirror",
		}, []string{"instance", "kind"}),
		filterInvalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_invalidations_total",
			Help:      "Deltas that changed bucket membership",
		}, []string{"instance"}),
		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one delta",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"instance"}),
		torrents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "torrents",
			Help:      "Torrents currently mirrored",
		}, []string{"instance"}),
		buckets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets",
			Help:      "Index buckets by family",
		}, []string{"instance", "family"}),
		pollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed sync polls",
		}, []string{"instance"}),
		rid: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rid",
			Help:      "Last applied response id",
		}, []string{"instance"}),
	}
}

// ObserveApply records one applied maindata delta.
func (m *Metrics) ObserveApply(instance string, res mirror.Result, elapsed time.Duration) {
	if m == nil {
		return
	}

	kind := KindPartial
	if res.FullUpdate {
		kind = KindFull
	}
	m.deltasApplied.WithLabelValues(instance, kind).Inc()
	m.applyDuration.WithLabelValues(instance).Observe(elapsed.Seconds())
	m.rid.WithLabelValues(instance).Set(float64(res.Rid))
	if res.FilterChanged {
		m.filterInvalidations.WithLabelValues(instance).Inc()
	}
}

// ObservePeers records one applied peers delta.
func (m *Metrics) ObservePeers(instance string) {
	if m == nil {
		return
	}
	m.deltasApplied.WithLabelValues(instance, KindPeers).Inc()
}

// ObserveStore refreshes the size gauges from s.
func (m *Metrics) ObserveStore(instance string, s *mirror.Store) {
	if m == nil {
		return
	}

	m.torrents.WithLabelValues(instance).Set(float64(s.Len()))
	for _, family := range []mirror.Family{mirror.FamilyTag, mirror.FamilyCategory, mirror.FamilyStatus, mirror.FamilyTracker} {
		m.buckets.WithLabelValues(instance, family.String()).Set(float64(len(s.Keys(family))))
	}
}

func (m *Metrics) PollFailed(instance string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(instance).Inc()
}

// Forget drops every series of instance.
func (m *Metrics) Forget(instance string) {
	if m == nil {
		return
	}

	labels := prometheus.Labels{"instance": instance}
	m.deltasApplied.DeletePartialMatch(labels)
	m.filterInvalidations.DeletePartialMatch(labels)
	m.applyDuration.DeletePartialMatch(labels)
	m.torrents.DeletePartialMatch(labels)
	m.buckets.DeletePartialMatch(labels)
	m.pollErrors.DeletePartialMatch(labels)
	m.rid.DeletePartialMatch(labels)
}
