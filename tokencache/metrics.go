// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tokencache

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	sourceStore    = "store"
	sourceExchange = "exchange"
)

// Metrics exports cache activity to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	evictions     prometheus.Counter
}

// NewMetrics registers the cache metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "token_cache",
			Name:      "lookups_total",
			Help:      "Token lookups by whether the token was already cached.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "token_cache",
			Name:      "fetches_total",
			Help:      "Completed token fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "widgetd",
			Subsystem: "token_cache",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of token fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "token_cache",
			Name:      "evictions_total",
			Help:      "Sessions evicted from the cache.",
		}),
	}
	for _, collector := range []prometheus.Collector{metrics.lookups, metrics.fetches, metrics.fetchDuration, metrics.evictions} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, fmt.Errorf("tokencache: registering metric: %w", err)
		}
	}
	return metrics, nil
}

func (m *Metrics) lookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
	} else {
		m.lookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) fetched(source string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) evicted(count int) {
	if m == nil || count == 0 {
		return
	}
	m.evictions.Add(float64(count))
}
