// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/widgets/widget"
)

// Metrics exports manager activity to Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	events          *prometheus.CounterVec
	subscriberGauge prometheus.Gauge
	sessionGauge    prometheus.Gauge
}

// NewMetrics registers the manager metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetd",
			Name:      "widget_operations_total",
			Help:      "Widget lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetd",
			Name:      "widget_events_published_total",
			Help:      "Widget change events published on the bus.",
		}, []string{"kind"}),
		subscriberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "widgetd",
			Name:      "bus_subscribers",
			Help:      "Current widget event subscriptions.",
		}),
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "widgetd",
			Name:      "sessions",
			Help:      "Registered Matrix sessions.",
		}),
	}
	for _, collector := range []prometheus.Collector{metrics.operations, metrics.events, metrics.subscriberGauge, metrics.sessionGauge} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, fmt.Errorf("manager: registering metric: %w", err)
		}
	}
	return metrics, nil
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if kind, ok := widget.KindOf(err); ok {
		outcome = kind.String()
	} else if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) published(kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) subscribers(count int) {
	if m == nil {
		return
	}
	m.subscriberGauge.Set(float64(count))
}

func (m *Metrics) sessionCount(count int) {
	if m == nil {
		return
	}
	m.sessionGauge.Set(float64(count))
}
