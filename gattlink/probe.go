// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on spec.md §4.3 "optional probe configuration for link-quality
// metrics" and the Prometheus collector conventions in
// runZeroInc-conniver/pkg/exporter/exporter.go.

package gattlink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProbeConfig optionally exposes Gattlink link-quality metrics through a
// Prometheus registerer.
//
// Every method is nil-receiver-safe, so an [*Endpoint] can call them
// unconditionally: a nil *ProbeConfig (the default when [NewEndpoint] is
// not given one) costs nothing at runtime, consistent with "optional" in
// spec.md §4.3 — embedded targets that never import Prometheus never pay
// for it.
type ProbeConfig struct {
	rtt               prometheus.Gauge
	windowUtilization prometheus.Gauge
	retransmits       prometheus.Counter
	sent              prometheus.Counter
}

// NewProbeConfig registers Gattlink link-quality gauges/counters with reg,
// labeled by name (typically the endpoint's role, e.g. "central" or
// "peripheral"), and returns a [*ProbeConfig] to pass to [NewEndpoint].
func NewProbeConfig(reg prometheus.Registerer, name string) *ProbeConfig {
	labels := prometheus.Labels{"endpoint": name}
	p := &ProbeConfig{
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gattlink",
			Name:        "round_trip_estimate_seconds",
			Help:        "Most recent packet round-trip time observed by the retransmit window.",
			ConstLabels: labels,
		}),
		windowUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gattlink",
			Name:        "tx_window_utilization_ratio",
			Help:        "Fraction of the transmit window currently occupied by unacknowledged packets.",
			ConstLabels: labels,
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gattlink",
			Name:        "retransmits_total",
			Help:        "Number of retransmit timer firings that started a resend of the outstanding packets.",
			ConstLabels: labels,
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gattlink",
			Name:        "packets_sent_total",
			Help:        "Number of data packets transmitted, including retransmits.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(p.rtt, p.windowUtilization, p.retransmits, p.sent)
	return p
}

func (p *ProbeConfig) observeSent() {
	if p == nil {
		return
	}
	p.sent.Inc()
}

func (p *ProbeConfig) observeRetransmit() {
	if p == nil {
		return
	}
	p.retransmits.Inc()
}

func (p *ProbeConfig) observeRTT(d time.Duration) {
	if p == nil {
		return
	}
	p.rtt.Set(d.Seconds())
}

func (p *ProbeConfig) setWindowUtilization(ratio float64) {
	if p == nil {
		return
	}
	p.windowUtilization.Set(ratio)
}
