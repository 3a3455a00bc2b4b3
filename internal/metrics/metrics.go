// Package metrics exposes engine counters through Prometheus.
//
// A nil *Metrics is valid and records nothing, so the engine never has to
// check whether metrics were configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beacon_mdns"

// Message kinds used as label values.
const (
	KindProbe             = "probe"
	KindQuery             = "query"
	KindMulticastResponse = "multicast_response"
	KindUnicastResponse   = "unicast_response"
	KindLegacyResponse    = "legacy_unicast_response"
	KindResponse          = "response"
	KindLegacyQuery       = "legacy_query"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	sent      *prometheus.CounterVec
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	conflicts prometheus.Counter
	entries   *prometheus.GaugeVec
	caches    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outgoing mDNS messages by kind.",
		}, []string{"kind"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Accepted incoming mDNS messages by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Incoming mDNS messages dropped, by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Name conflicts detected for local entries.",
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Local host and service entries.",
		}, []string{"kind"}),
		caches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "caches",
			Help:      "Browse and resolve cache entries.",
		}, []string{"kind"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.sent, m.received, m.dropped, m.conflicts, m.entries, m.caches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MessageSent counts one outgoing message.
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

// MessageReceived counts one accepted incoming message (KindQuery, KindLegacyQuery or KindResponse).
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

// MessageDropped counts one discarded incoming message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Conflict counts one detected conflict.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// SetEntries reports the number of local entries of a kind ("host", "service", "service_type").
func (m *Metrics) SetEntries(kind string, n int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(kind).Set(float64(n))
}

// SetCaches reports the number of cache entries of a kind ("browse", "srv", ...).
func (m *Metrics) SetCaches(kind string, n int) {
	if m == nil {
		return
	}
	m.caches.WithLabelValues(kind).Set(float64(n))
}
