// Package metrics exposes the bot's Prometheus collectors on a private
// registry. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lampbot"

type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	wsClients       prometheus.Gauge
	broadcastDrops  prometheus.Counter
	messages        *prometheus.CounterVec
	reputation      *prometheus.CounterVec
	nicknames       *prometheus.CounterVec
	triggers        *prometheus.CounterVec
	unlocks         *prometheus.CounterVec
	saves           *prometheus.CounterVec
	snapshotBytes   prometheus.Gauge
	lastSave        prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Current connected event feed clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Events dropped because a feed client was too slow",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound chat messages by outcome",
		}, []string{"outcome"}),
		reputation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reputation_adjustments_total",
			Help:      "Reputation adjustments by result",
		}, []string{"result"}),
		nicknames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nickname_requests_total",
			Help:      "Nickname requests by result",
		}, []string{"result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_matches_total",
			Help:      "Trigger matches, fired or suppressed by cooldown",
		}, []string{"result"}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievement_unlocks_total",
			Help:      "Achievements unlocked",
		}, []string{"achievement"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot writes by target and result",
		}, []string{"target", "result"}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Size of the last encoded snapshot",
		}),
		lastSave: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_last_save_timestamp_seconds",
			Help:      "Unix time of the last successful save",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.wsClients,
		m.broadcastDrops,
		m.messages,
		m.reputation,
		m.nicknames,
		m.triggers,
		m.unlocks,
		m.saves,
		m.snapshotBytes,
		m.lastSave,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncWSClients adjusts the feed client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

// IncMessages counts an inbound message: "handled" or "rejected".
func (m *Metrics) IncMessages(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReputation(result string) {
	if m == nil {
		return
	}
	m.reputation.WithLabelValues(result).Inc()
}

func (m *Metrics) IncNickname(result string) {
	if m == nil {
		return
	}
	m.nicknames.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTrigger(result string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(result).Inc()
}

func (m *Metrics) IncUnlock(achievement string) {
	if m == nil {
		return
	}
	m.unlocks.WithLabelValues(achievement).Inc()
}

// ObserveSave records one write attempt. size is only recorded on success.
func (m *Metrics) ObserveSave(target string, err error, size int, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.saves.WithLabelValues(target, "error").Inc()
		return
	}
	m.saves.WithLabelValues(target, "ok").Inc()
	m.snapshotBytes.Set(float64(size))
	m.lastSave.Set(float64(at.Unix()))
}
