package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/chatsync/pkg/models"
)

// Metrics collects Prometheus metrics for the sync components.
//
//   - Probe latency and connection quality from the connection monitor
//   - Cache hits, misses and evictions
//   - Feed events by resource, type and outcome (applied, duplicate, invalid)
//   - Outbound message results and optimistic mutation resolutions
//   - Reconciliation pulls and presence heartbeats
type Metrics struct {
	// ProbeDuration measures probe round trips in seconds.
	// Labels: result (success|failure)
	ProbeDuration *prometheus.HistogramVec

	// ConnectionQuality is 1 for the current quality and 0 for the others.
	// Labels: quality (excellent|good|poor|offline)
	ConnectionQuality *prometheus.GaugeVec

	// ReconnectAttempts counts scheduled backoff retries.
	ReconnectAttempts prometheus.Counter

	// CacheOperations counts cache activity.
	// Labels: cache, op (hit|miss|evict_expired|evict_lru)
	CacheOperations *prometheus.CounterVec

	// FeedEvents counts inbound change feed events.
	// Labels: resource, type, outcome (applied|duplicate|invalid|buffered)
	FeedEvents *prometheus.CounterVec

	// MessagesSent counts outbound message results.
	// Labels: result (sent|retried|failed|rejected)
	MessagesSent *prometheus.CounterVec

	// OptimisticResolutions counts how optimistic mutations ended.
	// Labels: outcome (confirmed|rolled_back|superseded)
	OptimisticResolutions *prometheus.CounterVec

	// ReconcileDuration measures full reconciliation pulls in seconds.
	// Labels: reason (initial|interval|reconnect|resubscribe), result (success|failure)
	ReconcileDuration *prometheus.HistogramVec

	// SubscriptionDrops counts push subscriptions that ended unexpectedly.
	// Labels: resource
	SubscriptionDrops *prometheus.CounterVec

	// PresenceHeartbeats counts presence announcements.
	// Labels: result (sent|skipped|failed)
	PresenceHeartbeats *prometheus.CounterVec

	// PresenceRecords tracks how many users have a presence record.
	PresenceRecords prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg uses
// the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_probe_duration_seconds",
				Help:    "Duration of connection probes in seconds",
				Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
			},
			[]string{"result"},
		),

		ConnectionQuality: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_quality",
				Help: "Current connection quality (1 for the active quality)",
			},
			[]string{"quality"},
		),

		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnect_attempts_total",
				Help: "Total number of scheduled reconnect attempts",
			},
		),

		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_cache_operations_total",
				Help: "Cache hits, misses and evictions by cache",
			},
			[]string{"cache", "op"},
		),

		FeedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_feed_events_total",
				Help: "Change feed events by resource, type and outcome",
			},
			[]string{"resource", "type", "outcome"},
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_messages_sent_total",
				Help: "Outbound message results",
			},
			[]string{"result"},
		),

		OptimisticResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_optimistic_resolutions_total",
				Help: "Optimistic mutations by outcome",
			},
			[]string{"outcome"},
		),

		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_reconcile_duration_seconds",
				Help:    "Duration of full reconciliation pulls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"reason", "result"},
		),

		SubscriptionDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_subscription_drops_total",
				Help: "Push subscriptions that ended unexpectedly",
			},
			[]string{"resource"},
		),

		PresenceHeartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_presence_heartbeats_total",
				Help: "Presence announcements by result",
			},
			[]string{"result"},
		),

		PresenceRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_presence_records",
				Help: "Number of users with a presence record",
			},
		),
	}
}

// ProbeCompleted records a probe and the resulting quality.
func (m *Metrics) ProbeCompleted(latency time.Duration, quality models.ConnectionQuality, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ProbeDuration.WithLabelValues(result).Observe(latency.Seconds())
	m.SetQuality(quality)
}

// SetQuality marks quality as the active connection quality.
func (m *Metrics) SetQuality(quality models.ConnectionQuality) {
	if m == nil {
		return
	}
	for _, q := range []models.ConnectionQuality{
		models.QualityExcellent, models.QualityGood, models.QualityPoor, models.QualityOffline,
	} {
		value := 0.0
		if q == quality {
			value = 1
		}
		m.ConnectionQuality.WithLabelValues(string(q)).Set(value)
	}
}

// ReconnectScheduled counts a backoff retry.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(name string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(name, "hit").Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(name string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(name, "miss").Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(name, reason string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(name, "evict_"+reason).Inc()
}

// FeedEvent counts an inbound change feed event.
func (m *Metrics) FeedEvent(resource models.Resource, eventType models.EventType, outcome string) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(string(resource), string(eventType), outcome).Inc()
}

// MessageResult counts an outbound message result.
func (m *Metrics) MessageResult(result string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(result).Inc()
}

// OptimisticResolved counts how an optimistic mutation ended.
func (m *Metrics) OptimisticResolved(outcome string) {
	if m == nil {
		return
	}
	m.OptimisticResolutions.WithLabelValues(outcome).Inc()
}

// ReconcileCompleted records a full reconciliation pull.
func (m *Metrics) ReconcileCompleted(reason string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ReconcileDuration.WithLabelValues(reason, result).Observe(duration.Seconds())
}

// SubscriptionDropped counts a lost push subscription.
func (m *Metrics) SubscriptionDropped(resource models.Resource) {
	if m == nil {
		return
	}
	m.SubscriptionDrops.WithLabelValues(string(resource)).Inc()
}

// Heartbeat counts a presence announcement.
func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.PresenceHeartbeats.WithLabelValues(result).Inc()
}

// SetPresenceRecords updates the presence record gauge.
func (m *Metrics) SetPresenceRecords(n int) {
	if m == nil {
		return
	}
	m.PresenceRecords.Set(float64(n))
}
