package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/haasonsaas/chatsync/pkg/models"
)

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.ProbeCompleted(time.Millisecond, models.QualityGood, nil)
	m.ReconnectScheduled()
	m.CacheHit("messages")
	m.CacheMiss("messages")
	m.CacheEvicted("messages", "lru")
	m.FeedEvent(models.ResourceMessages, models.EventInsert, "applied")
	m.MessageResult("sent")
	m.OptimisticResolved("confirmed")
	m.ReconcileCompleted("interval", time.Second, nil)
	m.SubscriptionDropped(models.ResourcePosts)
	m.Heartbeat("sent")
	m.SetPresenceRecords(3)
}

func TestMetrics_SetQuality(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetQuality(models.QualityExcellent)
	m.SetQuality(models.QualityPoor)

	expected := `
		# HELP chatsync_connection_quality Current connection quality (1 for the active quality)
		# TYPE chatsync_connection_quality gauge
		chatsync_connection_quality{quality="excellent"} 0
		chatsync_connection_quality{quality="good"} 0
		chatsync_connection_quality{quality="offline"} 0
		chatsync_connection_quality{quality="poor"} 1
	`
	if err := testutil.CollectAndCompare(m.ConnectionQuality, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetrics_ProbeCompleted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ProbeCompleted(50*time.Millisecond, models.QualityExcellent, nil)
	m.ProbeCompleted(0, models.QualityOffline, errors.New("timeout"))

	if count := testutil.CollectAndCount(m.ProbeDuration); count != 2 {
		t.Errorf("expected 2 result series, got %d", count)
	}
	if v := testutil.ToFloat64(m.ConnectionQuality.WithLabelValues("offline")); v != 1 {
		t.Errorf("offline gauge = %v, want 1", v)
	}
}

func TestMetrics_CacheObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.CacheHit("threads")
	m.CacheHit("threads")
	m.CacheMiss("threads")
	m.CacheEvicted("threads", "expired")

	tests := []struct {
		op   string
		want float64
	}{
		{"hit", 2},
		{"miss", 1},
		{"evict_expired", 1},
		{"evict_lru", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.CacheOperations.WithLabelValues("threads", tt.op)); got != tt.want {
			t.Errorf("op %s = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestMetrics_FeedAndSend(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.FeedEvent(models.ResourceMessages, models.EventInsert, "applied")
	m.FeedEvent(models.ResourceMessages, models.EventInsert, "duplicate")
	m.FeedEvent(models.ResourceMessages, models.EventInsert, "duplicate")
	m.MessageResult("failed")
	m.SetPresenceRecords(4)

	if got := testutil.ToFloat64(m.FeedEvents.WithLabelValues("messages", "insert", "duplicate")); got != 2 {
		t.Errorf("duplicate events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PresenceRecords); got != 4 {
		t.Errorf("presence records = %v, want 4", got)
	}
}

func TestMetrics_ReconcileHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ReconcileCompleted("interval", 120*time.Millisecond, nil)
	m.ReconcileCompleted("interval", 80*time.Millisecond, nil)
	m.ReconcileCompleted("reconnect", time.Second, errors.New("unreachable"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "chatsync_reconcile_duration_seconds" {
			family = f
		}
	}
	if family == nil {
		t.Fatal("reconcile histogram not registered")
	}
	if family.GetType() != dto.MetricType_HISTOGRAM {
		t.Fatalf("type = %v, want histogram", family.GetType())
	}

	counts := map[string]uint64{}
	for _, metric := range family.GetMetric() {
		labels := map[string]string{}
		for _, pair := range metric.GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		counts[labels["reason"]+"/"+labels["result"]] = metric.GetHistogram().GetSampleCount()
	}
	if counts["interval/success"] != 2 || counts["reconnect/failure"] != 1 {
		t.Fatalf("sample counts = %v", counts)
	}
}
