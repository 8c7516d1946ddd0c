package models

import (
	"testing"
	"time"
)

func TestOfflineState(t *testing.T) {
	for _, online := range []bool{true, false} {
		state := OfflineState(online)
		if state.IsOnline != online {
			t.Errorf("IsOnline = %v, want %v", state.IsOnline, online)
		}
		if state.IsConnected || state.Quality != QualityOffline {
			t.Errorf("OfflineState(%v) = %+v", online, state)
		}
		if !state.Degraded() {
			t.Errorf("offline state should be degraded")
		}
	}
}

func TestQualityForLatency_CustomThresholds(t *testing.T) {
	thresholds := LatencyThresholds{Excellent: 10 * time.Millisecond, Good: 20 * time.Millisecond}
	if q := QualityForLatency(15*time.Millisecond, thresholds); q != QualityGood {
		t.Errorf("quality = %s, want good", q)
	}
	if q := QualityForLatency(20*time.Millisecond, thresholds); q != QualityPoor {
		t.Errorf("quality = %s, want poor", q)
	}
}
