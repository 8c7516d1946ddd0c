package models

import "time"

// ConnectionQuality classifies the link to the remote platform.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityOffline   ConnectionQuality = "offline"
)

// LatencyThresholds are the upper bounds used to grade a successful probe.
type LatencyThresholds struct {
	Excellent time.Duration `yaml:"excellent" json:"excellent"`
	Good      time.Duration `yaml:"good" json:"good"`
}

// DefaultLatencyThresholds returns the 100ms / 300ms grading bounds.
func DefaultLatencyThresholds() LatencyThresholds {
	return LatencyThresholds{
		Excellent: 100 * time.Millisecond,
		Good:      300 * time.Millisecond,
	}
}

// QualityForLatency grades a successful round trip.
func QualityForLatency(latency time.Duration, thresholds LatencyThresholds) ConnectionQuality {
	switch {
	case latency < thresholds.Excellent:
		return QualityExcellent
	case latency < thresholds.Good:
		return QualityGood
	default:
		return QualityPoor
	}
}

// ConnectionState is a point-in-time view of connectivity. It is passed by value;
// Quality is offline exactly when IsConnected is false.
type ConnectionState struct {
	IsOnline    bool              `json:"is_online"`
	IsConnected bool              `json:"is_connected"`
	Latency     time.Duration     `json:"latency"`
	Quality     ConnectionQuality `json:"quality"`
	LastProbeAt time.Time         `json:"last_probe_at"`
}

// OfflineState returns the state used before the first probe completes.
func OfflineState(online bool) ConnectionState {
	return ConnectionState{
		IsOnline: online,
		Quality:  QualityOffline,
	}
}

// Degraded reports whether background work should slow down.
func (s ConnectionState) Degraded() bool {
	return s.Quality == QualityPoor || s.Quality == QualityOffline
}
