package models

import "time"

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether the status is one of the known values.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the authoritative presence entry for one user.
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Status      PresenceStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
}

// Newer reports whether r should replace other under last-writer-wins.
func (r PresenceRecord) Newer(other PresenceRecord) bool {
	return r.LastSeenAt.After(other.LastSeenAt)
}
