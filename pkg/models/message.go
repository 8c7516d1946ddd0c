// Package models defines the entities kept in sync between the client and the
// platform, and the change events that carry them.
package models

import (
	"errors"
	"strings"
	"time"
)

// DeliveryState tracks an outbound message through the send pipeline.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is a direct message between two users. Outbound messages carry a
// client-generated ID so the server echo can be matched against the local copy.
type Message struct {
	ID            string        `json:"id"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    string        `json:"receiver_id"`
	Body          string        `json:"body"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
	Read          bool          `json:"read"`
}

// EntityID implements Entity.
func (m Message) EntityID() string { return m.ID }

// EntityTimestamp implements Entity.
func (m Message) EntityTimestamp() time.Time { return m.CreatedAt }

// ThreadKey returns the key of the thread this message belongs to.
func (m Message) ThreadKey() string { return ThreadKey(m.SenderID, m.ReceiverID) }

// Peer returns the other participant from localUser's point of view.
func (m Message) Peer(localUser string) string {
	if m.SenderID == localUser {
		return m.ReceiverID
	}
	return m.SenderID
}

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return errors.New("message sender and receiver are required")
	}
	if m.SenderID == m.ReceiverID {
		return errors.New("message sender and receiver must differ")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("message body is empty")
	}
	return nil
}

// Preview returns the thread preview text for a message body.
func Preview(body string, limit int) string {
	body = strings.TrimSpace(body)
	if limit <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + "…"
}
