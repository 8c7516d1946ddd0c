package models

import "time"

// ChatThread is the direct conversation between exactly two users.
type ChatThread struct {
	ID                 string    `json:"id"`
	Participants       [2]string `json:"participant_ids"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

// ThreadKey identifies the thread of an unordered participant pair.
func ThreadKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NewThread creates the thread for a participant pair with sorted participants.
func NewThread(a, b string) ChatThread {
	if b < a {
		a, b = b, a
	}
	return ChatThread{
		ID:           ThreadKey(a, b),
		Participants: [2]string{a, b},
	}
}

// Has reports whether userID participates in the thread.
func (t ChatThread) Has(userID string) bool {
	return t.Participants[0] == userID || t.Participants[1] == userID
}

// Peer returns the participant that is not localUser.
func (t ChatThread) Peer(localUser string) string {
	if t.Participants[0] == localUser {
		return t.Participants[1]
	}
	return t.Participants[0]
}
