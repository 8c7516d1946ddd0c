package models

import "time"

// Post is a feed entry that can be liked.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	LikeCount int       `json:"like_count"`
	LikedByMe bool      `json:"liked_by_me"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// EntityID implements Entity.
func (p Post) EntityID() string { return p.ID }

// EntityTimestamp implements Entity.
func (p Post) EntityTimestamp() time.Time {
	if p.UpdatedAt.After(p.CreatedAt) {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// LikeState is the like counter of a post as seen by the local user.
type LikeState struct {
	Count int  `json:"like_count"`
	Liked bool `json:"liked"`
}

// Toggled returns the naive local guess after the user toggles their like.
func (s LikeState) Toggled() LikeState {
	if s.Liked {
		next := LikeState{Count: s.Count - 1}
		if next.Count < 0 {
			next.Count = 0
		}
		return next
	}
	return LikeState{Count: s.Count + 1, Liked: true}
}

// NotificationKind describes why a notification was raised.
type NotificationKind string

const (
	NotificationLike    NotificationKind = "like"
	NotificationComment NotificationKind = "comment"
	NotificationFollow  NotificationKind = "follow"
	NotificationMessage NotificationKind = "message"
)

// Notification is an activity item addressed to the local user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	ActorID   string           `json:"actor_id"`
	PostID    string           `json:"post_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}

// EntityID implements Entity.
func (n Notification) EntityID() string { return n.ID }

// EntityTimestamp implements Entity.
func (n Notification) EntityTimestamp() time.Time { return n.CreatedAt }
