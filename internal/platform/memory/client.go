package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/presence"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Client is one user's session against a Backend. It implements the probe,
// change feed, writer and fetcher interfaces of the sync layer.
type Client struct {
	backend *Backend
	userID  string
}

// UserID returns the user this client acts for.
func (c *Client) UserID() string { return c.userID }

// Probe performs a round trip for the connection monitor.
func (c *Client) Probe(ctx context.Context, userID string) error {
	if userID != c.userID {
		return fmt.Errorf("memory: probe for %s on client of %s", userID, c.userID)
	}
	return c.backend.probe(ctx, userID)
}

// Subscribe opens a push subscription for resource.
func (c *Client) Subscribe(ctx context.Context, resource models.Resource, onEvent func(models.RawEvent)) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := c.backend.subscribeFeed(c.userID, resource, onEvent)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// InsertMessage writes msg. Repeating an id returns the stored copy.
func (c *Client) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	return c.backend.insertMessage(c.userID, msg)
}

// ToggleLike flips userID's like on postID and returns the new counter.
func (c *Client) ToggleLike(ctx context.Context, postID, userID string) (models.LikeState, error) {
	if err := ctx.Err(); err != nil {
		return models.LikeState{}, err
	}
	if userID != c.userID {
		return models.LikeState{}, fmt.Errorf("memory: like for %s on client of %s", userID, c.userID)
	}
	return c.backend.toggleLike(userID, postID)
}

// UpdateReadState marks messages addressed to the client's user as read.
func (c *Client) UpdateReadState(ctx context.Context, messageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.backend.updateReadState(c.userID, messageIDs)
}

// FetchThreads returns the threads of userID, most recent first.
func (c *Client) FetchThreads(ctx context.Context, userID string) ([]models.ChatThread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.backend.fetchThreads(userID)
}

// FetchMessages returns the last limit messages between userID and peerID.
func (c *Client) FetchMessages(ctx context.Context, userID, peerID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.backend.fetchMessages(userID, peerID, limit)
}

// FetchPosts returns the newest posts as seen by the client's user.
func (c *Client) FetchPosts(ctx context.Context, limit int) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.backend.fetchPosts(c.userID, limit)
}

// Presence returns the presence channel of the client.
func (c *Client) Presence() *Presence {
	return &Presence{client: c}
}

// Presence is the client's presence transport.
type Presence struct {
	client *Client
}

// Announce publishes the local presence record.
func (p *Presence) Announce(ctx context.Context, record models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.backend.announce(p.client.userID, record)
}

// Subscribe streams presence changes. The current roster is delivered first.
func (p *Presence) Subscribe(ctx context.Context, onSnapshot func([]models.PresenceRecord), onDeparture func(userID string, at time.Time)) (presence.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := p.client.backend.subscribePresence(p.client.userID, onSnapshot, onDeparture)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

var (
	_ connection.Prober  = (*Client)(nil)
	_ feed.ChangeFeed    = (*Client)(nil)
	_ feed.RemoteWriter  = (*Client)(nil)
	_ feed.Fetcher       = (*Client)(nil)
	_ presence.Transport = (*Presence)(nil)
)
