package feed

import (
	"context"

	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Subscription is an open push stream for one resource.
type Subscription interface {
	// Done is closed when the stream ends for any reason.
	Done() <-chan struct{}
	// Err explains why the stream ended; nil after Close.
	Err() error
	Close() error
}

// ChangeFeed opens push subscriptions. onEvent is called in arrival order.
type ChangeFeed interface {
	Subscribe(ctx context.Context, resource models.Resource, onEvent func(models.RawEvent)) (Subscription, error)
}

// RemoteWriter performs the authoritative writes.
type RemoteWriter interface {
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ToggleLike(ctx context.Context, postID, userID string) (models.LikeState, error)
	UpdateReadState(ctx context.Context, messageIDs []string) error
}

// Fetcher serves reconciliation pulls.
type Fetcher interface {
	FetchThreads(ctx context.Context, userID string) ([]models.ChatThread, error)
	FetchMessages(ctx context.Context, userID, peerID string, limit int) ([]models.Message, error)
	FetchPosts(ctx context.Context, limit int) ([]models.Post, error)
}

// Connectivity is the part of the connection monitor the synchronizer uses.
type Connectivity interface {
	State() models.ConnectionState
	Subscribe(fn connection.Listener) func()
	ForceReconnect()
	WaitConnected(ctx context.Context) error
}

// Outbox persists outbound messages that are not yet sent.
type Outbox interface {
	Save(ctx context.Context, msg models.Message) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context, senderID string) ([]models.Message, error)
}
