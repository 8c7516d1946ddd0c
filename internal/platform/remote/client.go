package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/presence"
	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the platform root, e.g. https://chat.example.com.
	BaseURL string

	// Token is the session token sent as a bearer credential.
	Token string

	// RequestTimeout bounds each REST call that has no earlier deadline.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client talks to a platform server for one signed-in user.
type Client struct {
	base    *url.URL
	token   string
	userID  string
	expires time.Time
	timeout time.Duration
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a client. The token identifies the user.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("remote: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	userID, expires, err := tokenInfo(config.Token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		base:    base,
		token:   config.Token,
		userID:  userID,
		expires: expires,
		timeout: config.RequestTimeout,
		http:    config.HTTPClient,
		dialer:  config.Dialer,
		logger:  config.Logger,
		now:     config.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "remote", "user_id", userID)
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// UserID returns the subject of the session token.
func (c *Client) UserID() string { return c.userID }

// Probe performs a lightweight round trip.
func (c *Client) Probe(ctx context.Context, userID string) error {
	if userID != c.userID {
		return fmt.Errorf("remote: probe for %s with token of %s", userID, c.userID)
	}
	return c.do(ctx, http.MethodGet, pathPing, nil, nil)
}

// InsertMessage writes msg. The server answers with its stored copy.
func (c *Client) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, pathMessages, msg, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// ToggleLike flips userID's like on postID.
func (c *Client) ToggleLike(ctx context.Context, postID, userID string) (models.LikeState, error) {
	if userID != c.userID {
		return models.LikeState{}, fmt.Errorf("remote: like for %s with token of %s", userID, c.userID)
	}
	var out models.LikeState
	if err := c.do(ctx, http.MethodPost, pathPosts+"/"+url.PathEscape(postID)+"/like", nil, &out); err != nil {
		return models.LikeState{}, err
	}
	return out, nil
}

// UpdateReadState marks messages read in one batch.
func (c *Client) UpdateReadState(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, pathRead, readRequest{IDs: messageIDs}, nil)
}

// FetchThreads lists the threads of the token's user.
func (c *Client) FetchThreads(ctx context.Context, userID string) ([]models.ChatThread, error) {
	if userID != c.userID {
		return nil, fmt.Errorf("remote: threads of %s with token of %s", userID, c.userID)
	}
	var out []models.ChatThread
	if err := c.do(ctx, http.MethodGet, pathThreads, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns the latest page of the conversation with peerID.
func (c *Client) FetchMessages(ctx context.Context, userID, peerID string, limit int) ([]models.Message, error) {
	if userID != c.userID {
		return nil, fmt.Errorf("remote: messages of %s with token of %s", userID, c.userID)
	}
	path := pathThreads + "/" + url.PathEscape(peerID) + "/messages?limit=" + strconv.Itoa(limit)
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPosts returns the newest posts.
func (c *Client) FetchPosts(ctx context.Context, limit int) ([]models.Post, error) {
	var out []models.Post
	if err := c.do(ctx, http.MethodGet, pathPosts+"?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the websocket change feed for resource.
func (c *Client) Subscribe(ctx context.Context, resource models.Resource, onEvent func(models.RawEvent)) (feed.Subscription, error) {
	conn, err := c.dial(ctx, pathFeed+"?resource="+url.QueryEscape(string(resource)))
	if err != nil {
		return nil, err
	}
	return startStream(conn, c.logger.With("resource", resource), func(frame streamFrame) {
		if frame.Type == frameEvent && frame.Event != nil {
			raw := *frame.Event
			raw.ReceivedAt = c.now()
			onEvent(raw)
		}
	}), nil
}

// Presence returns the presence transport of the client.
func (c *Client) Presence() *Presence {
	return &Presence{client: c}
}

// Presence publishes and streams presence records.
type Presence struct {
	client *Client
}

// Announce publishes the local record.
func (p *Presence) Announce(ctx context.Context, record models.PresenceRecord) error {
	return p.client.do(ctx, http.MethodPost, pathPresence, record, nil)
}

// Subscribe streams the roster and departures.
func (p *Presence) Subscribe(ctx context.Context, onSnapshot func([]models.PresenceRecord), onDeparture func(userID string, at time.Time)) (presence.Subscription, error) {
	conn, err := p.client.dial(ctx, pathRoster)
	if err != nil {
		return nil, err
	}
	return startStream(conn, p.client.logger.With("stream", "presence"), func(frame streamFrame) {
		switch frame.Type {
		case frameSnapshot:
			onSnapshot(frame.Records)
		case frameDeparture:
			onDeparture(frame.UserID, frame.At)
		}
	}), nil
}

func (c *Client) checkToken() error {
	if !c.expires.IsZero() && !c.now().Before(c.expires) {
		return syncerr.Rejected("remote request", ErrTokenExpired)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return syncerr.Transient(method+" "+path, err)
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}
	target := *c.base
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, target.String()+path, header)
	if err != nil {
		if resp != nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
			resp.Body.Close()
			if classified := classify(resp.StatusCode, data); classified != nil {
				return nil, classified
			}
		}
		return nil, syncerr.Transient("dial "+path, err)
	}
	return conn, nil
}

var (
	_ connection.Prober  = (*Client)(nil)
	_ feed.ChangeFeed    = (*Client)(nil)
	_ feed.RemoteWriter  = (*Client)(nil)
	_ feed.Fetcher       = (*Client)(nil)
	_ presence.Transport = (*Presence)(nil)
)
