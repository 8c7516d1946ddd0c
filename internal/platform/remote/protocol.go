// Package remote speaks the chat platform's HTTP and websocket protocol.
// Client implements the sync layer's transport interfaces against a server;
// Server exposes a memory backend over the same protocol.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

const (
	pathPing      = "/v1/ping"
	pathMessages  = "/v1/messages"
	pathRead      = "/v1/messages/read"
	pathThreads   = "/v1/threads"
	pathPosts     = "/v1/posts"
	pathPresence  = "/v1/presence"
	pathFeed      = "/v1/feed"
	pathRoster    = "/v1/presence/stream"
	tokenIssuer   = "chatsync"
	maxFrameBytes = 1 << 20

	wsPingInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
)

var (
	// ErrTokenExpired is returned for requests made with an expired token.
	ErrTokenExpired = errors.New("remote: token expired")

	errUnauthorized = errors.New("unauthorized")
)

// streamFrame is one server-to-client websocket message.
type streamFrame struct {
	Type    string                  `json:"type"`
	Event   *models.RawEvent        `json:"event,omitempty"`
	Records []models.PresenceRecord `json:"records,omitempty"`
	UserID  string                  `json:"user_id,omitempty"`
	At      time.Time               `json:"at,omitempty"`
}

const (
	frameEvent     = "event"
	frameSnapshot  = "snapshot"
	frameDeparture = "departure"
)

type readRequest struct {
	IDs []string `json:"ids"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IssueToken signs a session token for userID.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("remote: signing secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("remote: user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifyToken validates a signed token and returns its subject.
func verifyToken(secret []byte, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrTokenExpired
	}
	if err != nil || !parsed.Valid {
		return "", errUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

// tokenInfo reads the subject and expiry of a token without verifying it.
// Verification is the server's job; the client only needs to know who it is
// and when to stop using the token.
func tokenInfo(token string) (subject string, expires time.Time, err error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("remote: parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", time.Time{}, errors.New("remote: token has no subject")
	}
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return claims.Subject, expires, nil
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// classify maps a response status to the sync layer's failure classes.
// Timeouts, throttling and server errors may succeed later; every other
// client error is a rejection.
func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var payload errorBody
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	err := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return syncerr.Transient("remote request", err)
	case status == http.StatusUnauthorized && payload.Code == "token_expired":
		return syncerr.Rejected("remote request", errors.Join(ErrTokenExpired, err))
	default:
		return syncerr.Rejected("remote request", err)
	}
}
