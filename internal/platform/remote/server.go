package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatsync/internal/platform/memory"
	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Secret verifies session tokens.
	Secret []byte
	Logger *slog.Logger
}

// Server exposes a memory backend over the platform protocol.
type Server struct {
	backend  *memory.Backend
	secret   []byte
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler for backend.
func NewServer(backend *memory.Backend, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		secret:  config.Secret,
		logger:  logger.With("component", "platform-server"),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	s.mux.HandleFunc("GET "+pathPing, s.authed(s.handlePing))
	s.mux.HandleFunc("POST "+pathMessages, s.authed(s.handleInsertMessage))
	s.mux.HandleFunc("POST "+pathRead, s.authed(s.handleReadState))
	s.mux.HandleFunc("GET "+pathThreads, s.authed(s.handleThreads))
	s.mux.HandleFunc("GET "+pathThreads+"/{peer}/messages", s.authed(s.handleMessages))
	s.mux.HandleFunc("GET "+pathPosts, s.authed(s.handlePosts))
	s.mux.HandleFunc("POST "+pathPosts+"/{id}/like", s.authed(s.handleLike))
	s.mux.HandleFunc("POST "+pathPresence, s.authed(s.handleAnnounce))
	s.mux.HandleFunc("GET "+pathFeed, s.authed(s.handleFeed))
	s.mux.HandleFunc("GET "+pathRoster, s.authed(s.handleRoster))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, client *memory.Client)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := verifyToken(s.secret, bearer(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, s.backend.Client(userID))
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	if err := client.Probe(r.Context(), client.UserID()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInsertMessage(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	var msg models.Message
	if !s.decode(w, r, &msg) {
		return
	}
	stored, err := client.InsertMessage(r.Context(), msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	var req readRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := client.UpdateReadState(r.Context(), req.IDs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	threads, err := client.FetchThreads(r.Context(), client.UserID())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	msgs, err := client.FetchMessages(r.Context(), client.UserID(), r.PathValue("peer"), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	posts, err := client.FetchPosts(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	state, err := client.ToggleLike(r.Context(), r.PathValue("id"), client.UserID())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	var record models.PresenceRecord
	if !s.decode(w, r, &record) {
		return
	}
	if err := client.Presence().Announce(r.Context(), record); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	resource := models.Resource(r.URL.Query().Get("resource"))
	if !slices.Contains(models.Resources(), resource) {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_request", Message: "unknown resource " + strconv.Quote(string(resource))})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := newPeer(conn, s.logger.With("user_id", client.UserID(), "resource", resource))

	upstream, err := client.Subscribe(r.Context(), resource, func(raw models.RawEvent) {
		peer.push(streamFrame{Type: frameEvent, Event: &raw})
	})
	if err != nil {
		peer.reject(err)
		return
	}
	peer.serve(upstream)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request, client *memory.Client) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := newPeer(conn, s.logger.With("user_id", client.UserID(), "stream", "presence"))

	upstream, err := client.Presence().Subscribe(r.Context(),
		func(records []models.PresenceRecord) {
			peer.push(streamFrame{Type: frameSnapshot, Records: records})
		},
		func(userID string, at time.Time) {
			peer.push(streamFrame{Type: frameDeparture, UserID: userID, At: at})
		},
	)
	if err != nil {
		peer.reject(err)
		return
	}
	peer.serve(upstream)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_request", Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "token_expired", Message: "token expired"})
	case errors.Is(err, errUnauthorized):
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "unauthorized"})
	case syncerr.IsRejected(err):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Code: "rejected", Message: err.Error()})
	default:
		s.logger.Warn("request failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// upstream is a backend subscription relayed to a websocket peer.
type upstream interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// peer is the server side of one websocket stream.
type peer struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn, logger *slog.Logger) *peer {
	return &peer{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.done) })
}

// push queues frame for the client. A client that cannot keep up is
// disconnected and has to resubscribe.
func (p *peer) push(frame streamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		p.logger.Error("encode frame", "error", err)
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
	default:
		p.logger.Warn("client too slow, closing stream")
		p.stop()
	}
}

func (p *peer) reject(err error) {
	p.closeWith(websocket.ClosePolicyViolation, err.Error())
}

func (p *peer) closeWith(code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
	_ = p.conn.Close()
}

func (p *peer) serve(up upstream) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(ctx)
	}()
	go p.readLoop()

	select {
	case <-p.done:
		_ = up.Close()
		cancel()
		<-writerDone
		p.closeWith(websocket.CloseGoingAway, "stream ended")
	case <-up.Done():
		cancel()
		<-writerDone
		reason := "upstream closed"
		if err := up.Err(); err != nil {
			reason = err.Error()
		}
		p.closeWith(websocket.CloseInternalServerErr, reason)
		p.stop()
	}
}

func (p *peer) readLoop() {
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			p.stop()
			return
		}
	}
}

func (p *peer) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.stop()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.stop()
				return
			}
		}
	}
}
