package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// stream reads frames from a websocket until it fails or is closed.
type stream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func startStream(conn *websocket.Conn, logger *slog.Logger, onFrame func(streamFrame)) *stream {
	s := &stream{conn: conn, logger: logger, done: make(chan struct{})}
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go s.readLoop(onFrame)
	return s
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream with a normal closure. Err stays nil.
func (s *stream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
	err := s.conn.Close()
	s.finish(nil)
	return err
}

func (s *stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closed {
			s.err = err
		}
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *stream) readLoop(onFrame func(streamFrame)) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("stream closed by server")
			}
			_ = s.conn.Close()
			s.finish(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		onFrame(frame)
	}
}
