// Package outbox persists outbound messages that have not been confirmed by
// the remote platform, so pending and failed sends survive a restart.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatsync/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Config configures a sqlite-backed outbox.
type Config struct {
	// Path is the database file; empty means an in-memory database.
	Path string

	// BusyTimeout is how long a write waits on a locked database.
	BusyTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Store is the durable outbox.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at config.Path and applies the schema.
func Open(ctx context.Context, config Config) (*Store, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busy.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writes.
	db.SetMaxOpenConns(1)

	ran, err := migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox %s: %w", path, err)
	}

	s := New(db, config)
	s.owned = true
	if len(ran) > 0 {
		s.logger.Info("outbox schema updated", "path", path, "steps", ran)
	}
	return s, nil
}

// New wraps an existing database whose schema is already in place.
func New(db *sql.DB, config Config) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "outbox"),
		now:    now,
	}
}

// Save inserts msg or replaces the stored copy with the same id.
func (s *Store) Save(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return errors.New("outbox: message id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, sender_id, receiver_id, body, created_at_ns, delivery_state, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			delivery_state = excluded.delivery_state,
			updated_at_ns = excluded.updated_at_ns
	`,
		msg.ID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Body,
		msg.CreatedAt.UnixNano(),
		string(msg.DeliveryState),
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("outbox: save %s: %w", msg.ID, err)
	}
	return nil
}

// Delete removes the message with id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("outbox: delete %s: %w", id, err)
	}
	return nil
}

// Load returns the stored messages of senderID, oldest first.
func (s *Store) Load(ctx context.Context, senderID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, body, created_at_ns, delivery_state
		FROM outbox_messages
		WHERE sender_id = ?
		ORDER BY created_at_ns, id
	`, senderID)
	if err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			createdNs int64
			state     string
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &createdNs, &state); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msg.CreatedAt = time.Unix(0, createdNs).UTC()
		msg.DeliveryState = models.DeliveryState(state)
		if msg.DeliveryState == models.DeliverySent {
			// Confirmed sends are deleted; a leftover row is stale.
			s.logger.Debug("skipping confirmed outbox row", "message_id", msg.ID)
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}
	return out, nil
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
