// Package store persists per-peer conversations and their messages in
// SQLite. Conversations are keyed by peer name; messages are append-only and
// removed only through the conversation cascade.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finchley/autoreply/internal/idgen"
)

// DefaultPersona is the system instruction used until a conversation gets its
// own persona.
const DefaultPersona = "You are a friendly, easygoing chat companion. Keep replies short, warm, and natural, and avoid overly formal language."

type Sender string

const (
	SenderSelf Sender = "self"
	SenderPeer Sender = "peer"
)

type Conversation struct {
	ID         string    `json:"id"`
	PeerName   string    `json:"peer_name"`
	LastActive time.Time `json:"last_active"`
	Persona    string    `json:"persona"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

// WithClock overrides the store's time source, mainly for retention tests.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithIDGenerator overrides row ID generation.
func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// FindOrCreate returns the conversation ID for peer, creating the row on
// first contact. Idempotent under concurrent calls: the UNIQUE constraint on
// peer_name decides the winner, and losers re-read the surviving row.
func (s *Store) FindOrCreate(ctx context.Context, peer string) (string, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return "", fmt.Errorf("peer name is required")
	}
	if err := execWithRetry(ctx, s.db, `
		INSERT INTO conversations (id, peer_name, last_active, persona)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_name) DO NOTHING
	`, s.newIDFn(), peer, s.now().UnixMilli(), DefaultPersona); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE peer_name = ?`, peer).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	return id, nil
}

// AppendMessage inserts one message and bumps the parent conversation's
// last_active in a single transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, sender Sender, content string) (Message, error) {
	if conversationID == "" {
		return Message{}, fmt.Errorf("conversation id is required")
	}
	if sender != SenderSelf && sender != SenderPeer {
		return Message{}, fmt.Errorf("unknown sender %q", sender)
	}

	msg := Message{
		ID:             s.newIDFn(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Timestamp:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.Timestamp.UnixMilli()); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_active = ? WHERE id = ?`,
		msg.Timestamp.UnixMilli(), conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation rows affected: %w", err)
	}
	if affected == 0 {
		return Message{}, fmt.Errorf("conversation %s not found", conversationID)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// History returns the peer's messages in ascending timestamp order. An
// unknown peer yields an empty history, not an error.
func (s *Store) History(ctx context.Context, peer string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender, m.content, m.timestamp
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.peer_name = ?
		ORDER BY m.timestamp ASC, m.rowid ASC
	`, peer)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var sender string
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Sender = Sender(sender)
		msg.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetPersona returns the stored persona for peer, or DefaultPersona when the
// peer has no conversation yet.
func (s *Store) GetPersona(ctx context.Context, peer string) (string, error) {
	var persona string
	err := s.db.QueryRowContext(ctx, `SELECT persona FROM conversations WHERE peer_name = ?`, peer).Scan(&persona)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPersona, nil
	}
	if err != nil {
		return "", fmt.Errorf("load persona: %w", err)
	}
	return persona, nil
}

// SetPersona stores a persona for peer, creating the conversation if needed.
func (s *Store) SetPersona(ctx context.Context, peer, persona string) error {
	id, err := s.FindOrCreate(ctx, peer)
	if err != nil {
		return err
	}
	if err := execWithRetry(ctx, s.db, `UPDATE conversations SET persona = ? WHERE id = ?`, persona, id); err != nil {
		return fmt.Errorf("update persona: %w", err)
	}
	return nil
}

// Delete removes the peer's conversation and, through the cascade, all of its
// messages. Unknown peers are a no-op.
func (s *Store) Delete(ctx context.Context, peer string) error {
	if err := execWithRetry(ctx, s.db, `DELETE FROM conversations WHERE peer_name = ?`, peer); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Sweep removes every conversation whose last_active is older than
// maxInactive, cascading to its messages, and returns how many conversations
// went away.
func (s *Store) Sweep(ctx context.Context, maxInactive time.Duration) (int, error) {
	cutoff := s.now().Add(-maxInactive).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(affected), nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_name, last_active, persona
		FROM conversations
		ORDER BY last_active DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var lastActive int64
		if err := rows.Scan(&conv.ID, &conv.PeerName, &lastActive, &conv.Persona); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.LastActive = time.UnixMilli(lastActive).UTC()
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
