package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

const sessionColumns = `s.id, s.title, s.scope_kind, s.scope_id, s.model_override, s.context_config,
	s.created_at, s.updated_at, (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)`

func marshalContextConfig(cfg *models.ContextConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal context config: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var (
		sess    models.ChatSession
		cfg     sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Scope.Kind, &sess.Scope.ID, &sess.ModelOverride,
		&cfg, &created, &updated, &sess.MessageCount); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		var cc models.ContextConfig
		if err := json.Unmarshal([]byte(cfg.String), &cc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context config: %w", err)
		}
		sess.Context = &cc
	}
	sess.CreatedAt = fromUnixNano(created)
	sess.UpdatedAt = fromUnixNano(updated)
	return &sess, nil
}

// CreateSession inserts a chat session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	cfg, err := marshalContextConfig(sess.Context)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, title, scope_kind, scope_id, model_override, context_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Scope.Kind, sess.Scope.ID, sess.ModelOverride, cfg, unixNano(now), unixNano(now))
	return err
}

// GetSession returns a session without its messages.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("chat session", id)
	}
	return sess, err
}

// ListSessions returns the sessions bound to scope, most recently updated first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, scope models.Scope) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions s
		 WHERE s.scope_kind = ? AND s.scope_id = ? ORDER BY s.updated_at DESC, s.id`,
		scope.Kind, scope.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession updates title, model override and context config.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, sess *models.ChatSession) error {
	cfg, err := marshalContextConfig(sess.Context)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ?, model_override = ?, context_config = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.ModelOverride, cfg, unixNano(sess.UpdatedAt), sess.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "chat session", sess.ID)
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if err := checkAffected(res, "chat session", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
		return err
	})
}

// AppendMessage adds a message to the end of a session and bumps its updated time.
func (s *SQLiteStorage) AppendMessage(ctx context.Context, m *models.Message) error {
	m.CreatedAt = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, unixNano(m.CreatedAt), m.SessionID)
		if err != nil {
			return err
		}
		if err := checkAffected(res, "chat session", m.SessionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, unixNano(m.CreatedAt))
		return err
	})
}

// ListMessages returns a session's messages in insertion order.
func (s *SQLiteStorage) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var (
			m       models.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnixNano(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
