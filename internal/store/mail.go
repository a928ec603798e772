// ABOUTME: Agent mailbox persistence backing mailbox watchers and fallback notifications
// ABOUTME: Send, read, list, mark-read and delete operations on agent_mail

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const mailColumns = `id, from_agent_id, to_agent_id, subject, content, content_html, read_at, created_at`

// SendMail creates a new mail message.
func (s *SQLStore) SendMail(ctx context.Context, mail *AgentMail) error {
	if mail.ID == "" {
		mail.ID = uuid.New().String()
	}
	if mail.CreatedAt.IsZero() {
		mail.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO agent_mail (id, from_agent_id, to_agent_id, subject, content, content_html, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, mail.ID, mail.FromAgentID, mail.ToAgentID, mail.Subject, mail.Content,
		nullString(mail.ContentHTML), formatTime(mail.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting mail: %w", err)
	}
	return nil
}

// GetMail retrieves a mail message by ID.
func (s *SQLStore) GetMail(ctx context.Context, id string) (*AgentMail, error) {
	m, err := scanMail(s.queryRow(ctx, `SELECT `+mailColumns+` FROM agent_mail WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mail: %w", err)
	}
	return m, nil
}

// ListInbox lists mail for an agent, newest first.
func (s *SQLStore) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*AgentMail, error) {
	if limit <= 0 {
		limit = 50
	}

	args := make([]any, 0, 2)
	query := `SELECT ` + mailColumns + ` FROM agent_mail WHERE to_agent_id = ?`
	args = append(args, agentID)

	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.listMail(ctx, query, args...)
}

// ListInboxSince returns mail received at or after since, oldest first.
func (s *SQLStore) ListInboxSince(ctx context.Context, agentID string, since time.Time) ([]*AgentMail, error) {
	return s.listMail(ctx, `
		SELECT `+mailColumns+` FROM agent_mail
		WHERE to_agent_id = ? AND created_at >= ?
		ORDER BY created_at ASC, id ASC
	`, agentID, formatTime(since))
}

// MarkMailRead marks a mail message as read. Marking a read message again is a no-op.
func (s *SQLStore) MarkMailRead(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `
		UPDATE agent_mail SET read_at = ? WHERE id = ? AND read_at IS NULL
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking mail read: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetMail(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMail removes a mail message.
func (s *SQLStore) DeleteMail(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM agent_mail WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting mail: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) listMail(ctx context.Context, query string, args ...any) ([]*AgentMail, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*AgentMail
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mail row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMail(row rowScanner) (*AgentMail, error) {
	var m AgentMail
	var html, readAt sql.NullString
	var createdAt string
	if err := row.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &m.Subject, &m.Content, &html, &readAt, &createdAt); err != nil {
		return nil, err
	}
	m.ContentHTML = html.String

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	return &m, nil
}
