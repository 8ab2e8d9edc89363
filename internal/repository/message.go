package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const msgCols = `id, seq, conversation_id, sender_id, body, parent_id, created_at, edited_at, deleted_at`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Body, &m.ParentID,
		&m.CreatedAt, &m.EditedAt, &m.DeletedAt)
}

// CreateMessage persists the message and its attachment metadata in one
// transaction and bumps the conversation's last activity. Seq comes from
// the messages_seq sequence via RETURNING and is written back into m.
func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.CreateMessage", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateMessage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, parent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.ParentID, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateMessage: %w", err)
	}

	for i := range m.Attachments {
		a := &m.Attachments[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.MessageID = m.ID
		_, err = tx.Exec(ctx,
			`INSERT INTO attachments (id, message_id, bucket, path, mime_type, size_bytes)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.MessageID, a.Bucket, a.Path, a.MimeType, a.SizeBytes,
		)
		if err != nil {
			return fmt.Errorf("msgRepo.CreateMessage attachment: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $1) WHERE id = $2`,
		m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.CreateMessage touch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.CreateMessage commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessage", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetMessage: %w", err)
	}
	atts, err := r.messageAttachments(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Attachments = atts
	return m, nil
}

// ListMessages pages newest-first by the ordering key (created_at, seq).
// beforeSeq == 0 starts from the top.
func (r *MessageRepository) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListMessages", time.Now())()
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if beforeSeq > 0 {
		rows, err = r.pool.Query(ctx,
			`SELECT `+msgCols+` FROM messages
			 WHERE conversation_id = $1 AND seq < $2
			 ORDER BY created_at DESC, seq DESC
			 LIMIT $3`, conversationID, beforeSeq, limit,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+msgCols+` FROM messages
			 WHERE conversation_id = $1
			 ORDER BY created_at DESC, seq DESC
			 LIMIT $2`, conversationID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) EditMessage(ctx context.Context, id, body string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.EditMessage", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET body = $1, edited_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		body, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.EditMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SoftDeleteMessage marks the message deleted and clears the body; the row
// (and its seq) stays so ordering and read markers remain stable.
func (r *MessageRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDeleteMessage", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET deleted_at = COALESCE(deleted_at, $1), body = '' WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDeleteMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *MessageRepository) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.LastMessage", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE conversation_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC, seq DESC
		 LIMIT 1`, conversationID,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.LastMessage: %w", err)
	}
	return m, nil
}

// UnreadCount counts live messages from other senders above the member's
// read marker.
func (r *MessageRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		 WHERE m.conversation_id = $1 AND m.sender_id != $2
		   AND m.seq > cm.last_read_seq AND m.deleted_at IS NULL`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// UpsertReadMarker advances the marker only forward: a stale seq leaves
// the stored value untouched and reports advanced=false.
func (r *MessageRepository) UpsertReadMarker(ctx context.Context, conversationID, userID string, seq int64) (int64, bool, error) {
	defer logger.DeferLogDuration("msg.UpsertReadMarker", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET last_read_seq = $3
		 WHERE conversation_id = $1 AND user_id = $2 AND last_read_seq < $3`,
		conversationID, userID, seq,
	)
	if err != nil {
		return 0, false, fmt.Errorf("msgRepo.UpsertReadMarker: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return seq, true, nil
	}
	var stored int64
	err = r.pool.QueryRow(ctx,
		`SELECT last_read_seq FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, storage.ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("msgRepo.UpsertReadMarker read: %w", err)
	}
	return stored, false, nil
}

func (r *MessageRepository) messageAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, bucket, path, mime_type, size_bytes
		 FROM attachments WHERE message_id = $1`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.messageAttachments query: %w", err)
	}
	defer rows.Close()

	atts := make([]model.Attachment, 0, 2)
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Bucket, &a.Path, &a.MimeType, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("msgRepo.messageAttachments scan: %w", err)
		}
		atts = append(atts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.messageAttachments rows: %w", err)
	}
	if len(atts) == 0 {
		return nil, nil
	}
	return atts, nil
}
