package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/model"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const convCols = `id, kind, COALESCE(title,''), created_by, created_at, last_activity_at, archived_at`

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Kind, &c.Title, &c.CreatedBy, &c.CreatedAt, &c.LastActivityAt, &c.ArchivedAt)
}

// CreateConversation inserts the conversation and its initial members in
// one transaction so a half-created conversation is never observable.
func (r *ConversationRepository) CreateConversation(ctx context.Context, c *model.Conversation, members []model.ConversationMember) error {
	defer logger.DeferLogDuration("conv.CreateConversation", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.CreateConversation begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, title, created_by, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		c.ID, c.Kind, c.Title, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.CreateConversation: %w", err)
	}
	for _, m := range members {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at, last_read_seq)
			 VALUES ($1, $2, $3, $4, 0)`,
			m.ConversationID, m.UserID, m.Role, m.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.CreateConversation member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.CreateConversation commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetConversation", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetConversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) UpdateConversationTitle(ctx context.Context, id, title string) error {
	defer logger.DeferLogDuration("conv.UpdateConversationTitle", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET title = $1 WHERE id = $2`, title, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateConversationTitle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) ArchiveConversation(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("conv.ArchiveConversation", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET archived_at = COALESCE(archived_at, $1) WHERE id = $2`, at, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.ArchiveConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirectConversation", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM conversations c
		 WHERE c.kind = 'direct'
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)`,
		userA, userB,
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.FindDirectConversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) UserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.UserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+convCols+` FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.last_activity_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.UserConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.UserConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.UserConversations rows: %w", err)
	}
	return convs, nil
}

func (r *ConversationRepository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("conv.TouchConversation", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $1) WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.TouchConversation: %w", err)
	}
	return nil
}

// AddMember is rejected for direct conversations: their member pair is
// permanently fixed. Re-adding an existing member is a no-op.
func (r *ConversationRepository) AddMember(ctx context.Context, m *model.ConversationMember) error {
	defer logger.DeferLogDuration("conv.AddMember", time.Now())()
	c, err := r.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if c.Kind == model.ConversationDirect {
		return storage.ErrConflict
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at, last_read_seq)
		 VALUES ($1, $2, $3, $4, 0) ON CONFLICT DO NOTHING`,
		m.ConversationID, m.UserID, m.Role, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddMember: %w", err)
	}
	return nil
}

func (r *ConversationRepository) RemoveMember(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.RemoveMember", time.Now())()
	c, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Kind == model.ConversationDirect {
		return storage.ErrConflict
	}
	_, err = r.pool.Exec(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *ConversationRepository) Members(ctx context.Context, conversationID string) ([]model.ConversationMember, error) {
	defer logger.DeferLogDuration("conv.Members", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, user_id, role, joined_at, last_read_seq
		 FROM conversation_members WHERE conversation_id = $1
		 ORDER BY joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.Members query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ConversationMember, 0, 8)
	for rows.Next() {
		var m model.ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastReadSeq); err != nil {
			return nil, fmt.Errorf("convRepo.Members scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.Members rows: %w", err)
	}
	if len(members) == 0 {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (r *ConversationRepository) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) MemberRole(ctx context.Context, conversationID, userID string) (model.MemberRole, error) {
	defer logger.DeferLogDuration("conv.MemberRole", time.Now())()
	var role model.MemberRole
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.MemberRole: %w", err)
	}
	return role, nil
}
