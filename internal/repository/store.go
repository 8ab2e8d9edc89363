package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

// Store composes the per-entity repositories into the storage.ChatStore
// the gateway and handlers consume.
type Store struct {
	*ConversationRepository
	*MessageRepository
	*ReactionRepository
}

var _ storage.ChatStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		ConversationRepository: NewConversationRepository(pool),
		MessageRepository:      NewMessageRepository(pool),
		ReactionRepository:     NewReactionRepository(pool),
	}
}
