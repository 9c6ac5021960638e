package db

import (
	"context"

	"github.com/RichardoC/zik/internal/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Store keeps chat metadata and the serialized conversation tree of each chat.
type Store interface {
	LoadTree(ctx context.Context, conversationID string) ([]byte, bool, error)
	SaveTree(ctx context.Context, conversationID string, data []byte) error

	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context) ([]models.Chat, error)
	UpdateChat(ctx context.Context, chat *models.Chat) error
	DeleteChat(ctx context.Context, id string) error

	Close() error
}
