package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/RichardoC/zik/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    plugin TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- one row per chat, the whole tree as JSON
CREATE TABLE IF NOT EXISTS trees (
    conversation_id TEXT PRIMARY KEY,
    tree TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS chats_created_at ON chats(created_at);`

type Database struct {
	db *sql.DB
}

var _ Store = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) LoadTree(ctx context.Context, conversationID string) ([]byte, bool, error) {
	var tree string
	err := db.db.QueryRowContext(ctx, `SELECT tree FROM trees WHERE conversation_id = ?`, conversationID).Scan(&tree)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "load tree %s", conversationID)
	}
	return []byte(tree), true, nil
}

func (db *Database) SaveTree(ctx context.Context, conversationID string, data []byte) error {
	query := `
        INSERT INTO trees (conversation_id, tree, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(conversation_id) DO UPDATE SET tree = excluded.tree, updated_at = excluded.updated_at`

	_, err := db.db.ExecContext(ctx, query, conversationID, string(data))
	return errors.Wrapf(err, "save tree %s", conversationID)
}

// CreateChat inserts chat, filling in a new ID and the creation time when unset.
func (db *Database) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	query := `
        INSERT INTO chats (id, title, model, plugin, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id`

	err := db.db.QueryRowContext(ctx, query, chat.ID, chat.Title, chat.Model, chat.Plugin, chat.CreatedAt).Scan(&chat.ID)
	return errors.Wrapf(err, "create chat %s", chat.ID)
}

func (db *Database) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	query := `
        SELECT id, title, model, plugin, created_at
        FROM chats
        WHERE id = ?`

	var chat models.Chat
	err := db.db.QueryRowContext(ctx, query, id).Scan(&chat.ID, &chat.Title, &chat.Model, &chat.Plugin, &chat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "chat %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chat %s", id)
	}
	return &chat, nil
}

func (db *Database) ListChats(ctx context.Context) ([]models.Chat, error) {
	query := `
        SELECT id, title, model, plugin, created_at
        FROM chats
        ORDER BY created_at DESC, id`

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return []models.Chat{}, errors.Wrap(err, "list chats")
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.Model, &chat.Plugin, &chat.CreatedAt); err != nil {
			return []models.Chat{}, errors.Wrap(err, "scan chat")
		}
		chats = append(chats, chat)
	}
	return chats, errors.Wrap(rows.Err(), "list chats")
}

// UpdateChat overwrites title, model and plugin of an existing chat.
func (db *Database) UpdateChat(ctx context.Context, chat *models.Chat) error {
	result, err := db.db.ExecContext(ctx, "UPDATE chats SET title = ?, model = ?, plugin = ? WHERE id = ?",
		chat.Title, chat.Model, chat.Plugin, chat.ID)
	if err != nil {
		return errors.Wrapf(err, "update chat %s", chat.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update chat %s", chat.ID)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "chat %s", chat.ID)
	}
	return nil
}

func (db *Database) DeleteChat(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM trees WHERE conversation_id = ?", id); err != nil {
		return errors.Wrapf(err, "delete tree %s", id)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "delete chat %s", id)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "chat %s", id)
	}

	return tx.Commit()
}
