package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sybil-chat/internal/domain"
)

// SQLiteStore is a local TurnStore backed by a single SQLite file. It keeps
// the same contract as Client so the chat CLI can run without AWS.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			owner_id TEXT NOT NULL,
			id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (owner_id, id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			owner_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			user_avatar TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (owner_id, chat_id, id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendTurn inserts turn; a repeated id is ignored.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) (string, error) {
	if err := turn.Validate(); err != nil {
		return "", fmt.Errorf("repository: AppendTurn: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (owner_id, chat_id, id, text, created_at, role, user_id, user_name, user_avatar)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.OwnerID, turn.ConversationID, turn.ID, turn.Text,
		turn.CreatedAt.UTC().Format(time.RFC3339Nano), string(turn.Role),
		turn.Author.ID, turn.Author.Name, turn.Author.Avatar,
	)
	if err != nil {
		return "", fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn.ID, nil
}

// ListTurns returns every turn of the conversation in storage order.
func (s *SQLiteStore) ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("repository: ListTurns: owner and conversation id are required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at, role, user_id, user_name, user_avatar
		FROM messages WHERE owner_id = ? AND chat_id = ?`,
		ownerID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t          domain.Turn
			rawCreated string
			role       string
		)
		if err := rows.Scan(&t.ID, &t.Text, &rawCreated, &role, &t.Author.ID, &t.Author.Name, &t.Author.Avatar); err != nil {
			return nil, fmt.Errorf("repository: ListTurns scan: %w", err)
		}
		t.CreatedAt, err = time.Parse(time.RFC3339Nano, rawCreated)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns parse created_at: %w", err)
		}
		t.OwnerID = ownerID
		t.ConversationID = conversationID
		t.Role = domain.RoleOf(domain.Role(role), t.Author)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListTurns rows: %w", err)
	}
	return turns, nil
}

// CreateConversation inserts a new conversation for ownerID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, ownerID string) (domain.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: owner id is required")
	}
	conv := domain.Conversation{OwnerID: ownerID, ID: domain.NewConversationID(), CreatedAt: s.now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (owner_id, id, created_at) VALUES (?, ?, ?)`,
		conv.OwnerID, conv.ID, conv.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// EnsureConversation inserts conv unless it already exists.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.OwnerID) == "" || strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: EnsureConversation: owner and conversation id are required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (owner_id, id, created_at) VALUES (?, ?, ?)`,
		conv.OwnerID, conv.ID, conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("repository: EnsureConversation: %w", err)
	}
	return nil
}

var (
	_ TurnStore = (*Client)(nil)
	_ TurnStore = (*SQLiteStore)(nil)
)
