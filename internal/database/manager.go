package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// ErrClosed is returned for writes issued after Close
var ErrClosed = errors.New("database manager is closed")

const (
	writeTimeout = 30 * time.Second
	retryDelay   = 5 * time.Second
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
// Schema changes are applied separately with Migrate.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(config.DatabasePath); config.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// ARCHITECTURAL DISCOVERY: DSN carries the pragmas that must hold on every pooled connection
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   retryDelay,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema
func (m *Manager) Migrate() ([]string, error) {
	mm := dbconfig.NewMigrationManager(m.db, dbconfig.MigrationsFS(m.config))
	applied, err := mm.ApplyMigrations()
	if err != nil {
		return applied, err
	}
	if len(applied) > 0 {
		m.logger.Info("applied migrations", "versions", applied)
	}
	if err := mm.ValidateSchema(); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth a retry; constraint
			// violations would fail again
			if isTransient(err) {
				m.logger.Warn("database write busy, retrying", "delay", m.retryDelay, "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrClosed
	}
}

func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}

// UpsertUser inserts a directory entry or refreshes its name, role and avatar.
// An empty name or avatar keeps the stored value.
func (m *Manager) UpsertUser(ctx context.Context, user *types.UserSummary) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if !user.Role.IsValid() {
		return types.ErrInvalidRole
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, user_name, role, avatar)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_name = CASE WHEN excluded.user_name <> '' THEN excluded.user_name ELSE users.user_name END,
				role = excluded.role,
				avatar = CASE WHEN excluded.avatar <> '' THEN excluded.avatar ELSE users.avatar END
		`, user.ID, user.UserName, string(user.Role), user.Avatar)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a directory entry. IsOnline is always false here; live
// presence is layered on by the caller.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.UserSummary, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, user_name, role, avatar, last_seen
		FROM users
		WHERE id = ?
	`, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ListUsersByRole returns all users with the given role ordered by name
func (m *Manager) ListUsersByRole(ctx context.Context, role types.Role) ([]*types.UserSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_name, role, avatar, last_seen
		FROM users
		WHERE role = ?
		ORDER BY user_name ASC, id ASC
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*types.UserSummary{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

// UpdateLastSeen records when a user's last connection closed
func (m *Manager) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, "UPDATE users SET last_seen = ? WHERE id = ?", at.UTC(), userID)
		if err != nil {
			return fmt.Errorf("failed to update last seen: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrUserNotFound
		}
		return nil
	})
}

// FindOrCreateChat returns the chat for the pair, creating it on first use
// ARCHITECTURAL DISCOVERY: INSERT ... ON CONFLICT DO NOTHING plus a read inside
// the writer goroutine makes lookup-or-create atomic
func (m *Manager) FindOrCreateChat(ctx context.Context, studentID, instructorID string) (*types.Conversation, error) {
	if !types.IsValidUserID(studentID) || !types.IsValidUserID(instructorID) {
		return nil, types.ErrInvalidUserID
	}
	if studentID == instructorID {
		return nil, types.ErrSelfReferential
	}

	var conv *types.Conversation
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO chats (id, student_id, instructor_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(student_id, instructor_id) DO NOTHING
		`, uuid.NewString(), studentID, instructorID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert chat: %w", err)
		}

		row := db.QueryRowContext(ctx, `
			SELECT id, student_id, instructor_id, created_at
			FROM chats
			WHERE student_id = ? AND instructor_id = ?
		`, studentID, instructorID)
		conv, err = scanChat(row)
		if err != nil {
			return fmt.Errorf("failed to read chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetChat retrieves a chat by ID
func (m *Manager) GetChat(ctx context.Context, chatID string) (*types.Conversation, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, student_id, instructor_id, created_at
		FROM chats
		WHERE id = ?
	`, chatID)

	conv, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	return conv, nil
}

// ListChatsForUser returns every chat the user is a member of, oldest first
func (m *Manager) ListChatsForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, student_id, instructor_id, created_at
		FROM chats
		WHERE student_id = ? OR instructor_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chats := []*types.Conversation{}
	for rows.Next() {
		conv, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat rows: %w", err)
	}
	return chats, nil
}

// StoreMessage stores a message in the database
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, text, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, message.ID, message.ChatID, message.SenderID, message.Text, message.CreatedAt.UTC())
		if err != nil {
			if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
				return interfaces.ErrChatNotFound
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetChatHistory retrieves all messages for a chat
// FUNCTIONAL DISCOVERY: rowid breaks ties between messages stored within the
// same timestamp so history order matches insertion order
func (m *Manager) GetChatHistory(ctx context.Context, chatID string) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, text, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		var message types.Message
		if err := rows.Scan(&message.ID, &message.ChatID, &message.SenderID, &message.Text, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		message.CreatedAt = message.CreatedAt.UTC()
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*types.UserSummary, error) {
	var user types.UserSummary
	var role string
	var lastSeen sql.NullTime
	if err := s.Scan(&user.ID, &user.UserName, &role, &user.Avatar, &lastSeen); err != nil {
		return nil, err
	}
	user.Role = types.Role(role)
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		user.LastSeen = &t
	}
	return &user, nil
}

func scanChat(s scanner) (*types.Conversation, error) {
	var conv types.Conversation
	var studentID, instructorID string
	if err := s.Scan(&conv.ID, &studentID, &instructorID, &conv.CreatedAt); err != nil {
		return nil, err
	}
	conv.Members = []string{studentID, instructorID}
	conv.CreatedAt = conv.CreatedAt.UTC()
	return &conv, nil
}
