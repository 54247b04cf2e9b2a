package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	device     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	context    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	role_id    INTEGER NOT NULL,
	content    TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	cost       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
`

// SQLite is the local ConversationStore.
type SQLite struct {
	db *sql.DB
}

var _ ConversationStore = (*SQLite)(nil)

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// EnsureUser returns the user for phone, creating it on first contact.
func (s *SQLite) EnsureUser(ctx context.Context, phone, device string) (User, error) {
	var u User
	var id string
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone, device, created_at, updated_at, deleted_at FROM users WHERE phone = ? AND deleted_at IS NULL`,
		phone).Scan(&id, &u.Phone, &u.Device, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	switch {
	case err == nil:
		u.ID = uuid.MustParse(id)
		if deletedAt.Valid {
			t := deletedAt.Time
			u.DeletedAt = &t
		}
		if device != "" && device != u.Device {
			now := time.Now().UTC()
			if _, err := s.db.ExecContext(ctx,
				`UPDATE users SET device = ?, updated_at = ? WHERE id = ?`, device, now, id); err != nil {
				return User{}, fmt.Errorf("store: update user: %w", err)
			}
			u.Device = device
			u.UpdatedAt = now
		}
		return u, nil
	case err != sql.ErrNoRows:
		return User{}, fmt.Errorf("store: ensure user: %w", err)
	}

	now := time.Now().UTC()
	u = User{ID: uuid.New(), Phone: phone, Device: device, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, device, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID.String(), u.Phone, u.Device, u.CreatedAt, u.UpdatedAt); err != nil {
		return User{}, fmt.Errorf("store: insert user: %w", err)
	}
	return u, nil
}

// CreateThread opens a new conversation for the user.
func (s *SQLite) CreateThread(ctx context.Context, user User, callContext string) (Thread, error) {
	now := time.Now().UTC()
	th := Thread{ID: uuid.New(), UserID: user.ID, Context: callContext, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, context, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		th.ID.String(), th.UserID.String(), th.Context, th.CreatedAt, th.UpdatedAt); err != nil {
		return Thread{}, fmt.Errorf("store: insert thread: %w", err)
	}
	return th, nil
}

// AppendMessage adds one turn to the thread.
func (s *SQLite) AppendMessage(ctx context.Context, thread Thread, role string, content string, elapsed time.Duration) (Message, error) {
	roleID, err := RoleID(role)
	if err != nil {
		return Message{}, err
	}
	now := time.Now().UTC()
	m := Message{
		ID:        uuid.New(),
		ThreadID:  thread.ID,
		RoleID:    roleID,
		Content:   content,
		Elapsed:   elapsed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role_id, content, elapsed_ms, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ThreadID.String(), m.RoleID, m.Content, elapsed.Milliseconds(), m.CreatedAt, m.UpdatedAt); err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

// AttachCost stores provider pricing JSON on an existing message.
func (s *SQLite) AttachCost(ctx context.Context, msgID uuid.UUID, cost string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET cost = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		cost, time.Now().UTC(), msgID.String())
	if err != nil {
		return fmt.Errorf("store: attach cost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, msgID)
	}
	return nil
}

// LoadThread returns a thread and its messages in order.
func (s *SQLite) LoadThread(ctx context.Context, id uuid.UUID) (Thread, []Message, error) {
	var th Thread
	var thID, userID string
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, context, created_at, updated_at, deleted_at FROM threads WHERE id = ?`,
		id.String()).Scan(&thID, &userID, &th.Context, &th.CreatedAt, &th.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return Thread{}, nil, fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	if err != nil {
		return Thread{}, nil, fmt.Errorf("store: load thread: %w", err)
	}
	th.ID = uuid.MustParse(thID)
	th.UserID = uuid.MustParse(userID)
	if deletedAt.Valid {
		t := deletedAt.Time
		th.DeletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role_id, content, elapsed_ms, cost, created_at, updated_at FROM messages
		 WHERE thread_id = ? AND deleted_at IS NULL ORDER BY created_at, id`,
		id.String())
	if err != nil {
		return Thread{}, nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var mid, tid string
		var elapsedMS int64
		if err := rows.Scan(&mid, &tid, &m.RoleID, &m.Content, &elapsedMS, &m.Cost, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return Thread{}, nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.ID = uuid.MustParse(mid)
		m.ThreadID = uuid.MustParse(tid)
		m.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return th, messages, nil
}
