// Package store persists conversation history: users, threads and
// messages with per-message cost metadata. Backends are selected by
// configuration; persistence failures must never block a live call.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a missing entity.
var ErrNotFound = errors.New("store: not found")

// Role ids are a fixed lookup shared by every backend.
const (
	RoleSystem    = 1
	RoleUser      = 2
	RoleAssistant = 3
)

// RoleName maps a role id to its name.
func RoleName(id int) string {
	switch id {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// RoleID maps a role name to its id.
func RoleID(name string) (int, error) {
	switch name {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("store: unknown role %q", name)
	}
}

// User is one caller identified by phone number.
type User struct {
	ID        uuid.UUID
	Phone     string
	Device    string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Thread is one conversation.
type Thread struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Context   string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Message is one turn inside a thread. Elapsed is the wall time the
// turn took end to end; Cost holds provider pricing JSON when attached.
type Message struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	RoleID    int
	Content   string
	Elapsed   time.Duration
	Cost      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ConversationStore is the persistence contract.
type ConversationStore interface {
	EnsureUser(ctx context.Context, phone, device string) (User, error)
	CreateThread(ctx context.Context, user User, callContext string) (Thread, error)
	AppendMessage(ctx context.Context, thread Thread, role string, content string, elapsed time.Duration) (Message, error)
	AttachCost(ctx context.Context, msgID uuid.UUID, cost string) error
	LoadThread(ctx context.Context, id uuid.UUID) (Thread, []Message, error)
	Close() error
}
