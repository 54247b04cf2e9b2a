package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory ConversationStore for tests and the synthetic
// call endpoint. FailWrites makes every mutation error, which the
// retry-queue tests rely on.
type Fake struct {
	FailWrites bool

	mu       sync.Mutex
	users    map[string]User
	threads  map[uuid.UUID]Thread
	messages map[uuid.UUID][]Message
}

var _ ConversationStore = (*Fake)(nil)

// NewFake builds an empty fake store.
func NewFake() *Fake {
	return &Fake{
		users:    make(map[string]User),
		threads:  make(map[uuid.UUID]Thread),
		messages: make(map[uuid.UUID][]Message),
	}
}

func (f *Fake) Close() error { return nil }

func (f *Fake) EnsureUser(ctx context.Context, phone, device string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites {
		return User{}, fmt.Errorf("store: fake write failure")
	}
	if u, ok := f.users[phone]; ok {
		return u, nil
	}
	now := time.Now().UTC()
	u := User{ID: uuid.New(), Phone: phone, Device: device, CreatedAt: now, UpdatedAt: now}
	f.users[phone] = u
	return u, nil
}

func (f *Fake) CreateThread(ctx context.Context, user User, callContext string) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites {
		return Thread{}, fmt.Errorf("store: fake write failure")
	}
	now := time.Now().UTC()
	th := Thread{ID: uuid.New(), UserID: user.ID, Context: callContext, CreatedAt: now, UpdatedAt: now}
	f.threads[th.ID] = th
	return th, nil
}

func (f *Fake) AppendMessage(ctx context.Context, thread Thread, role string, content string, elapsed time.Duration) (Message, error) {
	roleID, err := RoleID(role)
	if err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites {
		return Message{}, fmt.Errorf("store: fake write failure")
	}
	now := time.Now().UTC()
	m := Message{ID: uuid.New(), ThreadID: thread.ID, RoleID: roleID, Content: content, Elapsed: elapsed, CreatedAt: now, UpdatedAt: now}
	f.messages[thread.ID] = append(f.messages[thread.ID], m)
	return m, nil
}

func (f *Fake) AttachCost(ctx context.Context, msgID uuid.UUID, cost string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites {
		return fmt.Errorf("store: fake write failure")
	}
	for tid, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == msgID {
				f.messages[tid][i].Cost = cost
				return nil
			}
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, msgID)
}

func (f *Fake) LoadThread(ctx context.Context, id uuid.UUID) (Thread, []Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return Thread{}, nil, fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	msgs := make([]Message, len(f.messages[id]))
	copy(msgs, f.messages[id])
	return th, msgs, nil
}

// Threads returns the threads created so far.
func (f *Fake) Threads() []Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Thread, 0, len(f.threads))
	for _, th := range f.threads {
		out = append(out, th)
	}
	return out
}

// MessageCount returns how many messages a thread holds.
func (f *Fake) MessageCount(threadID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[threadID])
}
