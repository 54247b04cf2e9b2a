package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Remote persists conversations through the conversation service's
// HTTP API. It is selected only when the service is configured.
type Remote struct {
	HTTPClient *http.Client
	BaseURL    string
}

var _ ConversationStore = (*Remote)(nil)

// NewRemote builds the remote store against baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (r *Remote) Close() error { return nil }

func (r *Remote) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store: %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

func (r *Remote) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store: %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

type remoteUser struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsureUser resolves or creates the user behind phone.
func (r *Remote) EnsureUser(ctx context.Context, phone, device string) (User, error) {
	var out remoteUser
	err := r.post(ctx, "/users/ensure", map[string]string{"phone": phone, "device": device}, &out)
	if err != nil {
		return User{}, err
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		return User{}, fmt.Errorf("store: user id %q: %w", out.ID, err)
	}
	return User{ID: id, Phone: out.Phone, Device: out.Device, CreatedAt: out.CreatedAt, UpdatedAt: out.UpdatedAt}, nil
}

type remoteThread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateThread opens a new conversation for the user.
func (r *Remote) CreateThread(ctx context.Context, user User, callContext string) (Thread, error) {
	var out remoteThread
	err := r.post(ctx, "/threads", map[string]string{
		"user_id": user.ID.String(),
		"context": callContext,
	}, &out)
	if err != nil {
		return Thread{}, err
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		return Thread{}, fmt.Errorf("store: thread id %q: %w", out.ID, err)
	}
	return Thread{ID: id, UserID: user.ID, Context: out.Context, CreatedAt: out.CreatedAt, UpdatedAt: out.UpdatedAt}, nil
}

type remoteMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	RoleID    int       `json:"role_id"`
	Content   string    `json:"content"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Cost      string    `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendMessage adds one turn to the thread.
func (r *Remote) AppendMessage(ctx context.Context, thread Thread, role string, content string, elapsed time.Duration) (Message, error) {
	roleID, err := RoleID(role)
	if err != nil {
		return Message{}, err
	}
	var out remoteMessage
	err = r.post(ctx, "/threads/"+thread.ID.String()+"/messages", map[string]any{
		"role_id":    roleID,
		"content":    content,
		"elapsed_ms": elapsed.Milliseconds(),
	}, &out)
	if err != nil {
		return Message{}, err
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		return Message{}, fmt.Errorf("store: message id %q: %w", out.ID, err)
	}
	return Message{
		ID: id, ThreadID: thread.ID, RoleID: roleID, Content: content,
		Elapsed: elapsed, CreatedAt: out.CreatedAt, UpdatedAt: out.UpdatedAt,
	}, nil
}

// AttachCost stores provider pricing JSON on an existing message.
func (r *Remote) AttachCost(ctx context.Context, msgID uuid.UUID, cost string) error {
	return r.post(ctx, "/messages/"+msgID.String()+"/cost", map[string]string{"cost": cost}, nil)
}

// LoadThread returns a thread and its messages in order.
func (r *Remote) LoadThread(ctx context.Context, id uuid.UUID) (Thread, []Message, error) {
	var out struct {
		Thread   remoteThread    `json:"thread"`
		Messages []remoteMessage `json:"messages"`
	}
	if err := r.get(ctx, "/threads/"+id.String(), &out); err != nil {
		return Thread{}, nil, err
	}
	userID, err := uuid.Parse(out.Thread.UserID)
	if err != nil {
		return Thread{}, nil, fmt.Errorf("store: user id %q: %w", out.Thread.UserID, err)
	}
	th := Thread{ID: id, UserID: userID, Context: out.Thread.Context, CreatedAt: out.Thread.CreatedAt, UpdatedAt: out.Thread.UpdatedAt}
	messages := make([]Message, 0, len(out.Messages))
	for _, rm := range out.Messages {
		mid, err := uuid.Parse(rm.ID)
		if err != nil {
			return Thread{}, nil, fmt.Errorf("store: message id %q: %w", rm.ID, err)
		}
		messages = append(messages, Message{
			ID: mid, ThreadID: id, RoleID: rm.RoleID, Content: rm.Content,
			Elapsed: time.Duration(rm.ElapsedMS) * time.Millisecond, Cost: rm.Cost,
			CreatedAt: rm.CreatedAt, UpdatedAt: rm.UpdatedAt,
		})
	}
	return th, messages, nil
}
