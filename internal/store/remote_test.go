package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteEnsureUser(t *testing.T) {
	userID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/ensure", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "+15550001111", in["phone"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": userID.String(), "phone": in["phone"], "device": in["device"],
		})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	u, err := r.EnsureUser(context.Background(), "+15550001111", "iphone")
	require.NoError(t, err)
	assert.Equal(t, userID, u.ID)
	assert.Equal(t, "+15550001111", u.Phone)
}

func TestRemoteAppendMessageAndLoadThread(t *testing.T) {
	threadID := uuid.New()
	msgID := uuid.New()
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/"+threadID.String()+"/messages":
			var in map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.EqualValues(t, RoleUser, in["role_id"])
			_ = json.NewEncoder(w).Encode(map[string]any{"id": msgID.String()})
		case r.Method == http.MethodGet && r.URL.Path == "/threads/"+threadID.String():
			_ = json.NewEncoder(w).Encode(map[string]any{
				"thread": map[string]any{"id": threadID.String(), "user_id": userID.String(), "context": "call"},
				"messages": []map[string]any{
					{"id": msgID.String(), "thread_id": threadID.String(), "role_id": RoleUser, "content": "hi", "elapsed_ms": 250},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	thread := Thread{ID: threadID, UserID: userID}

	m, err := r.AppendMessage(context.Background(), thread, "user", "hi", 250*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, msgID, m.ID)

	th, msgs, err := r.LoadThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, "call", th.Context)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, 250*time.Millisecond, msgs[0].Elapsed)
}

func TestRemoteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	_, _, err := r.LoadThread(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
