package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEnsureUserIdempotent(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	u1, err := s.EnsureUser(ctx, "+15550001111", "iphone")
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", u1.Phone)
	assert.NotEqual(t, uuid.Nil, u1.ID)

	u2, err := s.EnsureUser(ctx, "+15550001111", "iphone")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID, "same phone must resolve to the same user")

	u3, err := s.EnsureUser(ctx, "+15550002222", "")
	require.NoError(t, err)
	assert.NotEqual(t, u1.ID, u3.ID)
}

func TestSQLiteThreadRoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, "+15550001111", "")
	require.NoError(t, err)
	thread, err := s.CreateThread(ctx, user, "inbound call")
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, thread, "assistant", "Hello, how can I help?", 120*time.Millisecond)
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, thread, "user", "I want to book a visit", 0)
	require.NoError(t, err)
	require.NoError(t, s.AttachCost(ctx, m2.ID, `{"provider":"assemblyai","amount_usd":0.0003}`))

	got, messages, err := s.LoadThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ID)
	assert.Equal(t, "inbound call", got.Context)
	require.Len(t, messages, 2)

	assert.Equal(t, m1.ID, messages[0].ID)
	assert.Equal(t, RoleAssistant, messages[0].RoleID)
	assert.Equal(t, 120*time.Millisecond, messages[0].Elapsed)
	assert.Equal(t, m2.ID, messages[1].ID)
	assert.Equal(t, RoleUser, messages[1].RoleID)
	assert.Contains(t, messages[1].Cost, "assemblyai")
}

func TestSQLiteAppendMessageUnknownRole(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	user, err := s.EnsureUser(ctx, "+1555", "")
	require.NoError(t, err)
	thread, err := s.CreateThread(ctx, user, "")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, thread, "narrator", "hm", 0)
	assert.Error(t, err)
}

func TestSQLiteNotFound(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	_, _, err := s.LoadThread(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.AttachCost(ctx, uuid.New(), "{}")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoleLookup(t *testing.T) {
	for name, id := range map[string]int{"system": RoleSystem, "user": RoleUser, "assistant": RoleAssistant} {
		got, err := RoleID(name)
		require.NoError(t, err)
		assert.Equal(t, id, got)
		assert.Equal(t, name, RoleName(id))
	}
	_, err := RoleID("ghost")
	assert.Error(t, err)
	assert.Equal(t, "unknown", RoleName(99))
}
