package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/auth"
	"chatline/internal/chattest"
)

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	backend := chattest.NewServer()
	defer backend.Close()
	client := auth.NewClient(backend.URL())
	ctx := context.Background()

	sess, err := client.Register(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.NotEmpty(t, sess.Token)
	assert.NotZero(t, sess.UserID)

	again, err := client.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, sess.Username, again.Username)
	assert.Equal(t, sess.UserID, again.UserID)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	t.Parallel()

	backend := chattest.NewServer()
	defer backend.Close()
	client := auth.NewClient(backend.URL())
	ctx := context.Background()

	_, err := client.Register(ctx, "alice", "secret")
	require.NoError(t, err)

	_, err = client.Register(ctx, "alice", "other")
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Username already taken", authErr.Message)
}

func TestLoginBadCredentials(t *testing.T) {
	t.Parallel()

	backend := chattest.NewServer()
	defer backend.Close()
	client := auth.NewClient(backend.URL())
	ctx := context.Background()

	_, err := client.Register(ctx, "alice", "secret")
	require.NoError(t, err)

	_, err = client.Login(ctx, "alice", "wrong")
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Invalid username or password", authErr.Message)

	_, err = client.Login(ctx, "nobody", "secret")
	require.ErrorAs(t, err, &authErr)
}

func TestLoginServerUnreachable(t *testing.T) {
	t.Parallel()

	client := auth.NewClient("http://127.0.0.1:1")
	_, err := client.Login(context.Background(), "alice", "secret")
	require.Error(t, err)

	var authErr *auth.Error
	assert.False(t, errors.As(err, &authErr), "transport failures must not surface as credential errors")
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()

	backend := chattest.NewServer()
	defer backend.Close()
	now := time.Now()

	expired, err := backend.MintToken("alice", 1, -time.Hour)
	require.NoError(t, err)
	assert.True(t, auth.TokenExpired(expired, now))

	valid, err := backend.MintToken("alice", 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, auth.TokenExpired(valid, now))

	// opaque tokens are judged by the backend, not locally
	assert.False(t, auth.TokenExpired("not-a-jwt", now))
}
