package auth

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyRepo struct {
	byHash map[string]*APIKeyInfo
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	info, ok := m.byHash[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return info, nil
}

func TestKeyAuthenticator(t *testing.T) {
	pepper := []byte("pepper")
	hash := HashKey(pepper, "secret-key")
	repo := &mockKeyRepo{byHash: map[string]*APIKeyInfo{
		hash: {ID: "k1", KeyHash: hash, Name: "ops", Scopes: []string{ScopeAdmin}},
	}}
	a := NewKeyAuthenticator(repo, pepper)
	ctx := context.Background()

	info, err := a.Authenticate(ctx, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "k1", info.ID)
	assert.True(t, info.HasScope(ScopeAdmin))
	assert.False(t, info.HasScope("reports"))

	_, err = a.Authenticate(ctx, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewKeyAuthenticator(repo, []byte("other")).Authenticate(ctx, "secret-key")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokens(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tokens := NewTokens([]byte("jwt-secret"), "huerto", time.Hour)
	tokens.now = func() time.Time { return now }

	raw, err := tokens.Issue("user-1", "ana@example.com")
	require.NoError(t, err)

	claims, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ana@example.com", claims.Email)

	t.Run("expired", func(t *testing.T) {
		later := NewTokens([]byte("jwt-secret"), "huerto", time.Hour)
		later.now = func() time.Time { return now.Add(2 * time.Hour) }
		_, err := later.Verify(raw)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokens([]byte("other"), "huerto", time.Hour)
		other.now = tokens.now
		_, err := other.Verify(raw)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokens([]byte("jwt-secret"), "someone-else", time.Hour)
		other.now = tokens.now
		_, err := other.Verify(raw)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Verify("not.a.token")
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}
