package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
)

func signToken(t *testing.T, subject string, expiry time.Time) string {
	return signTokenWithSecret(t, subject, expiry, "test-secret")
}

func signTokenWithSecret(t *testing.T, subject string, expiry time.Time, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiry),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authHandler(t *testing.T, token string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login", "/auth/register":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": token,
				"token_type":   "bearer",
				"user":         Identity{ID: "user-1", Username: "ada", Email: "ada@example.com"},
			})
		case "/auth/me":
			if r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
				return
			}
			json.NewEncoder(w).Encode(Identity{ID: "user-1", Username: "ada", Email: "ada@example.com"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestLogin_SetsTokenAndIdentityTogether(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(authHandler(t, token))
	defer srv.Close()

	tokens := NewTokenStore(t.TempDir())
	store := NewStore(Options{BaseURL: srv.URL, TokenStore: tokens})

	identity, err := store.Login(context.Background(), Credentials{Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)
	require.NotNil(t, identity)

	assert.Equal(t, "user-1", identity.ID)
	assert.Equal(t, token, store.Token())
	assert.True(t, store.Authenticated())
	assert.Equal(t, token, tokens.Load(), "token should be persisted")

	claims := store.Claims()
	require.NotNil(t, claims)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestLogin_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Incorrect email or password"})
	}))
	defer srv.Close()

	store := NewStore(Options{BaseURL: srv.URL})

	_, err := store.Login(context.Background(), Credentials{Email: "ada@example.com", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthInvalidCredentials))
	assert.Empty(t, store.Token())
	assert.False(t, store.Authenticated())

	var tpErr *errors.Error
	require.ErrorAs(t, err, &tpErr)
	assert.Equal(t, "Incorrect email or password", tpErr.UserMessage)
}

func TestRegister_EstablishesSession(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(authHandler(t, token))
	defer srv.Close()

	store := NewStore(Options{BaseURL: srv.URL})

	identity, err := store.Register(context.Background(), Registration{Username: "ada", Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "ada", identity.Username)
	assert.True(t, store.Authenticated())
}

func TestProfile_RehydratesIdentityFromPersistedToken(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(authHandler(t, token))
	defer srv.Close()

	dir := t.TempDir()
	tokens := NewTokenStore(dir)
	require.NoError(t, tokens.Save(token))

	// Fresh store simulating a restart: token survives, identity does not.
	store := NewStore(Options{BaseURL: srv.URL, TokenStore: tokens})
	assert.Equal(t, token, store.Token())
	assert.Nil(t, store.Identity())
	assert.False(t, store.Authenticated())

	identity, err := store.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.True(t, store.Authenticated())
}

func TestProfile_AuthRejectionLogsOut(t *testing.T) {
	goodToken := signToken(t, "user-1", time.Now().Add(time.Hour))
	// Signed with a rotated secret: the same claims would produce the same
	// token string, which the handler would happily accept.
	staleToken := signTokenWithSecret(t, "user-1", time.Now().Add(time.Hour), "retired-secret")
	require.NotEqual(t, goodToken, staleToken)
	srv := httptest.NewServer(authHandler(t, goodToken))
	defer srv.Close()

	dir := t.TempDir()
	tokens := NewTokenStore(dir)
	require.NoError(t, tokens.Save(staleToken))

	signals := bus.NewMemoryBus()
	defer signals.Close()
	ended := make(chan struct{}, 1)
	_, err := signals.Subscribe(context.Background(), bus.SubjectSessionEnded, func(*bus.Message) {
		ended <- struct{}{}
	})
	require.NoError(t, err)

	store := NewStore(Options{BaseURL: srv.URL, TokenStore: tokens, Signals: signals})

	_, err = store.Profile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuthFailure(err))
	assert.Empty(t, store.Token(), "rejected token must be cleared")
	assert.Empty(t, tokens.Load(), "persisted token must be cleared")

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("session.ended signal not published")
	}
}

func TestProfile_ConnectivityFailureKeepsToken(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(nil)
	srv.Close() // unreachable on purpose

	dir := t.TempDir()
	tokens := NewTokenStore(dir)
	require.NoError(t, tokens.Save(token))

	store := NewStore(Options{BaseURL: srv.URL, TokenStore: tokens})

	_, err := store.Profile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthNetwork))
	assert.False(t, errors.IsAuthFailure(err))
	assert.Equal(t, token, store.Token(), "token must survive a connectivity failure")
	assert.Equal(t, token, tokens.Load(), "persisted token must survive a connectivity failure")
}

func TestProfile_ServerErrorKeepsToken(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tokens := NewTokenStore(t.TempDir())
	require.NoError(t, tokens.Save(token))
	store := NewStore(Options{BaseURL: srv.URL, TokenStore: tokens})

	_, err := store.Profile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthNetwork))
	assert.Equal(t, token, tokens.Load())
}

func TestLogout_Idempotent(t *testing.T) {
	tokens := NewTokenStore(t.TempDir())
	store := NewStore(Options{TokenStore: tokens})

	// No prior login: must be safe.
	store.Logout()
	store.Logout()

	assert.Empty(t, store.Token())
	assert.Nil(t, store.Identity())
}

func TestToken_ExpiredTreatedAsAbsent(t *testing.T) {
	token := signToken(t, "user-1", time.Now().Add(-time.Minute))
	tokens := NewTokenStore(t.TempDir())
	require.NoError(t, tokens.Save(token))

	store := NewStore(Options{TokenStore: tokens})
	assert.Empty(t, store.Token(), "expired token must gate outbound calls")
	assert.False(t, store.Authenticated())
}
