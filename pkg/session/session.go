// Package session owns the identity credential and authenticated user
// record: login, registration, logout, profile rehydration, and the
// persisted bearer token. Every outbound call in the client is gated on
// this store holding a live credential.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/logging"
)

// Identity is the authenticated user record.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Credentials authenticate an existing account.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration creates a new account.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims are the decoded bearer token claims the client cares about.
type Claims struct {
	Subject string
	Expiry  time.Time
}

// Store holds the current credential and identity. Token and identity are
// only ever set or cleared together under one lock, so no reader observes
// one without the other.
type Store struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	signals    bus.SignalBus
	logger     *logging.Logger

	mu       sync.RWMutex
	token    string
	claims   *Claims
	identity *Identity
}

// Options configures a Store.
type Options struct {
	BaseURL        string
	TokenStore     *TokenStore
	Signals        bus.SignalBus
	Logger         *logging.Logger
	RequestTimeout time.Duration
}

// NewStore creates a session store. A token persisted by a previous run is
// loaded immediately; the identity stays unresolved until Profile succeeds.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Store{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		tokens:     opts.TokenStore,
		signals:    opts.Signals,
		logger:     opts.Logger,
	}

	if s.tokens != nil {
		if token := s.tokens.Load(); token != "" {
			s.token = token
			s.claims = decodeClaims(token)
		}
	}

	return s
}

// Token returns the current bearer token, or "" when no usable credential
// exists. A token past its decoded expiry counts as absent.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return ""
	}
	if s.claims != nil && !s.claims.Expiry.IsZero() && time.Now().After(s.claims.Expiry) {
		return ""
	}
	return s.token
}

// Identity returns the resolved user record, or nil before Profile or
// Login resolves one.
func (s *Store) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Claims returns the decoded claims of the current token, or nil.
func (s *Store) Claims() *Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// Authenticated reports whether a usable token and resolved identity are
// both present.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.identity == nil {
		return false
	}
	if s.claims != nil && !s.claims.Expiry.IsZero() && time.Now().After(s.claims.Expiry) {
		return false
	}
	return true
}

type authResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	User        Identity `json:"user"`
}

// Login authenticates with the identity service, persists the returned
// token, and sets token and identity atomically.
func (s *Store) Login(ctx context.Context, creds Credentials) (*Identity, error) {
	resp, err := s.postAuth(ctx, "/auth/login", creds)
	if err != nil {
		return nil, err
	}

	s.adopt(resp)
	s.logger.Info(logging.CategorySession, "login", "logged in", map[string]any{"user_id": resp.User.ID})
	return s.Identity(), nil
}

// Register creates an account and establishes a session in one step.
func (s *Store) Register(ctx context.Context, reg Registration) (*Identity, error) {
	resp, err := s.postAuth(ctx, "/auth/register", reg)
	if err != nil {
		return nil, err
	}

	s.adopt(resp)
	s.logger.Info(logging.CategorySession, "register", "registered", map[string]any{"user_id": resp.User.ID})
	return s.Identity(), nil
}

// Profile fetches /auth/me to rehydrate the identity for a persisted
// token. An authentication-class rejection logs the session out; any other
// failure leaves the token untouched and reports the error. Collapsing
// these two outcomes would forcibly log users out on flaky networks.
func (s *Store) Profile(ctx context.Context) (*Identity, error) {
	token := s.Token()
	if token == "" {
		return nil, errors.New(errors.ErrCodeSessionMissing, "no credential to resolve a profile for")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "building profile request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn(logging.CategoryNetwork, "profile_unreachable", "profile fetch failed, keeping session", nil)
		return nil, errors.Wrap(err, errors.ErrCodeAuthNetwork, "profile fetch failed").WithRetryable(true)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		s.logger.Warn(logging.CategorySession, "token_rejected", "credential rejected, logging out", map[string]any{"status": httpResp.StatusCode})
		s.Logout()
		return nil, errors.New(errors.ErrCodeAuthTokenInvalid, "credential rejected by profile endpoint").
			WithContext("status", httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrCodeAuthNetwork, "profile endpoint error").
			WithContext("status", httpResp.StatusCode).
			WithContext("body", readBodyLimited(httpResp)).
			WithRetryable(true)
	}

	var identity Identity
	if err := json.NewDecoder(httpResp.Body).Decode(&identity); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthNetwork, "decoding profile response").WithRetryable(true)
	}

	s.mu.Lock()
	s.identity = &identity
	s.mu.Unlock()

	s.logger.SetUserID(identity.ID)
	s.logger.Info(logging.CategorySession, "profile_resolved", "identity rehydrated", map[string]any{"user_id": identity.ID})
	return &identity, nil
}

// Logout clears the persisted token, the in-memory token, and the
// identity. Idempotent; safe with no prior login. The session.ended signal
// fires so in-flight collaborators fail over to "no session" instead of
// retrying with a stale credential.
func (s *Store) Logout() {
	s.mu.Lock()
	hadSession := s.token != "" || s.identity != nil
	s.token = ""
	s.claims = nil
	s.identity = nil
	s.mu.Unlock()

	if s.tokens != nil {
		_ = s.tokens.Clear()
	}

	if hadSession {
		s.logger.Info(logging.CategorySession, "logout", "session ended", nil)
		if s.signals != nil {
			_ = s.signals.Publish(context.Background(), bus.SubjectSessionEnded, nil)
		}
	}
}

func (s *Store) adopt(resp *authResponse) {
	s.mu.Lock()
	s.token = resp.AccessToken
	s.claims = decodeClaims(resp.AccessToken)
	identity := resp.User
	s.identity = &identity
	s.mu.Unlock()

	if s.tokens != nil {
		_ = s.tokens.Save(resp.AccessToken)
	}
	s.logger.SetUserID(resp.User.ID)
}

func (s *Store) postAuth(ctx context.Context, path string, payload any) (*authResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encoding auth request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "building auth request")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthNetwork, "auth endpoint unreachable").WithRetryable(true)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK || httpResp.StatusCode == http.StatusCreated:
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, errors.New(errors.ErrCodeAuthInvalidCredentials, "authentication rejected").
			WithContext("status", httpResp.StatusCode).
			WithUserMessage(serverDetail(httpResp, "Incorrect email or password"))
	default:
		return nil, errors.New(errors.ErrCodeAuthNetwork, "auth endpoint error").
			WithContext("status", httpResp.StatusCode).
			WithUserMessage(serverDetail(httpResp, "Authentication failed")).
			WithRetryable(httpResp.StatusCode >= 500)
	}

	var resp authResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthNetwork, "decoding auth response")
	}
	if resp.AccessToken == "" {
		return nil, errors.New(errors.ErrCodeAuthNetwork, "auth response missing access token")
	}

	return &resp, nil
}

// decodeClaims extracts subject and expiry from the bearer token without
// verifying the signature. The client holds no signing key; the server is
// the authority, this decode only gates obviously-dead tokens locally.
func decodeClaims(token string) *Claims {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	claims := &Claims{}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
	}
	return claims
}

const maxErrorBodyBytes = 16 << 10

func readBodyLimited(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(data))
}

// serverDetail extracts the server's {"detail": ...} message, falling back
// to the given default.
func serverDetail(resp *http.Response, fallback string) string {
	body := readBodyLimited(resp)
	if body == "" {
		return fallback
	}
	var envelope struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && strings.TrimSpace(envelope.Detail) != "" {
		return envelope.Detail
	}
	return fallback
}
