package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/calendar/v3"

	"calsync/provider"
	"calsync/store"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token is treated as expired.
	DefaultRefreshBuffer = 5 * time.Minute

	stateTTL       = 10 * time.Minute
	stateKeyPrefix = "oauth_state:"
	refreshLockTTL = 30 * time.Second
	refreshTimeout = 20 * time.Second

	googleRevokeURL = "https://oauth2.googleapis.com/revoke"
)

var (
	// ErrTokenInvalid means the provider rejected the refresh token. The connection
	// has been disabled and the user must authorize again.
	ErrTokenInvalid = errors.New("oauth: token expired or revoked")
	ErrInvalidState = errors.New("oauth: invalid or expired state parameter")
	ErrNoRefresh    = errors.New("oauth: provider did not return a refresh token")
)

// Scopes requested per provider.
var (
	GoogleScopes = []string{
		calendar.CalendarReadonlyScope,
		calendar.CalendarEventsScope,
	}
	MicrosoftScopes = []string{
		"offline_access",
		"User.Read",
		"Calendars.ReadWrite",
	}
)

// GoogleConfig builds the OAuth client configuration for Google Calendar.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       GoogleScopes,
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftConfig builds the OAuth client configuration for Microsoft Graph.
// An empty tenant means "common".
func MicrosoftConfig(clientID, clientSecret, redirectURL, tenant string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       MicrosoftScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Tokens is a token set ready for storage: both tokens are vault ciphertext.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// ConnectionTokens is the slice of the connection store the token manager needs.
type ConnectionTokens interface {
	Get(ctx context.Context, id string) (*store.Connection, error)
	UpdateTokens(ctx context.Context, id string, tokens store.TokenUpdate) error
	SetSyncEnabled(ctx context.Context, id string, enabled bool, reason string) error
}

// TokenManager owns the OAuth lifecycle: authorization URLs, code exchange and
// the check-then-refresh sequence that precedes every adapter call.
type TokenManager struct {
	client     *redis.Client
	vault      *Vault
	conns      ConnectionTokens
	locker     *store.Locker
	configs    map[provider.Provider]*oauth2.Config
	httpClient *http.Client
	revokeURL  string
	buffer     time.Duration
	group      singleflight.Group
	logger     *zap.Logger
}

type TokenManagerOption func(*TokenManager)

func WithRefreshBuffer(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) { m.buffer = d }
}

// WithHTTPClient sets the client used for token endpoint and revoke calls.
func WithHTTPClient(c *http.Client) TokenManagerOption {
	return func(m *TokenManager) { m.httpClient = c }
}

func WithGoogleRevokeURL(u string) TokenManagerOption {
	return func(m *TokenManager) { m.revokeURL = u }
}

func NewTokenManager(client *redis.Client, vault *Vault, conns ConnectionTokens, locker *store.Locker, logger *zap.Logger, opts ...TokenManagerOption) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &TokenManager{
		client:    client,
		vault:     vault,
		conns:     conns,
		locker:    locker,
		configs:   make(map[provider.Provider]*oauth2.Config),
		revokeURL: googleRevokeURL,
		buffer:    DefaultRefreshBuffer,
		logger:    logger.Named("oauth"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureProvider registers OAuth client settings for p.
func (m *TokenManager) ConfigureProvider(p provider.Provider, cfg *oauth2.Config) {
	m.configs[p] = cfg
	m.logger.Info("configured oauth provider",
		zap.String("provider", string(p)), zap.Int("scopes", len(cfg.Scopes)))
}

// Configured reports whether p has client settings.
func (m *TokenManager) Configured(p provider.Provider) bool {
	_, ok := m.configs[p]
	return ok
}

func (m *TokenManager) config(p provider.Provider) (*oauth2.Config, error) {
	cfg, ok := m.configs[p]
	if !ok {
		return nil, fmt.Errorf("OAuth config not found for provider: %s", p)
	}
	return cfg, nil
}

func (m *TokenManager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthorizationURL returns the consent URL carrying state.
func (m *TokenManager) AuthorizationURL(p provider.Provider, state string) (string, error) {
	cfg, err := m.config(p)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

type pendingAuth struct {
	UserID   string            `json:"user_id"`
	Provider provider.Provider `json:"provider"`
}

// BeginAuth creates a random state bound to userID and p for ten minutes and
// returns the consent URL that carries it.
func (m *TokenManager) BeginAuth(ctx context.Context, p provider.Provider, userID string) (string, string, error) {
	if _, err := m.config(p); err != nil {
		return "", "", err
	}

	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	payload, err := json.Marshal(pendingAuth{UserID: userID, Provider: p})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode OAuth state: %w", err)
	}
	if err := m.client.Set(ctx, stateKeyPrefix+state, payload, stateTTL).Err(); err != nil {
		return "", "", fmt.Errorf("failed to store OAuth state: %w", err)
	}

	authURL, err := m.AuthorizationURL(p, state)
	if err != nil {
		return "", "", err
	}
	return authURL, state, nil
}

// ResolveState consumes state and returns who started the flow. A state can only
// be resolved once.
func (m *TokenManager) ResolveState(ctx context.Context, state string) (string, provider.Provider, error) {
	if state == "" {
		return "", "", ErrInvalidState
	}
	raw, err := m.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if err == redis.Nil {
		return "", "", ErrInvalidState
	} else if err != nil {
		return "", "", fmt.Errorf("failed to resolve OAuth state: %w", err)
	}
	var pending pendingAuth
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return "", "", ErrInvalidState
	}
	return pending.UserID, pending.Provider, nil
}

// ExchangeCode trades an authorization code for an encrypted token set.
func (m *TokenManager) ExchangeCode(ctx context.Context, p provider.Provider, code string) (*Tokens, error) {
	cfg, err := m.config(p)
	if err != nil {
		return nil, err
	}
	token, err := cfg.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", redactOAuthError(err))
	}
	if token.RefreshToken == "" {
		return nil, ErrNoRefresh
	}
	return m.seal(token, "")
}

// Refresh decrypts the stored refresh token, calls the provider and returns the
// new token set re-encrypted. When the provider does not rotate the refresh token
// the stored ciphertext is returned unchanged.
func (m *TokenManager) Refresh(ctx context.Context, p provider.Provider, encryptedRefresh string) (*Tokens, error) {
	cfg, err := m.config(p)
	if err != nil {
		return nil, err
	}
	refreshToken, err := m.vault.Decrypt(encryptedRefresh)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrTokenInvalid)
	}

	// An already-expired token forces the TokenSource to hit the token endpoint.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	token, err := cfg.TokenSource(m.oauthContext(ctx), stale).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", redactOAuthError(err))
	}

	if token.RefreshToken == "" || token.RefreshToken == refreshToken {
		return m.seal(token, encryptedRefresh)
	}
	return m.seal(token, "")
}

func (m *TokenManager) seal(token *oauth2.Token, keepRefresh string) (*Tokens, error) {
	access, err := m.vault.Encrypt(token.AccessToken)
	if err != nil {
		return nil, err
	}
	out := &Tokens{AccessToken: access, Expiry: token.Expiry, RefreshToken: keepRefresh}
	if out.RefreshToken == "" {
		if out.RefreshToken, err = m.vault.Encrypt(token.RefreshToken); err != nil {
			return nil, err
		}
	}
	if scope, ok := token.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out, nil
}

// IsExpired reports whether expiry falls within buffer of now. A zero expiry
// counts as expired.
func IsExpired(expiry time.Time, buffer time.Duration) bool {
	if expiry.IsZero() {
		return true
	}
	return expiry.Before(time.Now().Add(buffer))
}

// AccessToken returns a live plaintext access token for conn, refreshing and
// persisting first when the stored one is inside the refresh buffer. Concurrent
// callers for one connection share a single refresh, across processes too.
func (m *TokenManager) AccessToken(ctx context.Context, conn *store.Connection) (string, error) {
	if !IsExpired(conn.TokenExpiry, m.buffer) {
		return m.vault.Decrypt(conn.AccessToken)
	}
	return m.sharedRefresh(ctx, conn.ID, conn.ID, "")
}

// ForceRefresh refreshes conn's access token even though its stored expiry is
// still in the future, for when the provider has already rejected it. A token
// another caller stored since conn was read is returned as is.
func (m *TokenManager) ForceRefresh(ctx context.Context, conn *store.Connection) (string, error) {
	return m.sharedRefresh(ctx, "force:"+conn.ID, conn.ID, conn.AccessToken)
}

// sharedRefresh runs one refresh per key. The refresh is detached from the
// first caller's context so its cancellation does not fail the others.
func (m *TokenManager) sharedRefresh(ctx context.Context, key, connID, rejected string) (string, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshLockTTL+refreshTimeout)
		defer cancel()
		return m.refreshConnection(rctx, connID, rejected)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refreshConnection refreshes under the per-connection lock. rejected, when set,
// is the stored access token ciphertext the provider refused.
func (m *TokenManager) refreshConnection(ctx context.Context, connID, rejected string) (string, error) {
	lock, err := m.locker.Acquire(ctx, "refresh:"+connID, refreshLockTTL)
	if err != nil {
		return "", err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// Another process may have refreshed while we waited.
	conn, err := m.conns.Get(ctx, connID)
	if err != nil {
		return "", err
	}
	fresh := !IsExpired(conn.TokenExpiry, m.buffer)
	if rejected != "" {
		fresh = fresh && conn.AccessToken != rejected
	}
	if fresh {
		return m.vault.Decrypt(conn.AccessToken)
	}

	log := m.logger.With(zap.String("connection_id", conn.ID), zap.String("provider", string(conn.Provider)))
	log.Info("refreshing access token", zap.Bool("forced", rejected != ""))

	callCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	tokens, err := m.Refresh(callCtx, conn.Provider, conn.RefreshToken)
	if err != nil {
		if !refreshRejected(err) {
			log.Warn("token refresh failed; will retry on the next pass", zap.Error(err))
			return "", classifyRefreshError(err)
		}
		log.Warn("refresh rejected by provider; disabling sync", zap.Error(err))
		if derr := m.conns.SetSyncEnabled(ctx, conn.ID, false, "token_invalid"); derr != nil {
			log.Error("failed to disable connection", zap.Error(derr))
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if err := m.conns.UpdateTokens(ctx, conn.ID, store.TokenUpdate{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scope:        tokens.Scope,
	}); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}
	log.Info("refreshed access token", zap.Time("expiry", tokens.Expiry))
	return m.vault.Decrypt(tokens.AccessToken)
}

// Revoke asks the provider to invalidate the connection's grant. Microsoft has
// no revocation endpoint for delegated tokens, so only Google is called.
func (m *TokenManager) Revoke(ctx context.Context, conn *store.Connection) error {
	if conn.Provider != provider.Google {
		return nil
	}
	token, err := m.vault.Decrypt(conn.RefreshToken)
	if err != nil {
		return err
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", redactURLError(err))
	}
	defer resp.Body.Close()
	// 400 means the token is already invalid.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// refreshRejected reports whether the provider refused the grant itself, as
// opposed to failing to answer. Only a refused grant needs the user again.
func refreshRejected(err error) bool {
	if errors.Is(err, ErrTokenInvalid) {
		return true
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

// classifyRefreshError maps a transient token endpoint failure onto the provider
// error taxonomy so callers defer instead of disabling.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		case code >= 500:
			return fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
		}
	}
	if errors.Is(err, ErrCorruptCredential) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}
	return err
}

// redactOAuthError keeps the OAuth error code and drops the response body, which
// can echo token material.
func redactOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		code := re.ErrorCode
		if code == "" {
			code = "unknown_error"
		}
		return &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: status, Status: http.StatusText(status)},
			ErrorCode: code,
		}
	}
	return redactURLError(err)
}

func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s request failed: %w", ue.Op, ue.Err)
	}
	return err
}
