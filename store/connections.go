package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"calsync/provider"
)

var (
	ErrConnectionNotFound = errors.New("store: calendar connection not found")
	ErrConnectionExists   = errors.New("store: calendar connection already exists for user and provider")
	ErrCursorMismatch     = errors.New("store: cursor kind does not match connection provider")
)

const (
	connKeyFormat      = "calendar:conn:%s"
	userIndexFormat    = "calendar:conn:user:%s:%s"
	userSetFormat      = "calendar:conns:user:%s"
	webhookIndexFormat = "calendar:conn:webhook:%s"
	allConnsKey        = "calendar:conns"
)

// Connection is one user's binding to one external calendar provider.
// AccessToken and RefreshToken hold vault ciphertext, never plaintext.
type Connection struct {
	ID           string
	UserID       string
	Provider     provider.Provider
	CalendarID   string
	CalendarName string

	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scope        string

	WebhookID         string
	WebhookResourceID string
	WebhookExpiry     *time.Time

	// Cursor is nil until the first successful pass.
	Cursor *provider.Cursor

	SyncEnabled bool
	LastSyncAt  *time.Time
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Binding builds the adapter view of the connection around a live access token.
func (c *Connection) Binding(accessToken string) provider.Binding {
	b := provider.Binding{
		AccessToken:            accessToken,
		CalendarID:             c.CalendarID,
		SubscriptionID:         c.WebhookID,
		SubscriptionResourceID: c.WebhookResourceID,
	}
	if c.Cursor != nil && c.Cursor.Kind == c.Provider.CursorKind() {
		cur := *c.Cursor
		b.Cursor = &cur
	}
	return b
}

// TokenUpdate carries already-encrypted credentials.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// ConnectionStore persists connections as Redis hashes with secondary indexes
// for user+provider and webhook subscription lookups.
type ConnectionStore struct {
	client *redis.Client
}

func NewConnectionStore(client *redis.Client) *ConnectionStore {
	return &ConnectionStore{client: client}
}

func connKey(id string) string { return fmt.Sprintf(connKeyFormat, id) }

func userIndexKey(userID string, p provider.Provider) string {
	return fmt.Sprintf(userIndexFormat, userID, p)
}

func webhookIndexKey(subscriptionID string) string {
	return fmt.Sprintf(webhookIndexFormat, subscriptionID)
}

// hsetIfExists only writes when the hash is still present, so updates racing a
// delete never resurrect a partial record.
var hsetIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

func (s *ConnectionStore) update(ctx context.Context, id string, fields map[string]string) error {
	fields["updated_at"] = formatTime(time.Now().UTC())
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := hsetIfExists.Run(ctx, s.client, []string{connKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", id, err)
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Create stores a new connection. Only one connection may exist per user and provider.
func (s *ConnectionStore) Create(ctx context.Context, conn *Connection) error {
	if conn.UserID == "" || !conn.Provider.Valid() {
		return fmt.Errorf("connection requires a user id and a supported provider")
	}
	if conn.Cursor != nil && conn.Cursor.Kind != conn.Provider.CursorKind() {
		return ErrCursorMismatch
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now

	claimed, err := s.client.SetNX(ctx, userIndexKey(conn.UserID, conn.Provider), conn.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim connection slot: %w", err)
	}
	if !claimed {
		return ErrConnectionExists
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, connKey(conn.ID), encodeConnection(conn))
		pipe.SAdd(ctx, allConnsKey, conn.ID)
		pipe.SAdd(ctx, fmt.Sprintf(userSetFormat, conn.UserID), conn.ID)
		if conn.WebhookID != "" {
			pipe.Set(ctx, webhookIndexKey(conn.WebhookID), conn.ID, 0)
		}
		return nil
	})
	if err != nil {
		s.client.Del(ctx, userIndexKey(conn.UserID, conn.Provider))
		return fmt.Errorf("failed to store connection: %w", err)
	}
	return nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (*Connection, error) {
	values, err := s.client.HGetAll(ctx, connKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, ErrConnectionNotFound
	}
	return decodeConnection(id, values)
}

func (s *ConnectionStore) GetByUserProvider(ctx context.Context, userID string, p provider.Provider) (*Connection, error) {
	id, err := s.client.Get(ctx, userIndexKey(userID, p)).Result()
	if err == redis.Nil {
		return nil, ErrConnectionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve connection: %w", err)
	}
	return s.Get(ctx, id)
}

// GetByWebhookID resolves the connection owning a push subscription.
func (s *ConnectionStore) GetByWebhookID(ctx context.Context, subscriptionID string) (*Connection, error) {
	if subscriptionID == "" {
		return nil, ErrConnectionNotFound
	}
	id, err := s.client.Get(ctx, webhookIndexKey(subscriptionID)).Result()
	if err == redis.Nil {
		return nil, ErrConnectionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve webhook: %w", err)
	}
	conn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.WebhookID != subscriptionID {
		// stale index entry left behind by a replaced subscription
		s.client.Del(ctx, webhookIndexKey(subscriptionID))
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// List returns every stored connection ordered by id.
func (s *ConnectionStore) List(ctx context.Context) ([]*Connection, error) {
	ids, err := s.client.SMembers(ctx, allConnsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return s.loadAll(ctx, ids)
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(userSetFormat, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user connections: %w", err)
	}
	return s.loadAll(ctx, ids)
}

func (s *ConnectionStore) loadAll(ctx context.Context, ids []string) ([]*Connection, error) {
	sort.Strings(ids)
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := s.Get(ctx, id)
		if errors.Is(err, ErrConnectionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// UpdateTokens stores freshly encrypted credentials. An empty RefreshToken keeps
// the stored one, since providers only sometimes rotate it.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, id string, tokens TokenUpdate) error {
	fields := map[string]string{
		"access_token": tokens.AccessToken,
		"token_expiry": formatTime(tokens.Expiry),
	}
	if tokens.RefreshToken != "" {
		fields["refresh_token"] = tokens.RefreshToken
	}
	if tokens.Scope != "" {
		fields["scope"] = tokens.Scope
	}
	return s.update(ctx, id, fields)
}

// UpdateCursor replaces the stored cursor. A nil cursor clears it.
func (s *ConnectionStore) UpdateCursor(ctx context.Context, id string, cursor *provider.Cursor) error {
	fields, err := s.cursorFields(ctx, id, cursor)
	if err != nil {
		return err
	}
	return s.update(ctx, id, fields)
}

// UpdateSyncState records the outcome of a pass: the new cursor, the pass time and
// the last error (empty on success).
func (s *ConnectionStore) UpdateSyncState(ctx context.Context, id string, cursor *provider.Cursor, syncedAt time.Time, lastError string) error {
	fields, err := s.cursorFields(ctx, id, cursor)
	if err != nil {
		return err
	}
	fields["last_sync_at"] = formatTime(syncedAt)
	fields["last_error"] = lastError
	return s.update(ctx, id, fields)
}

// RecordError stores a failure without touching the cursor.
func (s *ConnectionStore) RecordError(ctx context.Context, id, lastError string) error {
	return s.update(ctx, id, map[string]string{"last_error": lastError})
}

func (s *ConnectionStore) cursorFields(ctx context.Context, id string, cursor *provider.Cursor) (map[string]string, error) {
	if cursor == nil {
		return map[string]string{"cursor_kind": "", "cursor_value": ""}, nil
	}
	p, err := s.client.HGet(ctx, connKey(id), "provider").Result()
	if err == redis.Nil {
		return nil, ErrConnectionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load connection provider: %w", err)
	}
	if cursor.Kind != provider.Provider(p).CursorKind() {
		return nil, ErrCursorMismatch
	}
	return map[string]string{"cursor_kind": string(cursor.Kind), "cursor_value": cursor.Value}, nil
}

// UpdateSubscription swaps the push subscription and its lookup index. A nil
// subscription clears it.
func (s *ConnectionStore) UpdateSubscription(ctx context.Context, id string, sub *provider.Subscription) error {
	previous, err := s.client.HGet(ctx, connKey(id), "webhook_id").Result()
	if err == redis.Nil {
		return ErrConnectionNotFound
	} else if err != nil {
		return fmt.Errorf("failed to load connection %s: %w", id, err)
	}

	fields := map[string]string{"webhook_id": "", "webhook_resource_id": "", "webhook_expiry": ""}
	if sub != nil {
		fields["webhook_id"] = sub.ID
		fields["webhook_resource_id"] = sub.ResourceID
		fields["webhook_expiry"] = formatTime(sub.Expiration)
	}
	if err := s.update(ctx, id, fields); err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && (sub == nil || previous != sub.ID) {
			pipe.Del(ctx, webhookIndexKey(previous))
		}
		if sub != nil && sub.ID != "" {
			pipe.Set(ctx, webhookIndexKey(sub.ID), id, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index webhook: %w", err)
	}
	return nil
}

// UpdateCalendar rebinds the connection to another external calendar. The old
// cursor belongs to the old calendar and is dropped.
func (s *ConnectionStore) UpdateCalendar(ctx context.Context, id, calendarID, calendarName string) error {
	return s.update(ctx, id, map[string]string{
		"calendar_id":   calendarID,
		"calendar_name": calendarName,
		"cursor_kind":   "",
		"cursor_value":  "",
	})
}

// SetSyncEnabled soft-disables or re-enables a connection. reason is kept as the
// last error when disabling.
func (s *ConnectionStore) SetSyncEnabled(ctx context.Context, id string, enabled bool, reason string) error {
	fields := map[string]string{"sync_enabled": formatBool(enabled)}
	if !enabled && reason != "" {
		fields["last_error"] = reason
	}
	if enabled {
		fields["last_error"] = ""
	}
	return s.update(ctx, id, fields)
}

// Delete hard-deletes the connection and all of its indexes.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(id))
		pipe.Del(ctx, userIndexKey(conn.UserID, conn.Provider))
		if conn.WebhookID != "" {
			pipe.Del(ctx, webhookIndexKey(conn.WebhookID))
		}
		pipe.SRem(ctx, allConnsKey, id)
		pipe.SRem(ctx, fmt.Sprintf(userSetFormat, conn.UserID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", id, err)
	}
	return nil
}

func encodeConnection(c *Connection) map[string]any {
	fields := map[string]any{
		"user_id":             c.UserID,
		"provider":            string(c.Provider),
		"calendar_id":         c.CalendarID,
		"calendar_name":       c.CalendarName,
		"access_token":        c.AccessToken,
		"refresh_token":       c.RefreshToken,
		"token_expiry":        formatTime(c.TokenExpiry),
		"scope":               c.Scope,
		"webhook_id":          c.WebhookID,
		"webhook_resource_id": c.WebhookResourceID,
		"webhook_expiry":      "",
		"cursor_kind":         "",
		"cursor_value":        "",
		"sync_enabled":        formatBool(c.SyncEnabled),
		"last_sync_at":        "",
		"last_error":          c.LastError,
		"created_at":          formatTime(c.CreatedAt),
		"updated_at":          formatTime(c.UpdatedAt),
	}
	if c.WebhookExpiry != nil {
		fields["webhook_expiry"] = formatTime(*c.WebhookExpiry)
	}
	if c.Cursor != nil {
		fields["cursor_kind"] = string(c.Cursor.Kind)
		fields["cursor_value"] = c.Cursor.Value
	}
	if c.LastSyncAt != nil {
		fields["last_sync_at"] = formatTime(*c.LastSyncAt)
	}
	return fields
}

func decodeConnection(id string, v map[string]string) (*Connection, error) {
	c := &Connection{
		ID:                id,
		UserID:            v["user_id"],
		Provider:          provider.Provider(v["provider"]),
		CalendarID:        v["calendar_id"],
		CalendarName:      v["calendar_name"],
		AccessToken:       v["access_token"],
		RefreshToken:      v["refresh_token"],
		Scope:             v["scope"],
		WebhookID:         v["webhook_id"],
		WebhookResourceID: v["webhook_resource_id"],
		LastError:         v["last_error"],
		SyncEnabled:       v["sync_enabled"] == "1",
	}
	var err error
	if c.TokenExpiry, err = parseTime(v["token_expiry"]); err != nil {
		return nil, fmt.Errorf("connection %s: token_expiry: %w", id, err)
	}
	if c.CreatedAt, err = parseTime(v["created_at"]); err != nil {
		return nil, fmt.Errorf("connection %s: created_at: %w", id, err)
	}
	if c.UpdatedAt, err = parseTime(v["updated_at"]); err != nil {
		return nil, fmt.Errorf("connection %s: updated_at: %w", id, err)
	}
	if c.WebhookExpiry, err = parseOptionalTime(v["webhook_expiry"]); err != nil {
		return nil, fmt.Errorf("connection %s: webhook_expiry: %w", id, err)
	}
	if c.LastSyncAt, err = parseOptionalTime(v["last_sync_at"]); err != nil {
		return nil, fmt.Errorf("connection %s: last_sync_at: %w", id, err)
	}
	if kind := v["cursor_kind"]; kind != "" && v["cursor_value"] != "" {
		c.Cursor = &provider.Cursor{Kind: provider.CursorKind(kind), Value: v["cursor_value"]}
	}
	return c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
