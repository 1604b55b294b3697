package synclog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"calsync/streams"
)

const (
	streamKeyFormat = "calendar:conn:%s:log"
	// Entries are operability data only; older ones are trimmed.
	maxEntries     = 1000
	tailBlock      = 5 * time.Second
	tailBatchCount = 50
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Direction string

const (
	ToExternal   Direction = "to-external"
	FromExternal Direction = "from-external"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is one immutable sync outcome.
type Entry struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connection_id"`
	Action          Action    `json:"action"`
	Direction       Direction `json:"direction"`
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	Details         string    `json:"details,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Log is the append-only audit trail, one Redis stream per connection.
type Log struct {
	helper *streams.Helper
}

func New(client *redis.Client) *Log {
	return &Log{helper: streams.NewHelper(client)}
}

// StreamKey returns the stream holding a connection's entries.
func StreamKey(connectionID string) string {
	return fmt.Sprintf(streamKeyFormat, connectionID)
}

// Append records e and returns it with its assigned id.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ConnectionID == "" {
		return e, fmt.Errorf("sync log entry requires a connection id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	id, err := l.helper.Append(ctx, StreamKey(e.ConnectionID), map[string]any{
		"action":            string(e.Action),
		"direction":         string(e.Direction),
		"status":            string(e.Status),
		"error":             e.Error,
		"details":           e.Details,
		"external_event_id": e.ExternalEventID,
		"created_at":        e.CreatedAt.Format(time.RFC3339Nano),
	}, maxEntries)
	if err != nil {
		return e, fmt.Errorf("failed to append sync log: %w", err)
	}
	e.ID = id
	return e, nil
}

// List returns up to limit entries, newest first.
func (l *Log) List(ctx context.Context, connectionID string, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := l.helper.Latest(ctx, StreamKey(connectionID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	return toEntries(connectionID, msgs), nil
}

// LastID returns the id a live reader should start after.
func (l *Log) LastID(ctx context.Context, connectionID string) (string, error) {
	id, err := l.helper.LastID(ctx, StreamKey(connectionID))
	if err != nil {
		return "", fmt.Errorf("failed to read sync log position: %w", err)
	}
	return id, nil
}

// Tail blocks briefly for entries after afterID and returns them oldest first
// along with the id to resume from.
func (l *Log) Tail(ctx context.Context, connectionID, afterID string) ([]Entry, string, error) {
	msgs, next, err := l.helper.Tail(ctx, StreamKey(connectionID), afterID, tailBatchCount, tailBlock)
	if err != nil {
		return nil, afterID, err
	}
	return toEntries(connectionID, msgs), next, nil
}

// Purge drops every entry of a deleted connection.
func (l *Log) Purge(ctx context.Context, connectionID string) error {
	return l.helper.Delete(ctx, StreamKey(connectionID))
}

func toEntries(connectionID string, msgs []streams.Message) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		created, _ := time.Parse(time.RFC3339Nano, m.Values["created_at"])
		out = append(out, Entry{
			ID:              m.ID,
			ConnectionID:    connectionID,
			Action:          Action(m.Values["action"]),
			Direction:       Direction(m.Values["direction"]),
			Status:          Status(m.Values["status"]),
			Error:           m.Values["error"],
			Details:         m.Values["details"],
			ExternalEventID: m.Values["external_event_id"],
			CreatedAt:       created,
		})
	}
	return out
}
