package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisURL = "redis://localhost:6379"
	healthStream    = "calendar:health"
)

// Connect parses redisURL (empty means localhost), pings the server and checks
// that stream commands work, since the sync log depends on them.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		redisURL = DefaultRedisURL
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := verifyStreamOps(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func verifyStreamOps(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: healthStream,
		MaxLen: 10,
		Approx: true,
		Values: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339Nano)},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}
	msgs, err := client.XRange(ctx, healthStream, id, id).Result()
	if err != nil {
		return fmt.Errorf("redis: XRANGE failed: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("redis: XRANGE returned no message for %s", id)
	}
	return nil
}

// Message is one stream entry with its values flattened to strings.
type Message struct {
	ID     string
	Values map[string]string
}

// Helper wraps the stream commands used by capped, append-only logs.
type Helper struct {
	client *redis.Client
}

func NewHelper(client *redis.Client) *Helper {
	return &Helper{client: client}
}

// Append adds an entry and trims the stream to roughly maxLen entries.
// maxLen <= 0 disables trimming.
func (h *Helper) Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return h.client.XAdd(ctx, args).Result()
}

// Latest returns up to count entries, newest first.
func (h *Helper) Latest(ctx context.Context, stream string, count int64) ([]Message, error) {
	res, err := h.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	return convert(res), nil
}

// LastID returns the id of the newest entry, or "0-0" for an empty stream, so
// a reader can resume from a concrete position instead of "$".
func (h *Helper) LastID(ctx context.Context, stream string) (string, error) {
	res, err := h.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "0-0", nil
	}
	return res[0].ID, nil
}

// Tail blocks up to block for entries after afterID ("$" or empty means only new
// ones). A negative block does not wait. It returns the entries and the last id seen.
func (h *Helper) Tail(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Message, string, error) {
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}
	res, err := h.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, afterID, nil
	}
	if err != nil {
		return nil, afterID, err
	}
	var out []Message
	for _, s := range res {
		out = append(out, convert(s.Messages)...)
	}
	next := afterID
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (h *Helper) Length(ctx context.Context, stream string) (int64, error) {
	return h.client.XLen(ctx, stream).Result()
}

func (h *Helper) Delete(ctx context.Context, stream string) error {
	return h.client.Del(ctx, stream).Err()
}

func convert(msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			values[k] = stringVal(v)
		}
		out = append(out, Message{ID: m.ID, Values: values})
	}
	return out
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
