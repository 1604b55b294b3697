package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoogleStub(t *testing.T, handle http.HandlerFunc) *GoogleAdapter {
	t.Helper()
	server := httptest.NewServer(handle)
	t.Cleanup(server.Close)
	return NewGoogleAdapter("https://hooks.example/calendar/webhook/google", "channel-secret", nil,
		WithGoogleEndpoint(server.URL+"/"))
}

func googleJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

var googleBinding = Binding{AccessToken: "access-1", CalendarID: "primary"}

func TestGoogle_InitialSyncPaginates(t *testing.T) {
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "true", q.Get("showDeleted"))
		assert.Empty(t, q.Get("syncToken"))
		from, err := time.Parse(time.RFC3339, q.Get("timeMin"))
		assert.NoError(t, err)
		to, err := time.Parse(time.RFC3339, q.Get("timeMax"))
		assert.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(-InitialLookback), from, time.Minute)
		assert.WithinDuration(t, time.Now().Add(InitialLookahead), to, time.Minute)

		if q.Get("pageToken") == "" {
			googleJSON(w, 200, `{"items":[{"id":"g1","summary":"Lunch","status":"confirmed",
				"start":{"dateTime":"2026-03-02T12:00:00Z"},"end":{"dateTime":"2026-03-02T13:00:00Z"}}],
				"nextPageToken":"p2"}`)
			return
		}
		googleJSON(w, 200, `{"items":[{"id":"g2","status":"cancelled"},
			{"id":"g3","summary":"Holiday","start":{"date":"2026-03-10"},"end":{"date":"2026-03-11"}}],
			"nextSyncToken":"sync-1"}`)
	})

	changes, err := adapter.IncrementalChanges(context.Background(), googleBinding)
	require.NoError(t, err)
	assert.True(t, changes.FullSync)
	assert.Equal(t, Cursor{Kind: CursorSyncToken, Value: "sync-1"}, changes.Next)

	require.Len(t, changes.Events, 3)
	assert.Equal(t, "Lunch", changes.Events[0].Title)
	assert.Equal(t, StatusCancelled, changes.Events[1].Status)
	assert.True(t, changes.Events[2].Start.AllDay)
	assert.Equal(t, 10, changes.Events[2].Start.Time.Day())
}

func TestGoogle_IncrementalUsesSyncToken(t *testing.T) {
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sync-1", r.URL.Query().Get("syncToken"))
		assert.Empty(t, r.URL.Query().Get("timeMin"))
		assert.Empty(t, r.URL.Query().Get("timeMax"))
		googleJSON(w, 200, `{"items":[],"nextSyncToken":"sync-2"}`)
	})

	b := googleBinding
	b.Cursor = &Cursor{Kind: CursorSyncToken, Value: "sync-1"}
	changes, err := adapter.IncrementalChanges(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, changes.FullSync)
	assert.Equal(t, "sync-2", changes.Next.Value)
}

func TestGoogle_ExpiredSyncToken(t *testing.T) {
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		googleJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Sync token is no longer valid",
			"errors":[{"domain":"calendar","reason":"fullSyncRequired","message":"Sync token is no longer valid"}]}}`)
	})

	b := googleBinding
	b.Cursor = &Cursor{Kind: CursorSyncToken, Value: "stale"}
	_, err := adapter.IncrementalChanges(context.Background(), b)
	assert.ErrorIs(t, err, ErrCursorInvalid)

	b.Cursor = &Cursor{Kind: CursorDeltaLink, Value: "https://graph.example/delta"}
	_, err = adapter.IncrementalChanges(context.Background(), b)
	assert.ErrorIs(t, err, ErrCursorInvalid)
}

func TestGoogle_RateLimitAndAuthErrors(t *testing.T) {
	reason := "rateLimitExceeded"
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		googleJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"denied",
			"errors":[{"domain":"usageLimits","reason":"`+reason+`","message":"denied"}]}}`)
	})

	_, err := adapter.GetEvent(context.Background(), googleBinding, "g1")
	assert.ErrorIs(t, err, ErrRateLimited)

	reason = "forbidden"
	_, err = adapter.GetEvent(context.Background(), googleBinding, "g1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestGoogle_DeleteEventIsIdempotent(t *testing.T) {
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		googleJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
	})
	assert.NoError(t, adapter.DeleteEvent(context.Background(), googleBinding, "g1"))
}

func TestGoogle_CreateSubscription(t *testing.T) {
	var channel map[string]any
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events/watch", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&channel)
		googleJSON(w, 200, `{"kind":"api#channel","id":"chan-1","resourceId":"res-1","expiration":"1772539200000"}`)
	})

	sub, err := adapter.CreateSubscription(context.Background(), googleBinding)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", sub.ID)
	assert.Equal(t, "res-1", sub.ResourceID)
	assert.Equal(t, int64(1772539200000), sub.Expiration.UnixMilli())

	assert.Equal(t, "web_hook", channel["type"])
	assert.Equal(t, "channel-secret", channel["token"])
	assert.Equal(t, "https://hooks.example/calendar/webhook/google", channel["address"])
	assert.NotEmpty(t, channel["id"])
}

func TestGoogle_ListEventsOrderedAndCapped(t *testing.T) {
	adapter := newGoogleStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "startTime", r.URL.Query().Get("orderBy"))
		assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
		googleJSON(w, 200, `{"items":[
			{"id":"late","start":{"dateTime":"2026-03-03T09:00:00Z"}},
			{"id":"early","start":{"dateTime":"2026-03-02T09:00:00Z"}},
			{"id":"extra","start":{"dateTime":"2026-03-04T09:00:00Z"}}]}`)
	})

	events, err := adapter.ListEvents(context.Background(), googleBinding, ListOptions{MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "early", events[0].ID)
	assert.Equal(t, "late", events[1].ID)
}
