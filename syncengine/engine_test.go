package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/provider"
	"calsync/security"
	"calsync/store"
	"calsync/synclog"
)

func TestSync_InitialPassStoresMappingAndCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, nil)

	h.adapter.queue(&provider.Changes{
		Events:   []provider.ExternalEvent{confirmed("e1")},
		Next:     provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok1"},
		FullSync: true,
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.True(t, result.FullSync)

	row, err := h.events.Get(ctx, conn.ID, "e1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Empty(t, row.AppointmentID, "bare external events are not materialized")
	assert.Zero(t, h.appts.upserts["e1"])

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Cursor)
	assert.Equal(t, "tok1", stored.Cursor.Value)
	assert.NotNil(t, stored.LastSyncAt)

	calls := h.adapter.fetchCalls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Cursor)
	assert.Equal(t, "live-access-token", calls[0].AccessToken)
}

func TestSync_CursorInvalidRunsExactlyOneResync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	h.adapter.queue(nil, fmt.Errorf("%w: 410 gone", provider.ErrCursorInvalid))
	h.adapter.queue(&provider.Changes{
		Next:     provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
		FullSync: true,
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, result.Resynced)

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Cursor)
	assert.Equal(t, "tok2", stored.Cursor.Value)

	calls := h.adapter.fetchCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "tok1", calls[0].Cursor.Value)
	assert.Nil(t, calls[1].Cursor, "resync starts from no cursor")

	entries, err := h.log.List(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, resyncDetails, entries[0].Details)
	assert.Equal(t, synclog.StatusSuccess, entries[0].Status)
}

func TestSync_SecondCursorInvalidIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	h.adapter.queue(nil, provider.ErrCursorInvalid)
	h.adapter.queue(nil, provider.ErrCursorInvalid)
	h.adapter.queue(&provider.Changes{Next: provider.Cursor{Kind: provider.CursorSyncToken, Value: "never"}}, nil)

	_, err := h.engine.Sync(ctx, conn.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrCursorInvalid)
	assert.Len(t, h.adapter.fetchCalls(), 2)

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Cursor)
	assert.Equal(t, "cursor_invalid", stored.LastError)
}

func TestSync_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, nil)

	next := provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok1"}
	h.adapter.queue(&provider.Changes{Events: []provider.ExternalEvent{confirmed("e1"), confirmed("e2")}, Next: next, FullSync: true}, nil)
	h.adapter.queue(&provider.Changes{Next: next}, nil)

	_, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	before, err := h.events.List(ctx, conn.ID)
	require.NoError(t, err)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, result.Created+result.Updated+result.Deleted)

	after, err := h.events.List(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, next, *stored.Cursor)
}

func TestSync_CancelledEventRemovesMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	require.NoError(t, h.events.Upsert(ctx, &store.SyncEvent{ConnectionID: conn.ID, ExternalEventID: "e5", AppointmentID: "appt-5"}))
	h.adapter.queue(&provider.Changes{
		Events: []provider.ExternalEvent{cancelled("e5"), cancelled("never-seen")},
		Next:   provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	row, err := h.events.Get(ctx, conn.ID, "e5")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Equal(t, 1, h.appts.deletes["e5"])
	assert.Zero(t, h.appts.deletes["never-seen"], "unknown cancellations are a no-op")

	entries, err := h.log.List(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, synclog.ActionDelete, entries[0].Action)
	assert.Equal(t, "e5", entries[0].ExternalEventID)
}

func TestSync_PartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaterializeExternal: true})
	conn := h.connection(t, syncToken("tok1"))

	h.appts.fail["e2"] = errors.New("appointment service rejected event")
	h.adapter.queue(&provider.Changes{
		Events: []provider.ExternalEvent{confirmed("e1"), confirmed("e2"), confirmed("e3"), confirmed("e4")},
		Next:   provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 1, result.Failed)

	rows, err := h.events.List(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.NotEqual(t, "e2", row.ExternalEventID)
		assert.Equal(t, "appt-"+row.ExternalEventID, row.AppointmentID)
	}

	entries, err := h.log.List(ctx, conn.ID, 20)
	require.NoError(t, err)
	var failures []synclog.Entry
	for _, e := range entries {
		if e.Status == synclog.StatusError {
			failures = append(failures, e)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "e2", failures[0].ExternalEventID)
	assert.Contains(t, failures[0].Error, "rejected")

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok2", stored.Cursor.Value, "cursor advances despite a failed event")
}

func TestSync_LinkedEventUpdatesAppointment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	old := time.Now().Add(-24 * time.Hour).UTC()
	require.NoError(t, h.events.Upsert(ctx, &store.SyncEvent{ConnectionID: conn.ID, ExternalEventID: "e1", AppointmentID: "appt-e1", LastSyncedAt: old}))
	require.NoError(t, h.events.Upsert(ctx, &store.SyncEvent{ConnectionID: conn.ID, ExternalEventID: "e2", LastSyncedAt: old}))
	h.adapter.queue(&provider.Changes{
		Events: []provider.ExternalEvent{confirmed("e1"), confirmed("e2")},
		Next:   provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, h.appts.upserts["e1"])
	assert.Zero(t, h.appts.upserts["e2"])

	for _, id := range []string{"e1", "e2"} {
		row, err := h.events.Get(ctx, conn.ID, id)
		require.NoError(t, err)
		assert.True(t, row.LastSyncedAt.After(old))
	}
}

func TestSync_ResyncPrunesUnlinkedUnseenRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	for _, row := range []*store.SyncEvent{
		{ConnectionID: conn.ID, ExternalEventID: "gone"},
		{ConnectionID: conn.ID, ExternalEventID: "still-there"},
		{ConnectionID: conn.ID, ExternalEventID: "linked", AppointmentID: "appt-1"},
	} {
		require.NoError(t, h.events.Upsert(ctx, row))
	}

	h.adapter.queue(nil, provider.ErrCursorInvalid)
	h.adapter.queue(&provider.Changes{
		Events:   []provider.ExternalEvent{confirmed("still-there")},
		Next:     provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
		FullSync: true,
	}, nil)

	result, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)

	rows, err := h.events.List(ctx, conn.ID)
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ExternalEventID)
	}
	assert.Equal(t, []string{"linked", "still-there"}, ids)
}

func TestSync_SkipsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))

	h.adapter.fetchSignal = make(chan struct{})
	h.adapter.fetchDelay = 200 * time.Millisecond
	h.adapter.queue(&provider.Changes{Next: provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"}}, nil)

	started := h.adapter.fetchSignal
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx, conn.ID)
		done <- err
	}()

	<-started
	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	require.NoError(t, <-done)
	assert.Len(t, h.adapter.fetchCalls(), 1)
}

func TestSync_DisabledConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, nil)
	require.NoError(t, h.engine.SetSyncEnabled(ctx, conn.ID, false))

	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrSyncDisabled)
	assert.Empty(t, h.adapter.fetchCalls())
	assert.Zero(t, h.tokens.calls)

	_, err = h.engine.Sync(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrConnectionNotFound)
}

func TestSync_RateLimitedRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within attempts", func(t *testing.T) {
		h := newHarness(t, Options{RateLimitAttempts: 3})
		conn := h.connection(t, syncToken("tok1"))
		h.adapter.queue(nil, provider.ErrRateLimited)
		h.adapter.queue(nil, provider.ErrRateLimited)
		h.adapter.queue(&provider.Changes{Next: provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"}}, nil)

		_, err := h.engine.Sync(ctx, conn.ID)
		require.NoError(t, err)
		assert.Len(t, h.adapter.fetchCalls(), 3)
	})

	t.Run("defers after attempts run out", func(t *testing.T) {
		h := newHarness(t, Options{RateLimitAttempts: 2})
		conn := h.connection(t, syncToken("tok1"))
		for i := 0; i < 3; i++ {
			h.adapter.queue(nil, provider.ErrRateLimited)
		}

		_, err := h.engine.Sync(ctx, conn.ID)
		assert.ErrorIs(t, err, provider.ErrRateLimited)
		assert.Len(t, h.adapter.fetchCalls(), 2)

		stored, err := h.conns.Get(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "tok1", stored.Cursor.Value)
		assert.Equal(t, "rate_limited", stored.LastError)
	})
}

func TestSync_TokenFailureStopsBeforeFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))
	h.tokens.err = fmt.Errorf("%w: invalid_grant", security.ErrTokenInvalid)

	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, security.ErrTokenInvalid)
	assert.Empty(t, h.adapter.fetchCalls())

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "token_invalid", stored.LastError)
}

func TestSync_UnauthorizedFetchForcesOneRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))
	h.adapter.queue(nil, fmt.Errorf("google fetch changed events: %w", provider.ErrUnauthorized))
	h.adapter.queue(&provider.Changes{
		Events: []provider.ExternalEvent{confirmed("e1")},
		Next:   provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"},
	}, nil)

	res, err := h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, h.tokens.forceCalls)

	calls := h.adapter.fetchCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "live-access-token", calls[0].AccessToken)
	assert.Equal(t, "refreshed-access-token", calls[1].AccessToken)
	assert.Equal(t, syncToken("tok1"), calls[1].Cursor, "a refresh keeps the cursor")

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, syncToken("tok2"), stored.Cursor)
	assert.Empty(t, stored.LastError)
}

func TestSync_UnauthorizedAfterRefreshIsNotRetriedAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))
	h.adapter.queue(nil, provider.ErrUnauthorized)
	h.adapter.queue(nil, provider.ErrUnauthorized)

	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, provider.ErrUnauthorized)
	assert.Equal(t, 1, h.tokens.forceCalls)
	assert.Len(t, h.adapter.fetchCalls(), 2)

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "unauthorized", stored.LastError)
	assert.Equal(t, syncToken("tok1"), stored.Cursor)
}

func TestSync_UnauthorizedWithRejectedRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	conn := h.connection(t, syncToken("tok1"))
	h.adapter.queue(nil, provider.ErrUnauthorized)
	h.tokens.forceErr = fmt.Errorf("%w: invalid_grant", security.ErrTokenInvalid)

	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, security.ErrTokenInvalid)
	assert.Len(t, h.adapter.fetchCalls(), 1)

	stored, err := h.conns.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "token_invalid", stored.LastError)
}

func TestSync_PassTimeoutBoundsStalledProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{CallTimeout: 50 * time.Millisecond, PassTimeout: time.Second})
	conn := h.connection(t, syncToken("tok1"))
	h.adapter.fetchDelay = time.Hour
	h.adapter.queue(&provider.Changes{}, nil)

	start := time.Now()
	_, err := h.engine.Sync(ctx, conn.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// the lock is released, so the next pass is not blocked
	h.adapter.fetchDelay = 0
	h.adapter.queue(&provider.Changes{Next: provider.Cursor{Kind: provider.CursorSyncToken, Value: "tok2"}}, nil)
	_, err = h.engine.Sync(ctx, conn.ID)
	require.NoError(t, err)
}
