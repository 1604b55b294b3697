package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"calsync/provider"
	"calsync/store"
	"calsync/syncengine"
)

type staticConnections []*store.Connection

func (s staticConnections) List(ctx context.Context) ([]*store.Connection, error) {
	return s, nil
}

type sweepSyncer struct {
	mu       sync.Mutex
	errs     map[string]error
	calls    []string
	inFlight int32
	peak     int32
}

func (s *sweepSyncer) Sync(ctx context.Context, id string) (*syncengine.Result, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if err := s.errs[id]; err != nil {
		return nil, err
	}
	return &syncengine.Result{ConnectionID: id}, nil
}

func TestSyncSweeper_RunOnce(t *testing.T) {
	conns := staticConnections{
		{ID: "a", SyncEnabled: true},
		{ID: "b", SyncEnabled: true},
		{ID: "c", SyncEnabled: false},
		{ID: "d", SyncEnabled: true},
		{ID: "e", SyncEnabled: true},
		{ID: "f", SyncEnabled: true},
	}
	syncer := &sweepSyncer{errs: map[string]error{
		"b": provider.ErrUnavailable,
		"d": syncengine.ErrSyncInProgress,
		"e": provider.ErrRateLimited,
	}}

	sweeper := NewSyncSweeper(conns, syncer, time.Minute, 2, true, nil)
	ran, err := sweeper.RunOnce(context.Background())

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, errors.Is(err, provider.ErrUnavailable))
	assert.True(t, errors.Is(err, provider.ErrRateLimited))
	assert.Equal(t, 4, ran, "in-progress skips are not counted")
	assert.ElementsMatch(t, []string{"a", "b", "d", "e", "f"}, syncer.calls)
	assert.LessOrEqual(t, atomic.LoadInt32(&syncer.peak), int32(2))
}

type countingRenewer struct {
	mu        sync.Mutex
	calls     int
	threshold time.Duration
	done      chan struct{}
}

func (c *countingRenewer) RenewExpiring(ctx context.Context, threshold time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.threshold = threshold
	if c.calls == 1 {
		close(c.done)
	}
	return 1, nil
}

func TestWebhookRenewer_RunsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	renewer := &countingRenewer{done: make(chan struct{})}

	NewWebhookRenewer(renewer, time.Hour, 6*time.Hour, true, nil).Start(ctx)

	select {
	case <-renewer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("renewer did not run on start")
	}
	renewer.mu.Lock()
	defer renewer.mu.Unlock()
	assert.Equal(t, 6*time.Hour, renewer.threshold)
}

func TestWebhookRenewer_Disabled(t *testing.T) {
	renewer := &countingRenewer{done: make(chan struct{})}
	NewWebhookRenewer(renewer, time.Millisecond, time.Hour, false, nil).Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	renewer.mu.Lock()
	defer renewer.mu.Unlock()
	assert.Zero(t, renewer.calls)
}
