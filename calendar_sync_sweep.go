package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"calsync/store"
	"calsync/syncengine"
	"calsync/taskqueue"
)

type connectionSource interface {
	List(ctx context.Context) ([]*store.Connection, error)
}

// SyncSweeper is the polling fallback: it periodically runs a pass for every
// enabled connection, a few at a time, so missed notifications still converge.
type SyncSweeper struct {
	conns       connectionSource
	syncer      taskqueue.Syncer
	interval    time.Duration
	concurrency int
	enabled     bool
	logger      *zap.Logger
}

func NewSyncSweeper(conns connectionSource, syncer taskqueue.Syncer, interval time.Duration, concurrency int, enabled bool, logger *zap.Logger) *SyncSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncSweeper{
		conns:       conns,
		syncer:      syncer,
		interval:    interval,
		concurrency: concurrency,
		enabled:     enabled,
		logger:      logger.Named("sweep"),
	}
}

func (s *SyncSweeper) Start(ctx context.Context) {
	if !s.enabled {
		s.logger.Info("calendar sync sweep disabled")
		return
	}
	if s.interval <= 0 {
		s.interval = 15 * time.Minute
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("calendar sync sweep finished with errors", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RunOnce syncs every enabled connection and returns how many passes ran. A
// failing connection does not stop the others; all failures are combined.
func (s *SyncSweeper) RunOnce(ctx context.Context) (int, error) {
	conns, err := s.conns.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu   sync.Mutex
		ran  int
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := s.concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, conn := range conns {
		if !conn.SyncEnabled {
			continue
		}
		id := conn.ID
		g.Go(func() error {
			_, err := s.syncer.Sync(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ran++
			case errors.Is(err, syncengine.ErrSyncInProgress),
				errors.Is(err, syncengine.ErrSyncDisabled),
				errors.Is(err, store.ErrConnectionNotFound):
				// another trigger owns it, or it changed since List
			default:
				ran++
				s.logger.Warn("sweep sync failed", zap.String("connection_id", id), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ran, errs
}
