// Package taskqueue turns webhook notifications and manual requests into sync
// passes, either in process or through a durable asynq queue.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"calsync/store"
	"calsync/syncengine"
)

const (
	TypeCalendarSync = "calendar:sync"

	// Notifications for the same connection inside this window collapse into one task.
	uniqueWindow = 30 * time.Second
	taskTimeout  = 3 * time.Minute
	maxRetry     = 5
)

// Syncer runs one pass for a connection.
type Syncer interface {
	Sync(ctx context.Context, connectionID string) (*syncengine.Result, error)
}

// Trigger schedules a pass without waiting for it.
type Trigger interface {
	Trigger(ctx context.Context, connectionID string) error
}

type syncPayload struct {
	ConnectionID string `json:"connection_id"`
}

// NewSyncTask builds the task for one connection.
func NewSyncTask(connectionID string) (*asynq.Task, error) {
	data, err := json.Marshal(syncPayload{ConnectionID: connectionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync payload: %w", err)
	}
	return asynq.NewTask(TypeCalendarSync, data), nil
}

// Inline runs passes on goroutines owned by the process. Overlapping triggers
// for one connection are absorbed by the engine's pass lock.
type Inline struct {
	syncer Syncer
	base   context.Context
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewInline ties every pass to base, so cancelling base stops them.
func NewInline(base context.Context, syncer Syncer, logger *zap.Logger) *Inline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inline{syncer: syncer, base: base, logger: logger.Named("taskqueue")}
}

func (t *Inline) Trigger(_ context.Context, connectionID string) error {
	if err := t.base.Err(); err != nil {
		return err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runPass(t.base, t.syncer, connectionID, t.logger)
	}()
	return nil
}

// Wait blocks until every triggered pass has returned.
func (t *Inline) Wait() { t.wg.Wait() }

// runPass executes a pass and reports whether a retry could help.
func runPass(ctx context.Context, syncer Syncer, connectionID string, logger *zap.Logger) (retryable bool, err error) {
	log := logger.With(zap.String("connection_id", connectionID))
	result, err := syncer.Sync(ctx, connectionID)
	switch {
	case err == nil:
		log.Debug("triggered sync finished",
			zap.Int("fetched", result.Fetched), zap.Int("failed", result.Failed))
		return false, nil
	case errors.Is(err, syncengine.ErrSyncInProgress):
		log.Debug("sync already running; trigger absorbed")
		return false, err
	case errors.Is(err, syncengine.ErrSyncDisabled), errors.Is(err, store.ErrConnectionNotFound):
		log.Info("skipping sync", zap.Error(err))
		return false, err
	default:
		log.Warn("triggered sync failed", zap.Error(err))
		return true, err
	}
}

// Enqueuer is the slice of *asynq.Client the trigger needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqTrigger enqueues durable sync tasks.
type AsynqTrigger struct {
	client Enqueuer
	queue  string
	logger *zap.Logger
}

func NewAsynqTrigger(client Enqueuer, queue string, logger *zap.Logger) *AsynqTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == "" {
		queue = "default"
	}
	return &AsynqTrigger{client: client, queue: queue, logger: logger.Named("taskqueue")}
}

// Trigger enqueues a pass. A task already pending for the connection means the
// notification is covered, so duplicates are accepted.
func (t *AsynqTrigger) Trigger(ctx context.Context, connectionID string) error {
	task, err := NewSyncTask(connectionID)
	if err != nil {
		return err
	}
	info, err := t.client.EnqueueContext(ctx, task,
		asynq.Queue(t.queue),
		asynq.Unique(uniqueWindow),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		t.logger.Debug("sync already queued", zap.String("connection_id", connectionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue sync task: %w", err)
	}
	t.logger.Debug("queued sync", zap.String("connection_id", connectionID), zap.String("task_id", info.ID))
	return nil
}

// Handler executes queued sync tasks.
type Handler struct {
	syncer Syncer
	logger *zap.Logger
}

func NewHandler(syncer Syncer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{syncer: syncer, logger: logger.Named("taskqueue")}
}

// ProcessTask runs the pass. Outcomes a retry cannot change are wrapped in
// asynq.SkipRetry.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	if task.Type() != TypeCalendarSync {
		return fmt.Errorf("unknown task type %q: %w", task.Type(), asynq.SkipRetry)
	}
	var payload syncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal sync payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ConnectionID == "" {
		return fmt.Errorf("sync payload without connection id: %w", asynq.SkipRetry)
	}

	retryable, err := runPass(ctx, h.syncer, payload.ConnectionID, h.logger)
	if err == nil {
		return nil
	}
	if !retryable {
		if errors.Is(err, syncengine.ErrSyncInProgress) {
			// the running pass picks up the same changes
			return nil
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Mux routes task types to the handler.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeCalendarSync, h)
	return mux
}

// NewServer builds an asynq worker pool with capped exponential retry delays.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	log := logger.Named("taskqueue")
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(1<<uint(n)) * time.Second
			if delay > 5*time.Minute {
				delay = 5 * time.Minute
			}
			log.Warn("sync task failed; retry scheduled",
				zap.Int("attempt", n), zap.Duration("delay", delay), zap.Error(err))
			return delay
		},
		Logger:   zapAsynqLogger{log.Sugar()},
		LogLevel: asynq.WarnLevel,
	})
}

// zapAsynqLogger adapts zap to asynq.Logger.
type zapAsynqLogger struct {
	s *zap.SugaredLogger
}

func (l zapAsynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapAsynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapAsynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapAsynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapAsynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
