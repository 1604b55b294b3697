package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/security"
	"calsync/store"
	"calsync/synclog"
)

var (
	// ErrSyncInProgress means another pass for the same connection holds the lock.
	ErrSyncInProgress = errors.New("syncengine: sync already in progress")
	ErrSyncDisabled   = errors.New("syncengine: sync disabled for connection")
	ErrNoCalendar     = errors.New("syncengine: provider returned no calendars")
)

const resyncDetails = "cursor invalidated; full resync"

// Options bounds the engine's network behavior.
type Options struct {
	// CallTimeout caps every single provider or collaborator call.
	CallTimeout time.Duration
	// PassTimeout caps a whole pass, and with it how long the pass lock is held.
	PassTimeout time.Duration
	// RateLimitAttempts is how many times a rate-limited fetch is tried.
	RateLimitAttempts int
	RetryInterval     time.Duration
	// MaterializeExternal makes bare external events create local appointments.
	MaterializeExternal bool
}

func DefaultOptions() Options {
	return Options{
		CallTimeout:       20 * time.Second,
		PassTimeout:       2 * time.Minute,
		RateLimitAttempts: 4,
		RetryInterval:     500 * time.Millisecond,
	}
}

// TokenSource hands out live access tokens for a connection.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *store.Connection) (string, error)
	// ForceRefresh replaces an access token the provider has rejected.
	ForceRefresh(ctx context.Context, conn *store.Connection) (string, error)
	Revoke(ctx context.Context, conn *store.Connection) error
}

// Engine runs incremental sync passes and the connection lifecycle around them.
type Engine struct {
	conns    *store.ConnectionStore
	events   *store.SyncEventStore
	locker   *store.Locker
	log      *synclog.Log
	tokens   TokenSource
	registry *provider.Registry
	appts    Appointments
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Connections  *store.ConnectionStore
	Events       *store.SyncEventStore
	Locker       *store.Locker
	Log          *synclog.Log
	Tokens       TokenSource
	Registry     *provider.Registry
	Appointments Appointments
}

func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = def.PassTimeout
	}
	if opts.RateLimitAttempts <= 0 {
		opts.RateLimitAttempts = def.RateLimitAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	appts := deps.Appointments
	if appts == nil {
		appts = NoopAppointments{}
	}
	return &Engine{
		conns:    deps.Connections,
		events:   deps.Events,
		locker:   deps.Locker,
		log:      deps.Log,
		tokens:   deps.Tokens,
		registry: deps.Registry,
		appts:    appts,
		opts:     opts,
		logger:   logger.Named("syncengine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes one pass.
type Result struct {
	ConnectionID string          `json:"connection_id"`
	Fetched      int             `json:"fetched"`
	Created      int             `json:"created"`
	Updated      int             `json:"updated"`
	Deleted      int             `json:"deleted"`
	Failed       int             `json:"failed"`
	Pruned       int             `json:"pruned"`
	FullSync     bool            `json:"full_sync"`
	Resynced     bool            `json:"resynced"`
	Cursor       provider.Cursor `json:"-"`
}

func syncLockKey(connID string) string { return "sync:" + connID }

// Sync runs one pass for a connection. A pass already running for the same
// connection makes this return ErrSyncInProgress immediately.
func (e *Engine) Sync(ctx context.Context, connID string) (*Result, error) {
	lock, err := e.locker.TryAcquire(ctx, syncLockKey(connID), e.opts.PassTimeout+e.opts.CallTimeout)
	if errors.Is(err, store.ErrLockHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	ctx, cancel := context.WithTimeout(ctx, e.opts.PassTimeout)
	defer cancel()

	conn, err := e.conns.Get(ctx, connID)
	if err != nil {
		return nil, err
	}
	if !conn.SyncEnabled {
		return nil, ErrSyncDisabled
	}
	log := e.logger.With(zap.String("connection_id", conn.ID), zap.String("provider", string(conn.Provider)))

	adapter, err := e.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	token, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		e.recordError(ctx, conn.ID, err)
		return nil, fmt.Errorf("access token: %w", err)
	}

	binding := conn.Binding(token)
	changes, err := e.fetch(ctx, adapter, binding)
	if errors.Is(err, provider.ErrUnauthorized) {
		log.Warn("provider rejected access token; forcing one refresh")
		token, err = e.tokens.ForceRefresh(ctx, conn)
		if err != nil {
			e.recordError(ctx, conn.ID, err)
			return nil, fmt.Errorf("access token: %w", err)
		}
		binding.AccessToken = token
		changes, err = e.fetch(ctx, adapter, binding)
	}
	resynced := false
	if errors.Is(err, provider.ErrCursorInvalid) && binding.Cursor != nil {
		log.Warn("sync cursor rejected; running full resync")
		if err := e.conns.UpdateCursor(ctx, conn.ID, nil); err != nil {
			return nil, err
		}
		e.appendLog(ctx, synclog.Entry{
			ConnectionID: conn.ID,
			Action:       synclog.ActionUpdate,
			Direction:    synclog.FromExternal,
			Status:       synclog.StatusSuccess,
			Details:      resyncDetails,
		})
		binding.Cursor = nil
		resynced = true
		changes, err = e.fetch(ctx, adapter, binding)
	}
	if err != nil {
		e.recordError(ctx, conn.ID, err)
		return nil, fmt.Errorf("fetch changes: %w", err)
	}

	result := &Result{
		ConnectionID: conn.ID,
		Fetched:      len(changes.Events),
		FullSync:     changes.FullSync || binding.Cursor == nil,
		Resynced:     resynced,
		Cursor:       changes.Next,
	}

	seen := make(map[string]struct{}, len(changes.Events))
	for _, ev := range changes.Events {
		seen[ev.ID] = struct{}{}
		if err := e.reconcile(ctx, conn, ev, result); err != nil {
			result.Failed++
			log.Warn("failed to reconcile event", zap.String("external_event_id", ev.ID), zap.Error(err))
			e.appendLog(ctx, synclog.Entry{
				ConnectionID:    conn.ID,
				Action:          actionFor(ev),
				Direction:       synclog.FromExternal,
				Status:          synclog.StatusError,
				Error:           err.Error(),
				ExternalEventID: ev.ID,
			})
		}
	}

	if resynced {
		pruned, err := e.pruneUnseen(ctx, conn.ID, seen)
		if err != nil {
			log.Warn("failed to prune mapping rows after resync", zap.Error(err))
		}
		result.Pruned = pruned
	}

	next := changes.Next
	if err := e.conns.UpdateSyncState(ctx, conn.ID, &next, e.now(), ""); err != nil {
		return nil, fmt.Errorf("persist cursor: %w", err)
	}

	log.Info("sync pass complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
		zap.Bool("resynced", resynced))
	return result, nil
}

// fetch calls IncrementalChanges, retrying with backoff while rate limited.
func (e *Engine) fetch(ctx context.Context, adapter provider.Adapter, b provider.Binding) (*provider.Changes, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.RetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.RateLimitAttempts-1)), ctx)

	return backoff.RetryWithData(func() (*provider.Changes, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
		changes, err := adapter.IncrementalChanges(callCtx, b)
		if err != nil && !errors.Is(err, provider.ErrRateLimited) {
			return nil, backoff.Permanent(err)
		}
		return changes, err
	}, retry)
}

func actionFor(ev provider.ExternalEvent) synclog.Action {
	if ev.Status == provider.StatusCancelled {
		return synclog.ActionDelete
	}
	return synclog.ActionUpdate
}

// reconcile applies one external change to the mapping table and, where the
// policy allows, to the appointment domain.
func (e *Engine) reconcile(ctx context.Context, conn *store.Connection, ev provider.ExternalEvent, result *Result) error {
	row, err := e.events.Get(ctx, conn.ID, ev.ID)
	if err != nil {
		return err
	}

	if ev.Status == provider.StatusCancelled {
		if row == nil {
			return nil
		}
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		err := e.appts.DeleteByExternalID(callCtx, conn.ID, ev.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("delete appointment: %w", err)
		}
		if err := e.events.Delete(ctx, conn.ID, ev.ID); err != nil {
			return err
		}
		result.Deleted++
		e.appendLog(ctx, synclog.Entry{
			ConnectionID:    conn.ID,
			Action:          synclog.ActionDelete,
			Direction:       synclog.FromExternal,
			Status:          synclog.StatusSuccess,
			ExternalEventID: ev.ID,
		})
		return nil
	}

	now := e.now()
	if row == nil {
		row = &store.SyncEvent{
			ConnectionID:    conn.ID,
			ExternalEventID: ev.ID,
			Status:          store.SyncStatusSynced,
			LastSyncedAt:    now,
		}
		if e.opts.MaterializeExternal {
			appointmentID, err := e.upsertAppointment(ctx, conn.ID, ev)
			if err != nil {
				return err
			}
			row.AppointmentID = appointmentID
		}
		if err := e.events.Upsert(ctx, row); err != nil {
			return err
		}
		result.Created++
		if row.Linked() {
			e.appendLog(ctx, synclog.Entry{
				ConnectionID:    conn.ID,
				Action:          synclog.ActionCreate,
				Direction:       synclog.FromExternal,
				Status:          synclog.StatusSuccess,
				ExternalEventID: ev.ID,
			})
		}
		return nil
	}

	if row.Linked() {
		appointmentID, err := e.upsertAppointment(ctx, conn.ID, ev)
		if err != nil {
			return err
		}
		if appointmentID != "" {
			row.AppointmentID = appointmentID
		}
		e.appendLog(ctx, synclog.Entry{
			ConnectionID:    conn.ID,
			Action:          synclog.ActionUpdate,
			Direction:       synclog.FromExternal,
			Status:          synclog.StatusSuccess,
			ExternalEventID: ev.ID,
		})
	}
	row.Status = store.SyncStatusSynced
	row.LastSyncedAt = now
	row.LastError = ""
	if err := e.events.Upsert(ctx, row); err != nil {
		return err
	}
	result.Updated++
	return nil
}

func (e *Engine) upsertAppointment(ctx context.Context, connID string, ev provider.ExternalEvent) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	id, err := e.appts.UpsertFromExternal(callCtx, connID, ev)
	if err != nil {
		return "", fmt.Errorf("upsert appointment: %w", err)
	}
	return id, nil
}

// pruneUnseen drops unlinked mapping rows the full resync did not return. They
// were learned through the rejected cursor and nothing local depends on them.
func (e *Engine) pruneUnseen(ctx context.Context, connID string, seen map[string]struct{}) (int, error) {
	rows, err := e.events.List(ctx, connID)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, row := range rows {
		if _, ok := seen[row.ExternalEventID]; ok || row.Linked() {
			continue
		}
		if err := e.events.Delete(ctx, connID, row.ExternalEventID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (e *Engine) recordError(ctx context.Context, connID string, err error) {
	if rerr := e.conns.RecordError(context.WithoutCancel(ctx), connID, errorCode(err)); rerr != nil && !errors.Is(rerr, store.ErrConnectionNotFound) {
		e.logger.Warn("failed to record sync error", zap.String("connection_id", connID), zap.Error(rerr))
	}
}

// errorCode reduces an error to a stable code stored on the connection.
func errorCode(err error) string {
	switch {
	case errors.Is(err, security.ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, security.ErrCorruptCredential):
		return "credential_error"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, provider.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, provider.ErrCursorInvalid):
		return "cursor_invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "sync_failed"
	}
}

func (e *Engine) appendLog(ctx context.Context, entry synclog.Entry) {
	if _, err := e.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("failed to write sync log", zap.String("connection_id", entry.ConnectionID), zap.Error(err))
	}
}
