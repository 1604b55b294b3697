package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/store"
)

// Connect finishes an OAuth flow: it picks the account's primary calendar,
// creates or rebinds the user's single connection for p, and registers push
// notifications. tokens must already be encrypted.
func (e *Engine) Connect(ctx context.Context, userID string, p provider.Provider, tokens store.TokenUpdate) (*store.Connection, error) {
	adapter, err := e.registry.Get(p)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("user_id", userID), zap.String("provider", string(p)))

	pending := &store.Connection{
		UserID:       userID,
		Provider:     p,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenExpiry:  tokens.Expiry,
	}
	access, err := e.tokens.AccessToken(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	calendars, err := adapter.ListCalendars(callCtx, provider.Binding{AccessToken: access})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	cal, ok := provider.PickCalendar(calendars)
	if !ok {
		return nil, ErrNoCalendar
	}

	conn, err := e.conns.GetByUserProvider(ctx, userID, p)
	switch {
	case errors.Is(err, store.ErrConnectionNotFound):
		conn = &store.Connection{
			UserID:       userID,
			Provider:     p,
			CalendarID:   cal.ID,
			CalendarName: cal.Name,
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			TokenExpiry:  tokens.Expiry,
			Scope:        tokens.Scope,
			SyncEnabled:  true,
		}
		if err := e.conns.Create(ctx, conn); err != nil {
			return nil, err
		}
		log.Info("created calendar connection", zap.String("connection_id", conn.ID))
	case err != nil:
		return nil, err
	default:
		if conn, err = e.rebind(ctx, conn, adapter, access, cal, tokens); err != nil {
			return nil, err
		}
		log.Info("re-authorized calendar connection", zap.String("connection_id", conn.ID))
	}

	if conn.WebhookID == "" {
		e.subscribe(ctx, conn, adapter, access)
	}
	return e.conns.Get(ctx, conn.ID)
}

func (e *Engine) rebind(ctx context.Context, conn *store.Connection, adapter provider.Adapter, access string, cal provider.Calendar, tokens store.TokenUpdate) (*store.Connection, error) {
	if err := e.conns.UpdateTokens(ctx, conn.ID, tokens); err != nil {
		return nil, err
	}
	if conn.CalendarID != cal.ID {
		if conn.WebhookID != "" {
			e.stopSubscription(ctx, conn, adapter, access)
			if err := e.conns.UpdateSubscription(ctx, conn.ID, nil); err != nil {
				return nil, err
			}
		}
		if err := e.conns.UpdateCalendar(ctx, conn.ID, cal.ID, cal.Name); err != nil {
			return nil, err
		}
		if err := e.events.DeleteAll(ctx, conn.ID); err != nil {
			return nil, err
		}
	}
	if err := e.conns.SetSyncEnabled(ctx, conn.ID, true, ""); err != nil {
		return nil, err
	}
	return e.conns.Get(ctx, conn.ID)
}

// subscribe registers push notifications. Failure is logged only; the polling
// sweep and the renewer cover the gap.
func (e *Engine) subscribe(ctx context.Context, conn *store.Connection, adapter provider.Adapter, access string) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	sub, err := adapter.CreateSubscription(callCtx, conn.Binding(access))
	if err != nil {
		e.logger.Warn("failed to create webhook subscription",
			zap.String("connection_id", conn.ID), zap.Error(err))
		return
	}
	if err := e.conns.UpdateSubscription(ctx, conn.ID, sub); err != nil {
		e.logger.Warn("failed to store webhook subscription",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}
}

func (e *Engine) stopSubscription(ctx context.Context, conn *store.Connection, adapter provider.Adapter, access string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	err := adapter.StopSubscription(callCtx, conn.Binding(access))
	if err != nil {
		e.logger.Warn("failed to stop webhook subscription",
			zap.String("connection_id", conn.ID), zap.String("webhook_id", conn.WebhookID), zap.Error(err))
	}
	return err
}

// Disconnect hard-deletes a connection after a best-effort stop of its push
// subscription and revocation of its grant. Mapping rows and the sync log go too.
func (e *Engine) Disconnect(ctx context.Context, connID string) error {
	conn, err := e.conns.Get(ctx, connID)
	if err != nil {
		return err
	}
	log := e.logger.With(zap.String("connection_id", conn.ID), zap.String("provider", string(conn.Provider)))

	// Wait out a running pass. The lock must outlive the whole cleanup or a
	// pass starting mid-way could write mapping rows back after DeleteAll.
	lockTTL := e.opts.PassTimeout + e.opts.CallTimeout
	waitCtx, cancel := context.WithTimeout(ctx, lockTTL)
	lock, lockErr := e.locker.Acquire(waitCtx, syncLockKey(conn.ID), lockTTL)
	cancel()
	if lockErr == nil {
		defer lock.Release(context.WithoutCancel(ctx))
	} else {
		log.Warn("disconnecting without the sync lock", zap.Error(lockErr))
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(ctx, e.opts.PassTimeout)
	defer cancelCleanup()
	var bestEffort error
	if adapter, err := e.registry.Get(conn.Provider); err == nil && conn.WebhookID != "" {
		if access, err := e.tokens.AccessToken(cleanupCtx, conn); err == nil {
			bestEffort = multierr.Append(bestEffort, e.stopSubscription(cleanupCtx, conn, adapter, access))
		} else {
			bestEffort = multierr.Append(bestEffort, err)
		}
	}
	revokeCtx, cancelRevoke := context.WithTimeout(cleanupCtx, e.opts.CallTimeout)
	bestEffort = multierr.Append(bestEffort, e.tokens.Revoke(revokeCtx, conn))
	cancelRevoke()
	if bestEffort != nil {
		log.Warn("disconnect cleanup incomplete", zap.Error(bestEffort))
	}

	if err := e.events.DeleteAll(ctx, conn.ID); err != nil {
		return err
	}
	if err := e.log.Purge(ctx, conn.ID); err != nil {
		return err
	}
	if err := e.conns.Delete(ctx, conn.ID); err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		return err
	}
	log.Info("disconnected calendar")
	return nil
}

// SetSyncEnabled soft-disables or re-enables a connection. Mapping rows are kept.
func (e *Engine) SetSyncEnabled(ctx context.Context, connID string, enabled bool) error {
	reason := ""
	if !enabled {
		reason = "disabled_by_user"
	}
	return e.conns.SetSyncEnabled(ctx, connID, enabled, reason)
}
