package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"calsync/store"
)

// RenewSubscription extends (or recreates) the push subscription of one
// connection. A connection deleted before or during renewal is not an error.
func (e *Engine) RenewSubscription(ctx context.Context, connID string) error {
	conn, err := e.conns.Get(ctx, connID)
	if errors.Is(err, store.ErrConnectionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !conn.SyncEnabled {
		return nil
	}
	log := e.logger.With(zap.String("connection_id", conn.ID), zap.String("provider", string(conn.Provider)))

	adapter, err := e.registry.Get(conn.Provider)
	if err != nil {
		return err
	}
	access, err := e.tokens.AccessToken(ctx, conn)
	if errors.Is(err, store.ErrConnectionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	sub, err := adapter.RenewSubscription(callCtx, conn.Binding(access))
	cancel()
	if err != nil {
		return err
	}

	if err := e.conns.UpdateSubscription(ctx, conn.ID, sub); err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			log.Info("connection deleted during renewal; dropping new subscription")
			orphan := *conn
			orphan.WebhookID, orphan.WebhookResourceID = sub.ID, sub.ResourceID
			_ = e.stopSubscription(ctx, &orphan, adapter, access)
			return nil
		}
		return err
	}
	log.Info("renewed webhook subscription",
		zap.String("webhook_id", sub.ID), zap.Time("expires_at", sub.Expiration))
	return nil
}

// RenewExpiring renews every enabled connection whose subscription is missing or
// expires within threshold. It returns how many were attempted and the combined
// failures.
func (e *Engine) RenewExpiring(ctx context.Context, threshold time.Duration) (int, error) {
	conns, err := e.conns.List(ctx)
	if err != nil {
		return 0, err
	}
	deadline := e.now().Add(threshold)

	var (
		attempted int
		errs      error
	)
	for _, conn := range conns {
		if !conn.SyncEnabled {
			continue
		}
		if conn.WebhookID != "" && conn.WebhookExpiry != nil && conn.WebhookExpiry.After(deadline) {
			continue
		}
		if ctx.Err() != nil {
			return attempted, multierr.Append(errs, ctx.Err())
		}
		attempted++
		if err := e.RenewSubscription(ctx, conn.ID); err != nil {
			e.logger.Warn("failed to renew webhook subscription",
				zap.String("connection_id", conn.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return attempted, errs
}
