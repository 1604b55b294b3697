package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type subscriptionRenewer interface {
	RenewExpiring(ctx context.Context, threshold time.Duration) (int, error)
}

// WebhookRenewer keeps push subscriptions alive by renewing those that expire
// within threshold, on its own schedule.
type WebhookRenewer struct {
	renewer   subscriptionRenewer
	interval  time.Duration
	threshold time.Duration
	enabled   bool
	logger    *zap.Logger
}

func NewWebhookRenewer(renewer subscriptionRenewer, interval, threshold time.Duration, enabled bool, logger *zap.Logger) *WebhookRenewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookRenewer{
		renewer:   renewer,
		interval:  interval,
		threshold: threshold,
		enabled:   enabled,
		logger:    logger.Named("renewer"),
	}
}

func (r *WebhookRenewer) Start(ctx context.Context) {
	if !r.enabled {
		r.logger.Info("calendar webhook renewal disabled")
		return
	}
	if r.renewer == nil {
		r.logger.Info("calendar webhook renewal disabled: no renewer")
		return
	}
	if r.interval <= 0 {
		r.interval = time.Hour
	}
	if r.threshold <= 0 {
		r.threshold = 12 * time.Hour
	}
	go r.loop(ctx)
}

func (r *WebhookRenewer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.scanAndRenew(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *WebhookRenewer) scanAndRenew(ctx context.Context) {
	attempted, err := r.renewer.RenewExpiring(ctx, r.threshold)
	if err != nil {
		r.logger.Warn("calendar webhook renewal scan error", zap.Int("attempted", attempted), zap.Error(err))
		return
	}
	if attempted > 0 {
		r.logger.Info("renewed calendar webhooks", zap.Int("count", attempted))
	}
}
