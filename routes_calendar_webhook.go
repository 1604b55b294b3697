package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"calsync/store"
	"calsync/taskqueue"
)

const maxNotificationBody = 1 << 20

type webhookLookup interface {
	GetByWebhookID(ctx context.Context, subscriptionID string) (*store.Connection, error)
}

// CalendarWebhookHandler accepts provider push notifications. A notification is
// only ever a trigger to re-pull; its payload is never applied.
type CalendarWebhookHandler struct {
	conns   webhookLookup
	trigger taskqueue.Trigger
	// secret is the Google channel token and the Microsoft clientState.
	secret string
	logger *zap.Logger
}

func NewCalendarWebhookHandler(conns webhookLookup, trigger taskqueue.Trigger, secret string, logger *zap.Logger) *CalendarWebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarWebhookHandler{conns: conns, trigger: trigger, secret: secret, logger: logger.Named("webhook")}
}

func (h *CalendarWebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/calendar/webhook/google", h.handleGoogle).Methods("POST")
	r.HandleFunc("/calendar/webhook/microsoft", h.handleMicrosoft).Methods("POST")
}

func (h *CalendarWebhookHandler) secretMatches(got string) bool {
	if h.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

// handleGoogle handles Calendar API channel notifications, which carry everything
// in X-Goog-* headers.
func (h *CalendarWebhookHandler) handleGoogle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceID := r.Header.Get("X-Goog-Resource-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	if channelID == "" || resourceState == "" {
		http.Error(w, "Missing required Google headers", http.StatusBadRequest)
		return
	}

	// Google sends a sync message when the channel opens.
	if resourceState == "sync" {
		h.logger.Debug("google channel handshake", zap.String("channel_id", channelID))
		w.WriteHeader(http.StatusOK)
		return
	}

	log := h.logger.With(zap.String("channel_id", channelID), zap.String("resource_state", resourceState))
	if !h.secretMatches(r.Header.Get("X-Goog-Channel-Token")) {
		log.Warn("discarding notification with bad channel token")
		notFound(w)
		return
	}

	conn, err := h.conns.GetByWebhookID(r.Context(), channelID)
	if errors.Is(err, store.ErrConnectionNotFound) {
		log.Info("discarding notification for unknown channel")
		notFound(w)
		return
	}
	if err != nil {
		log.Error("failed to resolve channel", zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	if conn.WebhookResourceID != "" && resourceID != "" && conn.WebhookResourceID != resourceID {
		log.Warn("discarding notification with mismatched resource id")
		notFound(w)
		return
	}

	if !h.accept(r.Context(), w, conn) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

// handleMicrosoft handles Graph change notifications, including the
// validationToken handshake sent when a subscription is created.
func (h *CalendarWebhookHandler) handleMicrosoft(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	var batch graphNotificationBatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBody)).Decode(&batch); err != nil {
		http.Error(w, "invalid notification body", http.StatusBadRequest)
		return
	}

	// one trigger per connection per batch
	seen := make(map[string]struct{})
	var accepted []*store.Connection
	for _, n := range batch.Value {
		log := h.logger.With(zap.String("subscription_id", n.SubscriptionID))
		if !h.secretMatches(n.ClientState) {
			log.Warn("discarding notification with bad clientState")
			continue
		}
		conn, err := h.conns.GetByWebhookID(r.Context(), n.SubscriptionID)
		if errors.Is(err, store.ErrConnectionNotFound) {
			log.Info("discarding notification for unknown subscription")
			continue
		}
		if err != nil {
			log.Error("failed to resolve subscription", zap.Error(err))
			http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
			return
		}
		if _, dup := seen[conn.ID]; dup {
			continue
		}
		seen[conn.ID] = struct{}{}
		accepted = append(accepted, conn)
	}

	if len(accepted) == 0 {
		notFound(w)
		return
	}
	for _, conn := range accepted {
		if !h.accept(r.Context(), w, conn) {
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// accept hands the connection to the trigger. It writes a 500 and returns false
// when the trigger could not take it, so the provider redelivers.
func (h *CalendarWebhookHandler) accept(ctx context.Context, w http.ResponseWriter, conn *store.Connection) bool {
	log := h.logger.With(zap.String("connection_id", conn.ID), zap.String("provider", string(conn.Provider)))
	if !conn.SyncEnabled {
		log.Debug("notification for disabled connection ignored")
		return true
	}
	if err := h.trigger.Trigger(ctx, conn.ID); err != nil {
		log.Error("failed to trigger sync from notification", zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return false
	}
	log.Debug("sync triggered by notification")
	return true
}

// notFound is the same response for every kind of unmatched notification.
func notFound(w http.ResponseWriter) {
	http.Error(w, "not found", http.StatusNotFound)
}
