package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/store"
	"calsync/syncengine"
)

type connectionLister interface {
	Get(ctx context.Context, id string) (*store.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*store.Connection, error)
}

type connectionActions interface {
	Sync(ctx context.Context, connectionID string) (*syncengine.Result, error)
	SetSyncEnabled(ctx context.Context, connectionID string, enabled bool) error
	Disconnect(ctx context.Context, connectionID string) error
}

type connectionsHandler struct {
	conns   connectionLister
	actions connectionActions
	logger  *zap.Logger
}

// connectionView is the public shape of a connection. Credentials never leave
// the store.
type connectionView struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Provider      provider.Provider `json:"provider"`
	CalendarID    string            `json:"calendar_id"`
	CalendarName  string            `json:"calendar_name,omitempty"`
	SyncEnabled   bool              `json:"sync_enabled"`
	LastSyncAt    *time.Time        `json:"last_sync_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	WebhookActive bool              `json:"webhook_active"`
	WebhookExpiry *time.Time        `json:"webhook_expiry,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func viewOf(c *store.Connection) connectionView {
	return connectionView{
		ID:            c.ID,
		UserID:        c.UserID,
		Provider:      c.Provider,
		CalendarID:    c.CalendarID,
		CalendarName:  c.CalendarName,
		SyncEnabled:   c.SyncEnabled,
		LastSyncAt:    c.LastSyncAt,
		LastError:     c.LastError,
		WebhookActive: c.WebhookID != "",
		WebhookExpiry: c.WebhookExpiry,
		CreatedAt:     c.CreatedAt,
	}
}

func registerConnectionRoutes(r *mux.Router, conns connectionLister, actions connectionActions, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &connectionsHandler{conns: conns, actions: actions, logger: logger.Named("connections")}
	r.HandleFunc("/calendar/connections", h.handleList).Methods("GET")
	r.HandleFunc("/calendar/connections/{id}", h.handleGet).Methods("GET")
	r.HandleFunc("/calendar/connections/{id}", h.handleDelete).Methods("DELETE")
	r.HandleFunc("/calendar/connections/{id}/sync", h.handleSync).Methods("POST")
	r.HandleFunc("/calendar/connections/{id}/enable", h.handleToggle(true)).Methods("POST")
	r.HandleFunc("/calendar/connections/{id}/disable", h.handleToggle(false)).Methods("POST")
}

func (h *connectionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conns, err := h.conns.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list connections", zap.String("user_id", userID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

func (h *connectionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	conn, err := h.conns.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn))
}

func (h *connectionsHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := h.actions.Sync(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *connectionsHandler) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.actions.SetSyncEnabled(r.Context(), id, enabled); err != nil {
			h.writeErr(w, err)
			return
		}
		h.logger.Info("sync toggled", zap.String("connection_id", id), zap.Bool("enabled", enabled))
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "sync_enabled": enabled})
	}
}

func (h *connectionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.actions.Disconnect(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *connectionsHandler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConnectionNotFound):
		writeJSONError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, syncengine.ErrSyncInProgress):
		writeJSONError(w, http.StatusConflict, "sync already in progress")
	case errors.Is(err, syncengine.ErrSyncDisabled):
		writeJSONError(w, http.StatusConflict, "sync disabled for connection")
	case errors.Is(err, provider.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, "provider rate limited; retry later")
	default:
		h.logger.Error("connection request failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "calendar provider request failed")
	}
}
