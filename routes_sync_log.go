package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"calsync/synclog"
)

type syncLogReader interface {
	List(ctx context.Context, connectionID string, limit int64) ([]synclog.Entry, error)
	Tail(ctx context.Context, connectionID, afterID string) ([]synclog.Entry, string, error)
	LastID(ctx context.Context, connectionID string) (string, error)
}

type syncLogHandler struct {
	log    syncLogReader
	logger *zap.Logger
}

func registerSyncLogRoutes(r *mux.Router, log syncLogReader, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &syncLogHandler{log: log, logger: logger.Named("synclog")}
	r.HandleFunc("/calendar/connections/{id}/log", h.handleList).Methods("GET")
	r.HandleFunc("/calendar/connections/{id}/log/ws", h.handleWebSocket).Methods("GET")
}

func (h *syncLogHandler) handleList(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := int64(100)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := h.log.List(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to read sync log", zap.String("connection_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to read sync log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

var logUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// output-only feed
		return true
	},
}

// handleWebSocket streams new sync log entries. "after" resumes from a stream id;
// without it only entries written after the connection opens are sent.
func (h *syncLogHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))
	if lastID == "" || lastID == "$" {
		// Pin the start once; re-reading with "$" drops entries written between reads.
		resolved, err := h.log.LastID(r.Context(), id)
		if err != nil {
			h.logger.Error("failed to resolve sync log position", zap.String("connection_id", id), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "failed to read sync log")
			return
		}
		lastID = resolved
	}

	conn, err := logUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The reader notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		entries, nextID, err := h.log.Tail(ctx, id, lastID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("sync log tail error", zap.String("connection_id", id), zap.Error(err))
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		lastID = nextID
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
