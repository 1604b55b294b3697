package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/security"
	"calsync/store"
	"calsync/syncengine"
	"calsync/taskqueue"
)

// oauthFlow is the part of the token manager the connect flow drives.
type oauthFlow interface {
	BeginAuth(ctx context.Context, p provider.Provider, userID string) (string, string, error)
	ResolveState(ctx context.Context, state string) (string, provider.Provider, error)
	ExchangeCode(ctx context.Context, p provider.Provider, code string) (*security.Tokens, error)
}

type calendarConnector interface {
	Connect(ctx context.Context, userID string, p provider.Provider, tokens store.TokenUpdate) (*store.Connection, error)
}

// Codes appended to the settings redirect as calendar_error.
const (
	callbackAccessDenied   = "access_denied"
	callbackInvalidState   = "invalid_state"
	callbackExchangeFailed = "exchange_failed"
	callbackNoCalendar     = "no_calendar"
	callbackConnectFailed  = "connect_failed"
)

// CalendarAuthHandler runs the OAuth connect flow for both providers.
type CalendarAuthHandler struct {
	oauth       oauthFlow
	connector   calendarConnector
	trigger     taskqueue.Trigger
	settingsURL string
	logger      *zap.Logger
}

func NewCalendarAuthHandler(oauth oauthFlow, connector calendarConnector, trigger taskqueue.Trigger, settingsURL string, logger *zap.Logger) *CalendarAuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarAuthHandler{
		oauth:       oauth,
		connector:   connector,
		trigger:     trigger,
		settingsURL: settingsURL,
		logger:      logger.Named("auth"),
	}
}

func (h *CalendarAuthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/calendar/{provider}/connect", h.handleConnect).Methods("POST")
	r.HandleFunc("/calendar/{provider}/callback", h.handleCallback).Methods("GET")
}

type connectRequest struct {
	UserID string `json:"user_id"`
}

type connectResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

func (h *CalendarAuthHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	p, err := provider.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	authURL, state, err := h.oauth.BeginAuth(r.Context(), p, req.UserID)
	if err != nil {
		h.logger.Error("failed to start OAuth flow",
			zap.String("provider", string(p)), zap.String("user_id", req.UserID), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, string(p)+" OAuth not available")
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{AuthURL: authURL, State: state})
}

func (h *CalendarAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	p, err := provider.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	log := h.logger.With(zap.String("provider", string(p)))

	// The state is consumed even when the user declined, so it cannot be replayed.
	userID, stateProvider, stateErr := h.oauth.ResolveState(ctx, q.Get("state"))

	if oauthErr := q.Get("error"); oauthErr != "" {
		log.Info("user declined calendar access", zap.String("error", oauthErr))
		h.redirect(w, r, "calendar_error", callbackAccessDenied)
		return
	}
	if stateErr != nil || stateProvider != p {
		log.Warn("rejecting OAuth callback with invalid state", zap.Error(stateErr))
		h.redirect(w, r, "calendar_error", callbackInvalidState)
		return
	}
	log = log.With(zap.String("user_id", userID))

	code := q.Get("code")
	if code == "" {
		h.redirect(w, r, "calendar_error", callbackExchangeFailed)
		return
	}
	tokens, err := h.oauth.ExchangeCode(ctx, p, code)
	if err != nil {
		log.Warn("failed to exchange OAuth code", zap.Error(err))
		h.redirect(w, r, "calendar_error", callbackExchangeFailed)
		return
	}

	conn, err := h.connector.Connect(ctx, userID, p, store.TokenUpdate{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scope:        tokens.Scope,
	})
	if errors.Is(err, syncengine.ErrNoCalendar) {
		log.Warn("account has no calendars")
		h.redirect(w, r, "calendar_error", callbackNoCalendar)
		return
	}
	if err != nil {
		log.Error("failed to store calendar connection", zap.Error(err))
		h.redirect(w, r, "calendar_error", callbackConnectFailed)
		return
	}

	if err := h.trigger.Trigger(context.WithoutCancel(ctx), conn.ID); err != nil {
		log.Warn("failed to trigger initial sync", zap.String("connection_id", conn.ID), zap.Error(err))
	}
	log.Info("calendar connected", zap.String("connection_id", conn.ID))
	h.redirect(w, r, "calendar_connected", string(p))
}

func (h *CalendarAuthHandler) redirect(w http.ResponseWriter, r *http.Request, key, value string) {
	target, err := url.Parse(h.settingsURL)
	if err != nil || h.settingsURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{key: value})
		return
	}
	q := target.Query()
	q.Set(key, value)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
