package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"calsync/provider"
	"calsync/store"
	"calsync/synclog"
)

type fakeResponse struct {
	changes *provider.Changes
	err     error
}

// fakeAdapter scripts IncrementalChanges responses and records every call.
type fakeAdapter struct {
	mu        sync.Mutex
	p         provider.Provider
	responses []fakeResponse
	bindings  []provider.Binding
	calendars []provider.Calendar

	subSeq      int
	stopped     []string
	onRenew     func()
	renewErr    error
	createErr   error
	created     []provider.ExternalEvent
	updated     map[string]provider.ExternalEvent
	deleted     []string
	updateErr   error
	fetchDelay  time.Duration
	fetchSignal chan struct{}
}

func newFakeAdapter(p provider.Provider) *fakeAdapter {
	return &fakeAdapter{
		p:         p,
		calendars: []provider.Calendar{{ID: "work", Name: "Work"}, {ID: "primary-cal", Name: "Main", Primary: true}},
		updated:   make(map[string]provider.ExternalEvent),
	}
}

func (f *fakeAdapter) queue(changes *provider.Changes, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{changes: changes, err: err})
}

func (f *fakeAdapter) fetchCalls() []provider.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Binding(nil), f.bindings...)
}

func (f *fakeAdapter) Provider() provider.Provider     { return f.p }
func (f *fakeAdapter) CursorKind() provider.CursorKind { return f.p.CursorKind() }

func (f *fakeAdapter) ListCalendars(ctx context.Context, b provider.Binding) ([]provider.Calendar, error) {
	return f.calendars, nil
}

func (f *fakeAdapter) GetEvent(ctx context.Context, b provider.Binding, id string) (*provider.ExternalEvent, error) {
	return nil, provider.ErrNotFound
}

func (f *fakeAdapter) CreateEvent(ctx context.Context, b provider.Binding, ev provider.ExternalEvent) (*provider.ExternalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	ev.ID = fmt.Sprintf("ext-%d", len(f.created)+1)
	f.created = append(f.created, ev)
	return &ev, nil
}

func (f *fakeAdapter) UpdateEvent(ctx context.Context, b provider.Binding, id string, ev provider.ExternalEvent) (*provider.ExternalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	ev.ID = id
	f.updated[id] = ev
	return &ev, nil
}

func (f *fakeAdapter) DeleteEvent(ctx context.Context, b provider.Binding, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAdapter) ListEvents(ctx context.Context, b provider.Binding, opts provider.ListOptions) ([]provider.ExternalEvent, error) {
	return nil, nil
}

func (f *fakeAdapter) IncrementalChanges(ctx context.Context, b provider.Binding) (*provider.Changes, error) {
	f.mu.Lock()
	f.bindings = append(f.bindings, b)
	signal, delay := f.fetchSignal, f.fetchDelay
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return nil, errors.New("unexpected IncrementalChanges call")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()

	if signal != nil {
		close(signal)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.changes, resp.err
}

func (f *fakeAdapter) CreateSubscription(ctx context.Context, b provider.Binding) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSeq++
	return &provider.Subscription{
		ID:         fmt.Sprintf("sub-%d", f.subSeq),
		ResourceID: "res",
		Expiration: time.Now().Add(72 * time.Hour),
	}, nil
}

func (f *fakeAdapter) RenewSubscription(ctx context.Context, b provider.Binding) (*provider.Subscription, error) {
	if f.onRenew != nil {
		f.onRenew()
	}
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	return f.CreateSubscription(ctx, b)
}

func (f *fakeAdapter) StopSubscription(ctx context.Context, b provider.Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, b.SubscriptionID)
	return nil
}

type fakeTokens struct {
	mu         sync.Mutex
	err        error
	forceErr   error
	revokeErr  error
	calls      int
	forceCalls int
	revoked    []string
	onRevoke   func()
}

func (f *fakeTokens) AccessToken(ctx context.Context, conn *store.Connection) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "live-access-token", nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, conn *store.Connection) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCalls++
	if f.forceErr != nil {
		return "", f.forceErr
	}
	return "refreshed-access-token", nil
}

func (f *fakeTokens) Revoke(ctx context.Context, conn *store.Connection) error {
	if f.onRevoke != nil {
		f.onRevoke()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, conn.ID)
	return f.revokeErr
}

type fakeAppointments struct {
	mu      sync.Mutex
	fail    map[string]error
	upserts map[string]int
	deletes map[string]int
}

func newFakeAppointments() *fakeAppointments {
	return &fakeAppointments{fail: map[string]error{}, upserts: map[string]int{}, deletes: map[string]int{}}
}

func (f *fakeAppointments) UpsertFromExternal(ctx context.Context, connectionID string, ev provider.ExternalEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[ev.ID]; err != nil {
		return "", err
	}
	f.upserts[ev.ID]++
	return "appt-" + ev.ID, nil
}

func (f *fakeAppointments) DeleteByExternalID(ctx context.Context, connectionID, externalEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[externalEventID]; err != nil {
		return err
	}
	f.deletes[externalEventID]++
	return nil
}

type harness struct {
	mr      *miniredis.Miniredis
	engine  *Engine
	conns   *store.ConnectionStore
	events  *store.SyncEventStore
	locker  *store.Locker
	log     *synclog.Log
	adapter *fakeAdapter
	tokens  *fakeTokens
	appts   *fakeAppointments
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		mr:      mr,
		conns:   store.NewConnectionStore(client),
		events:  store.NewSyncEventStore(client),
		locker:  store.NewLocker(client),
		log:     synclog.New(client),
		adapter: newFakeAdapter(provider.Google),
		tokens:  &fakeTokens{},
		appts:   newFakeAppointments(),
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	h.engine = New(Deps{
		Connections:  h.conns,
		Events:       h.events,
		Locker:       h.locker,
		Log:          h.log,
		Tokens:       h.tokens,
		Registry:     provider.NewRegistry(h.adapter),
		Appointments: h.appts,
	}, opts, zap.NewNop())
	return h
}

func (h *harness) connection(t *testing.T, cursor *provider.Cursor) *store.Connection {
	t.Helper()
	conn := &store.Connection{
		UserID:       "user-1",
		Provider:     provider.Google,
		CalendarID:   "primary",
		AccessToken:  "v1:enc",
		RefreshToken: "v1:enc-refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
		Cursor:       cursor,
		SyncEnabled:  true,
	}
	require.NoError(t, h.conns.Create(context.Background(), conn))
	return conn
}

func syncToken(v string) *provider.Cursor {
	return &provider.Cursor{Kind: provider.CursorSyncToken, Value: v}
}

func confirmed(id string) provider.ExternalEvent {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return provider.ExternalEvent{
		ID:     id,
		Title:  "Event " + id,
		Start:  provider.EventTime{Time: start},
		End:    provider.EventTime{Time: start.Add(time.Hour)},
		Status: provider.StatusConfirmed,
	}
}

func cancelled(id string) provider.ExternalEvent {
	ev := confirmed(id)
	ev.Status = provider.StatusCancelled
	return ev
}

func (h *harness) appendEntry(t *testing.T, connID string) {
	t.Helper()
	_, err := h.log.Append(context.Background(), synclog.Entry{
		ConnectionID: connID,
		Action:       synclog.ActionCreate,
		Direction:    synclog.FromExternal,
		Status:       synclog.StatusSuccess,
	})
	require.NoError(t, err)
}
