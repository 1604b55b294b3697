package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider identifies a third-party calendar service.
type Provider string

const (
	Google    Provider = "google"
	Microsoft Provider = "microsoft"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	return p == Google || p == Microsoft
}

// CursorKind is the only cursor family p may ever store.
func (p Provider) CursorKind() CursorKind {
	if p == Microsoft {
		return CursorDeltaLink
	}
	return CursorSyncToken
}

// ParseProvider converts a path or config value into a Provider.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unsupported calendar provider %q", raw)
	}
	return p, nil
}

// CursorKind tells which family of incremental-sync token a cursor belongs to.
type CursorKind string

const (
	CursorSyncToken CursorKind = "sync_token"
	CursorDeltaLink CursorKind = "delta_link"
)

// Cursor is an opaque provider-issued position in the change stream, tagged
// with the kind of token it is so it can never be replayed against the wrong provider.
type Cursor struct {
	Kind  CursorKind `json:"kind"`
	Value string     `json:"value"`
}

// Calendar is one calendar visible to the connected account.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// PickCalendar returns the provider's primary calendar, or the first one when none is flagged.
func PickCalendar(calendars []Calendar) (Calendar, bool) {
	if len(calendars) == 0 {
		return Calendar{}, false
	}
	for _, c := range calendars {
		if c.Primary {
			return c, true
		}
	}
	return calendars[0], true
}

// EventStatus is the normalized lifecycle state of an external event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// EventTime is a point in time plus the zone the provider reported it in.
type EventTime struct {
	Time     time.Time `json:"time"`
	TimeZone string    `json:"time_zone,omitempty"`
	AllDay   bool      `json:"all_day,omitempty"`
}

type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Response string `json:"response,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// ExternalEvent is the provider-neutral event shape every adapter reads and writes.
type ExternalEvent struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Location    string      `json:"location,omitempty"`
	Start       EventTime   `json:"start"`
	End         EventTime   `json:"end"`
	Attendees   []Attendee  `json:"attendees,omitempty"`
	Status      EventStatus `json:"status"`
	Created     time.Time   `json:"created,omitempty"`
	Updated     time.Time   `json:"updated,omitempty"`
}

// Binding carries what an adapter needs to act on behalf of one connection.
// AccessToken is plaintext and must never be logged.
type Binding struct {
	AccessToken            string
	CalendarID             string
	Cursor                 *Cursor
	SubscriptionID         string
	SubscriptionResourceID string
}

// Changes is the result of one incremental fetch.
type Changes struct {
	Events []ExternalEvent
	Next   Cursor
	// FullSync is set when the adapter performed a bounded initial listing.
	FullSync bool
}

type Subscription struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

type ListOptions struct {
	TimeMin    *time.Time
	TimeMax    *time.Time
	MaxResults int
}

const (
	DefaultMaxResults = 250
	InitialLookback   = 30 * 24 * time.Hour
	InitialLookahead  = 90 * 24 * time.Hour
)

// Adapter is the single contract both providers satisfy. Callers never branch on
// provider identity; they pick an Adapter once from the Registry.
type Adapter interface {
	Provider() Provider
	CursorKind() CursorKind

	ListCalendars(ctx context.Context, b Binding) ([]Calendar, error)
	GetEvent(ctx context.Context, b Binding, eventID string) (*ExternalEvent, error)
	CreateEvent(ctx context.Context, b Binding, event ExternalEvent) (*ExternalEvent, error)
	UpdateEvent(ctx context.Context, b Binding, eventID string, event ExternalEvent) (*ExternalEvent, error)
	// DeleteEvent treats an already-absent event as success.
	DeleteEvent(ctx context.Context, b Binding, eventID string) error
	ListEvents(ctx context.Context, b Binding, opts ListOptions) ([]ExternalEvent, error)

	// IncrementalChanges returns everything changed since b.Cursor. A nil cursor
	// triggers a bounded initial sync. A cursor the provider rejects yields ErrCursorInvalid.
	IncrementalChanges(ctx context.Context, b Binding) (*Changes, error)

	CreateSubscription(ctx context.Context, b Binding) (*Subscription, error)
	RenewSubscription(ctx context.Context, b Binding) (*Subscription, error)
	StopSubscription(ctx context.Context, b Binding) error
}

var (
	ErrCursorInvalid = errors.New("provider: sync cursor invalid")
	ErrRateLimited   = errors.New("provider: rate limited")
	ErrUnavailable   = errors.New("provider: unavailable")
	ErrNotFound      = errors.New("provider: not found")
	ErrUnauthorized  = errors.New("provider: unauthorized")
)

// classifyStatus maps an HTTP status from a provider API onto the shared error taxonomy.
// It returns nil for statuses that do not have a dedicated sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	case code >= 500:
		return ErrUnavailable
	}
	return nil
}

// Registry resolves the adapter for a connection's stored provider.
type Registry struct {
	adapters map[Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return a, nil
}

// Providers lists the providers with a registered adapter.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for _, p := range []Provider{Google, Microsoft} {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
