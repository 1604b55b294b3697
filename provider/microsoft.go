package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	msGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	outlookTimeFormat = "2006-01-02T15:04:05"
	// Graph caps calendar subscriptions at 4230 minutes.
	msSubscriptionTTL = 4200 * time.Minute
)

// MicrosoftAdapter implements Adapter for Outlook / Microsoft 365 over Graph.
type MicrosoftAdapter struct {
	baseURL     string
	webhookURL  string
	clientState string
	httpClient  *http.Client
	logger      *zap.Logger
}

type MicrosoftOption func(*MicrosoftAdapter)

// WithGraphBaseURL overrides the Graph API root.
func WithGraphBaseURL(base string) MicrosoftOption {
	return func(a *MicrosoftAdapter) { a.baseURL = strings.TrimRight(base, "/") }
}

func WithGraphHTTPClient(c *http.Client) MicrosoftOption {
	return func(a *MicrosoftAdapter) { a.httpClient = c }
}

// NewMicrosoftAdapter creates the Graph adapter. clientState is sent with every
// subscription and returned by Graph on each notification.
func NewMicrosoftAdapter(webhookURL, clientState string, logger *zap.Logger, opts ...MicrosoftOption) *MicrosoftAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &MicrosoftAdapter{
		baseURL:     msGraphBaseURL,
		webhookURL:  webhookURL,
		clientState: clientState,
		httpClient:  &http.Client{},
		logger:      logger.Named("microsoft"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *MicrosoftAdapter) Provider() Provider     { return Microsoft }
func (a *MicrosoftAdapter) CursorKind() CursorKind { return CursorDeltaLink }

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one Graph request. A non-2xx status is returned as an error carrying the
// matching sentinel; out may be nil.
func (a *MicrosoftAdapter) do(ctx context.Context, b Binding, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.AccessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var gerr graphError
		_ = json.Unmarshal(raw, &gerr)
		return &GraphStatusError{Status: resp.StatusCode, Code: gerr.Error.Code, Message: gerr.Error.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GraphStatusError is a non-2xx answer from Microsoft Graph.
type GraphStatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *GraphStatusError) Error() string {
	return fmt.Sprintf("graph status %d: %s %s", e.Status, e.Code, e.Message)
}

func (e *GraphStatusError) Unwrap() error {
	if e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return classifyStatus(e.Status)
}

func (a *MicrosoftAdapter) calendarPath(calendarID string) string {
	if calendarID == "" {
		return a.baseURL + "/me/calendar"
	}
	return a.baseURL + "/me/calendars/" + url.PathEscape(calendarID)
}

func (a *MicrosoftAdapter) ListCalendars(ctx context.Context, b Binding) ([]Calendar, error) {
	var out []Calendar
	next := a.baseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := a.do(ctx, b, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("microsoft list calendars: %w", err)
		}
		for _, c := range page.Value {
			out = append(out, Calendar{ID: c.ID, Name: c.Name, Primary: c.IsDefaultCalendar})
		}
		next = page.NextLink
	}
	return out, nil
}

func (a *MicrosoftAdapter) GetEvent(ctx context.Context, b Binding, eventID string) (*ExternalEvent, error) {
	var ev outlookEvent
	endpoint := a.calendarPath(b.CalendarID) + "/events/" + url.PathEscape(eventID)
	if err := a.do(ctx, b, http.MethodGet, endpoint, nil, &ev); err != nil {
		return nil, fmt.Errorf("microsoft get event: %w", err)
	}
	out := fromOutlookEvent(&ev)
	return &out, nil
}

func (a *MicrosoftAdapter) CreateEvent(ctx context.Context, b Binding, event ExternalEvent) (*ExternalEvent, error) {
	var ev outlookEvent
	endpoint := a.calendarPath(b.CalendarID) + "/events"
	if err := a.do(ctx, b, http.MethodPost, endpoint, toOutlookEvent(event), &ev); err != nil {
		return nil, fmt.Errorf("microsoft create event: %w", err)
	}
	out := fromOutlookEvent(&ev)
	return &out, nil
}

func (a *MicrosoftAdapter) UpdateEvent(ctx context.Context, b Binding, eventID string, event ExternalEvent) (*ExternalEvent, error) {
	var ev outlookEvent
	endpoint := a.calendarPath(b.CalendarID) + "/events/" + url.PathEscape(eventID)
	if err := a.do(ctx, b, http.MethodPatch, endpoint, toOutlookEvent(event), &ev); err != nil {
		return nil, fmt.Errorf("microsoft update event: %w", err)
	}
	out := fromOutlookEvent(&ev)
	return &out, nil
}

func (a *MicrosoftAdapter) DeleteEvent(ctx context.Context, b Binding, eventID string) error {
	endpoint := a.calendarPath(b.CalendarID) + "/events/" + url.PathEscape(eventID)
	err := a.do(ctx, b, http.MethodDelete, endpoint, nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("microsoft delete event: %w", err)
	}
	return nil
}

func (a *MicrosoftAdapter) ListEvents(ctx context.Context, b Binding, opts ListOptions) ([]ExternalEvent, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	now := time.Now().UTC()
	start, end := now.Add(-InitialLookback), now.Add(InitialLookahead)
	if opts.TimeMin != nil {
		start = opts.TimeMin.UTC()
	}
	if opts.TimeMax != nil {
		end = opts.TimeMax.UTC()
	}

	params := url.Values{}
	params.Set("startDateTime", start.Format(time.RFC3339))
	params.Set("endDateTime", end.Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", strconv.Itoa(limit))

	var out []ExternalEvent
	next := a.calendarPath(b.CalendarID) + "/calendarView?" + params.Encode()
	for next != "" && len(out) < limit {
		var page struct {
			Value    []outlookEvent `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		if err := a.do(ctx, b, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("microsoft list events: %w", err)
		}
		for i := range page.Value {
			out = append(out, fromOutlookEvent(&page.Value[i]))
		}
		next = page.NextLink
	}
	if len(out) > limit {
		out = out[:limit]
	}
	sortByStart(out)
	return out, nil
}

func (a *MicrosoftAdapter) IncrementalChanges(ctx context.Context, b Binding) (*Changes, error) {
	full := b.Cursor == nil || b.Cursor.Value == ""
	var next string
	if full {
		now := time.Now().UTC()
		params := url.Values{}
		params.Set("startDateTime", now.Add(-InitialLookback).Format(time.RFC3339))
		params.Set("endDateTime", now.Add(InitialLookahead).Format(time.RFC3339))
		next = a.calendarPath(b.CalendarID) + "/calendarView/delta?" + params.Encode()
	} else {
		if b.Cursor.Kind != CursorDeltaLink {
			return nil, fmt.Errorf("%w: microsoft cannot use a %s cursor", ErrCursorInvalid, b.Cursor.Kind)
		}
		next = b.Cursor.Value
	}

	var (
		events    []ExternalEvent
		deltaLink string
	)
	for next != "" {
		var page struct {
			Value     []outlookEvent `json:"value"`
			NextLink  string         `json:"@odata.nextLink"`
			DeltaLink string         `json:"@odata.deltaLink"`
		}
		if err := a.do(ctx, b, http.MethodGet, next, nil, &page); err != nil {
			var statusErr *GraphStatusError
			if !full && errors.As(err, &statusErr) && isResyncRequired(statusErr) {
				return nil, fmt.Errorf("%w: %v", ErrCursorInvalid, err)
			}
			return nil, fmt.Errorf("microsoft delta: %w", err)
		}
		for i := range page.Value {
			events = append(events, fromOutlookEvent(&page.Value[i]))
		}
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
		}
		next = page.NextLink
	}

	if deltaLink == "" {
		return nil, fmt.Errorf("graph delta did not return a deltaLink")
	}
	return &Changes{
		Events:   events,
		Next:     Cursor{Kind: CursorDeltaLink, Value: deltaLink},
		FullSync: full,
	}, nil
}

func isResyncRequired(e *GraphStatusError) bool {
	if e.Status == http.StatusGone {
		return true
	}
	switch e.Code {
	case "SyncStateNotFound", "SyncStateInvalid", "resyncRequired":
		return true
	}
	return false
}

type graphSubscription struct {
	ID                 string `json:"id"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func (s graphSubscription) toSubscription(resource string) *Subscription {
	exp, _ := time.Parse(time.RFC3339, s.ExpirationDateTime)
	return &Subscription{ID: s.ID, ResourceID: resource, Expiration: exp}
}

func (a *MicrosoftAdapter) CreateSubscription(ctx context.Context, b Binding) (*Subscription, error) {
	resource := "/me/events"
	if b.CalendarID != "" {
		resource = "/me/calendars/" + b.CalendarID + "/events"
	}
	body := map[string]any{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    a.webhookURL,
		"resource":           resource,
		"expirationDateTime": time.Now().Add(msSubscriptionTTL).UTC().Format(time.RFC3339),
		"clientState":        a.clientState,
	}
	var result graphSubscription
	if err := a.do(ctx, b, http.MethodPost, a.baseURL+"/subscriptions", body, &result); err != nil {
		return nil, fmt.Errorf("microsoft create subscription: %w", err)
	}
	a.logger.Info("created graph subscription", zap.String("subscription_id", result.ID))
	return result.toSubscription(resource), nil
}

// RenewSubscription extends the subscription in place, falling back to a new one
// when Graph has already dropped it.
func (a *MicrosoftAdapter) RenewSubscription(ctx context.Context, b Binding) (*Subscription, error) {
	if b.SubscriptionID == "" {
		return a.CreateSubscription(ctx, b)
	}
	body := map[string]string{
		"expirationDateTime": time.Now().Add(msSubscriptionTTL).UTC().Format(time.RFC3339),
	}
	var result graphSubscription
	err := a.do(ctx, b, http.MethodPatch, a.baseURL+"/subscriptions/"+url.PathEscape(b.SubscriptionID), body, &result)
	if errors.Is(err, ErrNotFound) {
		return a.CreateSubscription(ctx, b)
	}
	if err != nil {
		return nil, fmt.Errorf("microsoft renew subscription: %w", err)
	}
	return result.toSubscription(b.SubscriptionResourceID), nil
}

func (a *MicrosoftAdapter) StopSubscription(ctx context.Context, b Binding) error {
	if b.SubscriptionID == "" {
		return nil
	}
	err := a.do(ctx, b, http.MethodDelete, a.baseURL+"/subscriptions/"+url.PathEscape(b.SubscriptionID), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("microsoft delete subscription: %w", err)
	}
	return nil
}

type outlookDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type outlookEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Start    outlookDateTime `json:"start"`
	End      outlookDateTime `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	IsAllDay    bool   `json:"isAllDay"`
	IsCancelled bool   `json:"isCancelled"`
	ShowAs      string `json:"showAs"`
	Attendees   []struct {
		Type   string `json:"type"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	Removed              *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

func fromOutlookTime(dt outlookDateTime, allDay bool) EventTime {
	if dt.DateTime == "" {
		return EventTime{TimeZone: dt.TimeZone}
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(outlookTimeFormat, dt.DateTime, loc)
	if err != nil {
		return EventTime{TimeZone: dt.TimeZone}
	}
	return EventTime{Time: t, TimeZone: dt.TimeZone, AllDay: allDay}
}

func fromOutlookEvent(ev *outlookEvent) ExternalEvent {
	out := ExternalEvent{
		ID:          ev.ID,
		Title:       ev.Subject,
		Description: ev.Body.Content,
		Location:    ev.Location.DisplayName,
		Start:       fromOutlookTime(ev.Start, ev.IsAllDay),
		End:         fromOutlookTime(ev.End, ev.IsAllDay),
		Status:      StatusConfirmed,
	}
	switch {
	case ev.Removed != nil || ev.IsCancelled:
		out.Status = StatusCancelled
	case ev.ShowAs == "tentative":
		out.Status = StatusTentative
	}
	if t, err := time.Parse(time.RFC3339, ev.CreatedDateTime); err == nil {
		out.Created = t
	}
	if t, err := time.Parse(time.RFC3339, ev.LastModifiedDateTime); err == nil {
		out.Updated = t
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, Attendee{
			Email:    att.EmailAddress.Address,
			Name:     att.EmailAddress.Name,
			Response: att.Status.Response,
			Optional: att.Type == "optional",
		})
	}
	return out
}

func toOutlookEvent(ev ExternalEvent) map[string]any {
	// Graph reads dateTime as wall clock in timeZone.
	tz, loc := "UTC", time.UTC
	if ev.Start.TimeZone != "" && ev.Start.TimeZone != "UTC" {
		if l, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
			tz, loc = ev.Start.TimeZone, l
		}
	}
	start, end := ev.Start.Time.In(loc), ev.End.Time.In(loc)

	result := map[string]any{
		"subject": ev.Title,
		"body": map[string]string{
			"contentType": "HTML",
			"content":     ev.Description,
		},
		"start":    map[string]string{"dateTime": start.Format(outlookTimeFormat), "timeZone": tz},
		"end":      map[string]string{"dateTime": end.Format(outlookTimeFormat), "timeZone": tz},
		"isAllDay": ev.Start.AllDay,
	}
	if ev.Location != "" {
		result["location"] = map[string]string{"displayName": ev.Location}
	}
	if ev.Status == StatusTentative {
		result["showAs"] = "tentative"
	}
	if len(ev.Attendees) > 0 {
		attendees := make([]map[string]any, len(ev.Attendees))
		for i, att := range ev.Attendees {
			kind := "required"
			if att.Optional {
				kind = "optional"
			}
			attendees[i] = map[string]any{
				"type":         kind,
				"emailAddress": map[string]string{"address": att.Email, "name": att.Name},
			}
		}
		result["attendees"] = attendees
	}
	return result
}

var (
	_ Adapter = (*MicrosoftAdapter)(nil)
	_ Adapter = (*GoogleAdapter)(nil)
)
