package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Google asks for at most 7 days; it may grant less.
const googleChannelTTL = 7 * 24 * time.Hour

// GoogleAdapter implements Adapter against Google Calendar v3.
type GoogleAdapter struct {
	webhookURL   string
	channelToken string
	endpoint     string
	logger       *zap.Logger
}

type GoogleOption func(*GoogleAdapter)

// WithGoogleEndpoint points the adapter at a non-default API base URL.
func WithGoogleEndpoint(endpoint string) GoogleOption {
	return func(a *GoogleAdapter) { a.endpoint = endpoint }
}

// NewGoogleAdapter creates the Google adapter. webhookURL is where push channels
// deliver; channelToken is echoed back by Google in X-Goog-Channel-Token.
func NewGoogleAdapter(webhookURL, channelToken string, logger *zap.Logger, opts ...GoogleOption) *GoogleAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &GoogleAdapter{
		webhookURL:   webhookURL,
		channelToken: channelToken,
		logger:       logger.Named("google"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *GoogleAdapter) Provider() Provider     { return Google }
func (a *GoogleAdapter) CursorKind() CursorKind { return CursorSyncToken }

func (a *GoogleAdapter) service(ctx context.Context, b Binding) (*calendar.Service, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: b.AccessToken, TokenType: "Bearer"}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

func (a *GoogleAdapter) ListCalendars(ctx context.Context, b Binding) ([]Calendar, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}

	var (
		out       []Calendar
		pageToken string
	)
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, googleErr("list calendars", err)
		}
		for _, item := range resp.Items {
			out = append(out, Calendar{ID: item.Id, Name: item.Summary, Primary: item.Primary})
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, nil
}

func (a *GoogleAdapter) GetEvent(ctx context.Context, b Binding, eventID string) (*ExternalEvent, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}
	ev, err := svc.Events.Get(b.CalendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, googleErr("get event", err)
	}
	out := fromGoogleEvent(ev)
	return &out, nil
}

func (a *GoogleAdapter) CreateEvent(ctx context.Context, b Binding, event ExternalEvent) (*ExternalEvent, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}
	ev, err := svc.Events.Insert(b.CalendarID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, googleErr("create event", err)
	}
	out := fromGoogleEvent(ev)
	return &out, nil
}

func (a *GoogleAdapter) UpdateEvent(ctx context.Context, b Binding, eventID string, event ExternalEvent) (*ExternalEvent, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}
	ev, err := svc.Events.Update(b.CalendarID, eventID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, googleErr("update event", err)
	}
	out := fromGoogleEvent(ev)
	return &out, nil
}

func (a *GoogleAdapter) DeleteEvent(ctx context.Context, b Binding, eventID string) error {
	svc, err := a.service(ctx, b)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(b.CalendarID, eventID).Context(ctx).Do(); err != nil {
		mapped := googleErr("delete event", err)
		if errors.Is(mapped, ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

func (a *GoogleAdapter) ListEvents(ctx context.Context, b Binding, opts ListOptions) ([]ExternalEvent, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}
	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	var (
		out       []ExternalEvent
		pageToken string
	)
	for len(out) < limit {
		call := svc.Events.List(b.CalendarID).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(int64(limit - len(out)))
		if opts.TimeMin != nil {
			call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
		}
		if opts.TimeMax != nil {
			call = call.TimeMax(opts.TimeMax.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, googleErr("list events", err)
		}
		for _, item := range resp.Items {
			out = append(out, fromGoogleEvent(item))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(out) > limit {
		out = out[:limit]
	}
	sortByStart(out)
	return out, nil
}

func (a *GoogleAdapter) IncrementalChanges(ctx context.Context, b Binding) (*Changes, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}

	full := b.Cursor == nil || b.Cursor.Value == ""
	if !full && b.Cursor.Kind != CursorSyncToken {
		return nil, fmt.Errorf("%w: google cannot use a %s cursor", ErrCursorInvalid, b.Cursor.Kind)
	}

	var (
		events    []ExternalEvent
		pageToken string
		nextToken string
	)
	now := time.Now()
	for {
		call := svc.Events.List(b.CalendarID).
			ShowDeleted(true).
			SingleEvents(true)
		if full {
			call = call.
				TimeMin(now.Add(-InitialLookback).Format(time.RFC3339)).
				TimeMax(now.Add(InitialLookahead).Format(time.RFC3339))
		} else {
			call = call.SyncToken(b.Cursor.Value)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			var apiErr *googleapi.Error
			if !full && errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
				return nil, fmt.Errorf("%w: %v", ErrCursorInvalid, err)
			}
			return nil, googleErr("fetch changed events", err)
		}

		for _, item := range resp.Items {
			events = append(events, fromGoogleEvent(item))
		}
		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}
		nextToken = resp.NextSyncToken
		break
	}

	if nextToken == "" {
		return nil, fmt.Errorf("calendar API did not return nextSyncToken")
	}
	return &Changes{
		Events:   events,
		Next:     Cursor{Kind: CursorSyncToken, Value: nextToken},
		FullSync: full,
	}, nil
}

func (a *GoogleAdapter) CreateSubscription(ctx context.Context, b Binding) (*Subscription, error) {
	svc, err := a.service(ctx, b)
	if err != nil {
		return nil, err
	}
	channel := &calendar.Channel{
		Id:         uuid.New().String(),
		Type:       "web_hook",
		Address:    a.webhookURL,
		Token:      a.channelToken,
		Expiration: time.Now().Add(googleChannelTTL).UnixMilli(),
	}
	resp, err := svc.Events.Watch(b.CalendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, googleErr("watch events", err)
	}
	a.logger.Info("registered calendar push channel",
		zap.String("channel_id", resp.Id), zap.String("resource_id", resp.ResourceId))
	return &Subscription{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// RenewSubscription opens a fresh channel and stops the old one; Google channels
// cannot be extended in place.
func (a *GoogleAdapter) RenewSubscription(ctx context.Context, b Binding) (*Subscription, error) {
	sub, err := a.CreateSubscription(ctx, b)
	if err != nil {
		return nil, err
	}
	if b.SubscriptionID != "" {
		if err := a.StopSubscription(ctx, b); err != nil {
			a.logger.Warn("failed to stop replaced push channel",
				zap.String("channel_id", b.SubscriptionID), zap.Error(err))
		}
	}
	return sub, nil
}

func (a *GoogleAdapter) StopSubscription(ctx context.Context, b Binding) error {
	if b.SubscriptionID == "" {
		return nil
	}
	svc, err := a.service(ctx, b)
	if err != nil {
		return err
	}
	channel := &calendar.Channel{Id: b.SubscriptionID, ResourceId: b.SubscriptionResourceID}
	if err := svc.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		mapped := googleErr("stop channel", err)
		if errors.Is(mapped, ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

func googleErr(op string, err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("google %s: %w", op, err)
	}
	if apiErr.Code == http.StatusForbidden {
		for _, item := range apiErr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return fmt.Errorf("google %s: %w: %w", op, ErrRateLimited, err)
			}
		}
		return fmt.Errorf("google %s: %w: %w", op, ErrUnauthorized, err)
	}
	if sentinel := classifyStatus(apiErr.Code); sentinel != nil {
		return fmt.Errorf("google %s: %w: %w", op, sentinel, err)
	}
	return fmt.Errorf("google %s: %w", op, err)
}

func fromGoogleEvent(ev *calendar.Event) ExternalEvent {
	out := ExternalEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       fromGoogleTime(ev.Start),
		End:         fromGoogleTime(ev.End),
		Status:      normalizeGoogleStatus(ev.Status),
	}
	if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
		out.Created = t
	}
	if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
		out.Updated = t
	}
	for _, att := range ev.Attendees {
		if att == nil {
			continue
		}
		out.Attendees = append(out.Attendees, Attendee{
			Email:    att.Email,
			Name:     att.DisplayName,
			Response: att.ResponseStatus,
			Optional: att.Optional,
		})
	}
	return out
}

func normalizeGoogleStatus(status string) EventStatus {
	switch status {
	case "cancelled":
		return StatusCancelled
	case "tentative":
		return StatusTentative
	default:
		return StatusConfirmed
	}
}

func fromGoogleTime(dt *calendar.EventDateTime) EventTime {
	if dt == nil {
		return EventTime{}
	}
	loc := time.UTC
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return EventTime{Time: t, TimeZone: dt.TimeZone}
		}
	}
	if dt.Date != "" {
		if t, err := time.ParseInLocation("2006-01-02", dt.Date, loc); err == nil {
			return EventTime{Time: t, TimeZone: dt.TimeZone, AllDay: true}
		}
	}
	return EventTime{TimeZone: dt.TimeZone}
}

func toGoogleTime(et EventTime) *calendar.EventDateTime {
	if et.AllDay {
		return &calendar.EventDateTime{Date: et.Time.Format("2006-01-02"), TimeZone: et.TimeZone}
	}
	return &calendar.EventDateTime{DateTime: et.Time.Format(time.RFC3339), TimeZone: et.TimeZone}
}

func toGoogleEvent(ev ExternalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toGoogleTime(ev.Start),
		End:         toGoogleTime(ev.End),
	}
	if ev.Status != "" {
		out.Status = string(ev.Status)
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:       att.Email,
			DisplayName: att.Name,
			Optional:    att.Optional,
		})
	}
	return out
}

func sortByStart(events []ExternalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Time.Before(events[j].Start.Time)
	})
}
