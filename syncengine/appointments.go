package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"calsync/provider"
)

// Appointments is the local appointment domain as seen by the engine. Both calls
// must be idempotent.
//
// The engine calls UpsertFromExternal only for external events that are already
// linked to a local appointment, unless Options.MaterializeExternal is set. Bare
// events created on the provider side otherwise only get a mapping row.
type Appointments interface {
	// UpsertFromExternal creates or updates the local appointment for ev and
	// returns its id.
	UpsertFromExternal(ctx context.Context, connectionID string, ev provider.ExternalEvent) (string, error)
	// DeleteByExternalID removes the local appointment, if any.
	DeleteByExternalID(ctx context.Context, connectionID, externalEventID string) error
}

// NoopAppointments is used when no appointment domain is attached.
type NoopAppointments struct{}

func (NoopAppointments) UpsertFromExternal(context.Context, string, provider.ExternalEvent) (string, error) {
	return "", nil
}

func (NoopAppointments) DeleteByExternalID(context.Context, string, string) error { return nil }

// CallbackAppointments forwards inbound changes to an HTTP endpoint owned by the
// appointment service.
type CallbackAppointments struct {
	baseURL string
	client  *http.Client
}

func NewCallbackAppointments(baseURL string, client *http.Client) *CallbackAppointments {
	if client == nil {
		client = &http.Client{}
	}
	return &CallbackAppointments{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type upsertRequest struct {
	ConnectionID string                 `json:"connection_id"`
	Event        provider.ExternalEvent `json:"event"`
}

type upsertResponse struct {
	AppointmentID string `json:"appointment_id"`
}

func (c *CallbackAppointments) UpsertFromExternal(ctx context.Context, connectionID string, ev provider.ExternalEvent) (string, error) {
	body, err := json.Marshal(upsertRequest{ConnectionID: connectionID, Event: ev})
	if err != nil {
		return "", fmt.Errorf("failed to encode appointment upsert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/external-events", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("appointment callback failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("appointment callback returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out upsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to decode appointment callback: %w", err)
	}
	return out.AppointmentID, nil
}

func (c *CallbackAppointments) DeleteByExternalID(ctx context.Context, connectionID, externalEventID string) error {
	endpoint := fmt.Sprintf("%s/external-events/%s/%s", c.baseURL, url.PathEscape(connectionID), url.PathEscape(externalEventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("appointment callback failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("appointment callback returned %d", resp.StatusCode)
	}
	return nil
}
