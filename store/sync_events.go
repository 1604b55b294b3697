package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// SyncEvent maps one external event id to what the engine knows about it.
// AppointmentID is empty for external events that were never materialized locally.
type SyncEvent struct {
	ID              string     `json:"id"`
	ConnectionID    string     `json:"connection_id"`
	ExternalEventID string     `json:"external_event_id"`
	AppointmentID   string     `json:"appointment_id,omitempty"`
	Status          SyncStatus `json:"status"`
	LastSyncedAt    time.Time  `json:"last_synced_at"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Linked reports whether the row points at a local appointment.
func (e *SyncEvent) Linked() bool { return e.AppointmentID != "" }

// SyncEventStore keeps mapping rows in one hash per connection keyed by external
// event id, which makes (connection, external id) unique by construction.
type SyncEventStore struct {
	client *redis.Client
}

func NewSyncEventStore(client *redis.Client) *SyncEventStore {
	return &SyncEventStore{client: client}
}

func eventsKey(connectionID string) string {
	return fmt.Sprintf("calendar:conn:%s:events", connectionID)
}

func appointmentsKey(connectionID string) string {
	return fmt.Sprintf("calendar:conn:%s:appointments", connectionID)
}

// Get returns the mapping row or nil when the event is unknown.
func (s *SyncEventStore) Get(ctx context.Context, connectionID, externalID string) (*SyncEvent, error) {
	raw, err := s.client.HGet(ctx, eventsKey(connectionID), externalID).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load sync event: %w", err)
	}
	var ev SyncEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode sync event: %w", err)
	}
	return &ev, nil
}

// GetByAppointment returns the row linked to a local appointment, or nil.
func (s *SyncEventStore) GetByAppointment(ctx context.Context, connectionID, appointmentID string) (*SyncEvent, error) {
	externalID, err := s.client.HGet(ctx, appointmentsKey(connectionID), appointmentID).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve appointment: %w", err)
	}
	return s.Get(ctx, connectionID, externalID)
}

// Upsert writes the row, filling in identity and timestamps on first insert.
func (s *SyncEventStore) Upsert(ctx context.Context, ev *SyncEvent) error {
	if ev.ConnectionID == "" || ev.ExternalEventID == "" {
		return fmt.Errorf("sync event requires connection and external event ids")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = SyncStatusSynced
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode sync event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, eventsKey(ev.ConnectionID), ev.ExternalEventID, payload)
		if ev.AppointmentID != "" {
			pipe.HSet(ctx, appointmentsKey(ev.ConnectionID), ev.AppointmentID, ev.ExternalEventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store sync event: %w", err)
	}
	return nil
}

// Delete removes the row. Removing an unknown row is not an error.
func (s *SyncEventStore) Delete(ctx context.Context, connectionID, externalID string) error {
	existing, err := s.Get(ctx, connectionID, externalID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, eventsKey(connectionID), externalID)
		if existing.AppointmentID != "" {
			pipe.HDel(ctx, appointmentsKey(connectionID), existing.AppointmentID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete sync event: %w", err)
	}
	return nil
}

// List returns all rows for a connection ordered by external id.
func (s *SyncEventStore) List(ctx context.Context, connectionID string) ([]*SyncEvent, error) {
	values, err := s.client.HGetAll(ctx, eventsKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sync events: %w", err)
	}
	out := make([]*SyncEvent, 0, len(values))
	for _, raw := range values {
		var ev SyncEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode sync event: %w", err)
		}
		out = append(out, &ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalEventID < out[j].ExternalEventID })
	return out, nil
}

func (s *SyncEventStore) DeleteAll(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, eventsKey(connectionID), appointmentsKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete sync events: %w", err)
	}
	return nil
}
