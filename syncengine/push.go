package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"calsync/provider"
	"calsync/store"
	"calsync/synclog"
)

// PushAppointment writes a locally originated appointment to the provider and
// links it to the returned external event.
func (e *Engine) PushAppointment(ctx context.Context, connID, appointmentID string, ev provider.ExternalEvent) (*store.SyncEvent, error) {
	conn, adapter, access, err := e.prepareWrite(ctx, connID)
	if err != nil {
		return nil, err
	}

	row, err := e.events.GetByAppointment(ctx, conn.ID, appointmentID)
	if err != nil {
		return nil, err
	}

	action := synclog.ActionCreate
	var written *provider.ExternalEvent
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	if row != nil {
		action = synclog.ActionUpdate
		written, err = adapter.UpdateEvent(callCtx, conn.Binding(access), row.ExternalEventID, ev)
		if errors.Is(err, provider.ErrNotFound) {
			// removed upstream; recreate and drop the stale link
			if derr := e.events.Delete(ctx, conn.ID, row.ExternalEventID); derr != nil {
				return nil, derr
			}
			action = synclog.ActionCreate
			row = nil
			written, err = adapter.CreateEvent(callCtx, conn.Binding(access), ev)
		}
	} else {
		written, err = adapter.CreateEvent(callCtx, conn.Binding(access), ev)
	}
	if err != nil {
		e.appendLog(ctx, synclog.Entry{
			ConnectionID: conn.ID,
			Action:       action,
			Direction:    synclog.ToExternal,
			Status:       synclog.StatusError,
			Error:        err.Error(),
			Details:      "appointment " + appointmentID,
		})
		return nil, fmt.Errorf("push appointment: %w", err)
	}

	if row == nil {
		row = &store.SyncEvent{ConnectionID: conn.ID, ExternalEventID: written.ID, AppointmentID: appointmentID}
	}
	row.Status = store.SyncStatusSynced
	row.LastSyncedAt = e.now()
	row.LastError = ""
	if err := e.events.Upsert(ctx, row); err != nil {
		return nil, err
	}
	e.appendLog(ctx, synclog.Entry{
		ConnectionID:    conn.ID,
		Action:          action,
		Direction:       synclog.ToExternal,
		Status:          synclog.StatusSuccess,
		ExternalEventID: written.ID,
		Details:         "appointment " + appointmentID,
	})
	return row, nil
}

// RemoveAppointment deletes the external copy of a local appointment. Unknown
// appointments and events already gone upstream are not errors.
func (e *Engine) RemoveAppointment(ctx context.Context, connID, appointmentID string) error {
	conn, adapter, access, err := e.prepareWrite(ctx, connID)
	if err != nil {
		return err
	}
	row, err := e.events.GetByAppointment(ctx, conn.ID, appointmentID)
	if err != nil || row == nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	err = adapter.DeleteEvent(callCtx, conn.Binding(access), row.ExternalEventID)
	cancel()
	if err != nil {
		e.appendLog(ctx, synclog.Entry{
			ConnectionID:    conn.ID,
			Action:          synclog.ActionDelete,
			Direction:       synclog.ToExternal,
			Status:          synclog.StatusError,
			Error:           err.Error(),
			ExternalEventID: row.ExternalEventID,
		})
		return fmt.Errorf("remove appointment: %w", err)
	}
	if err := e.events.Delete(ctx, conn.ID, row.ExternalEventID); err != nil {
		return err
	}
	e.appendLog(ctx, synclog.Entry{
		ConnectionID:    conn.ID,
		Action:          synclog.ActionDelete,
		Direction:       synclog.ToExternal,
		Status:          synclog.StatusSuccess,
		ExternalEventID: row.ExternalEventID,
	})
	e.logger.Debug("removed external event",
		zap.String("connection_id", conn.ID), zap.String("external_event_id", row.ExternalEventID))
	return nil
}

func (e *Engine) prepareWrite(ctx context.Context, connID string) (*store.Connection, provider.Adapter, string, error) {
	conn, err := e.conns.Get(ctx, connID)
	if err != nil {
		return nil, nil, "", err
	}
	if !conn.SyncEnabled {
		return nil, nil, "", ErrSyncDisabled
	}
	adapter, err := e.registry.Get(conn.Provider)
	if err != nil {
		return nil, nil, "", err
	}
	access, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, nil, "", fmt.Errorf("access token: %w", err)
	}
	return conn, adapter, access, nil
}
