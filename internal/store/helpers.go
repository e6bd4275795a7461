package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
)

// Entity kind discriminators for the shared entities table.
const (
	kindTimer               = "timer"
	kindReminder            = "reminder"
	kindAppointmentReminder = "appointment_reminder"
	kindTask                = "task"
	kindCalendarConfig      = "calendar_config"
	kindAppointment         = "appointment"
)

// metadataMatches reports whether entry metadata contains every wanted
// key/value pair.
func metadataMatches(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func marshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// reverseTurns flips a newest-first query result into oldest-first order.
func reverseTurns(turns []models.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// notFoundErr maps sql.ErrNoRows onto the domain's not-found error.
func notFoundErr(err error) error {
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	return err
}

// entityAt extracts the timestamp column used for range queries and
// expiry ordering, if the entity has one.
func entityAt(kind string, payload any) *time.Time {
	switch kind {
	case kindTimer:
		if t, ok := payload.(models.Timer); ok {
			at := t.ExpiresAt()
			return &at
		}
	case kindReminder:
		if r, ok := payload.(models.Reminder); ok {
			at := r.At
			return &at
		}
	case kindAppointment:
		if a, ok := payload.(models.Appointment); ok {
			at := a.StartAt
			return &at
		}
	}
	return nil
}

// scanPayloadRows decodes a payload column per row into out via fn.
func scanPayloadRows(rows *sql.Rows, fn func(payload string) error) error {
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan payload row: %w", err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

func decodeInstance(payload string) (routines.Instance, error) {
	var instance routines.Instance
	if err := unmarshalPayload(payload, &instance); err != nil {
		return routines.Instance{}, err
	}
	return instance, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func collectInstances(rows *sql.Rows) ([]routines.Instance, error) {
	var out []routines.Instance
	err := scanPayloadRows(rows, func(payload string) error {
		instance, err := decodeInstance(payload)
		if err != nil {
			return err
		}
		out = append(out, instance)
		return nil
	})
	return out, err
}

func scanEventRows(rows *sql.Rows, fn func(entry routines.EventLogEntry) (stop bool, err error)) error {
	defer rows.Close()
	for rows.Next() {
		var instanceID, friendshipID, event, metadata string
		var ts time.Time
		if err := rows.Scan(&instanceID, &friendshipID, &event, &ts, &metadata); err != nil {
			return fmt.Errorf("failed to scan routine event row: %w", err)
		}
		entry, err := decodeEventEntry(instanceID, friendshipID, event, ts, metadata)
		if err != nil {
			return err
		}
		stop, err := fn(entry)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return rows.Err()
}

// firstMatchingEvent consumes rows ordered newest first and returns the first
// entry whose metadata contains every key-value pair in want.
func firstMatchingEvent(rows *sql.Rows, want map[string]string) (routines.EventLogEntry, error) {
	var found routines.EventLogEntry
	ok := false
	err := scanEventRows(rows, func(entry routines.EventLogEntry) (bool, error) {
		if metadataMatches(entry.Metadata, want) {
			found = entry
			ok = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return routines.EventLogEntry{}, err
	}
	if !ok {
		return routines.EventLogEntry{}, models.ErrNotFound
	}
	return found, nil
}

func collectEvents(rows *sql.Rows) ([]routines.EventLogEntry, error) {
	var out []routines.EventLogEntry
	err := scanEventRows(rows, func(entry routines.EventLogEntry) (bool, error) {
		out = append(out, entry)
		return false, nil
	})
	return out, err
}

func decodeEventEntry(instanceID, friendshipID, event string, ts time.Time, metadata string) (routines.EventLogEntry, error) {
	entry := routines.EventLogEntry{
		InstanceID:   routines.InstanceID(instanceID),
		FriendshipID: models.FriendshipID(friendshipID),
		Event:        routines.EventType(event),
		Timestamp:    ts,
	}
	if metadata != "" {
		if err := unmarshalPayload(metadata, &entry.Metadata); err != nil {
			return routines.EventLogEntry{}, err
		}
	}
	return entry, nil
}
