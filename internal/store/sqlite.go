// Package store provides storage backends for Fibi.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path to the
// SQLite database file; its directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// putEntity upserts one entity row of the shared entities table.
func (s *SQLiteStore) putEntity(ctx context.Context, owner models.FriendshipID, kind, id string, payload any, source string) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	var at any
	if t := entityAt(kind, payload); t != nil {
		at = *t
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO entities (friendship_id, kind, id, payload, at, source) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(friendship_id, kind, id) DO UPDATE SET payload = excluded.payload, at = excluded.at, source = excluded.source`,
		string(owner), kind, id, body, at, nilIfEmpty(source))
	if err != nil {
		slog.Error("SQLiteStore putEntity failed", "error", err, "kind", kind, "id", id)
		return fmt.Errorf("failed to upsert %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) getEntity(ctx context.Context, owner models.FriendshipID, kind, id string, v any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE friendship_id = ? AND kind = ? AND id = ?`,
		string(owner), kind, id).Scan(&payload)
	if err != nil {
		return notFoundErr(err)
	}
	return unmarshalPayload(payload, v)
}

func (s *SQLiteStore) listEntities(ctx context.Context, owner models.FriendshipID, kind string, fn func(payload string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM entities WHERE friendship_id = ? AND kind = ? ORDER BY at, id`,
		string(owner), kind)
	if err != nil {
		return fmt.Errorf("failed to query %s entities: %w", kind, err)
	}
	return scanPayloadRows(rows, fn)
}

func (s *SQLiteStore) deleteEntity(ctx context.Context, owner models.FriendshipID, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE friendship_id = ? AND kind = ? AND id = ?`,
		string(owner), kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveFriend(ctx context.Context, friend models.Friend) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO friends (friendship_id, name, number, timezone, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(friendship_id) DO UPDATE SET name = excluded.name, number = excluded.number, timezone = excluded.timezone`,
		string(friend.ID), friend.Name, friend.Number, friend.Timezone, friend.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFriend failed", "error", err, "friendship_id", friend.ID)
		return fmt.Errorf("failed to save friend %s: %w", friend.ID, err)
	}
	return nil
}

func scanFriend(row *sql.Row) (models.Friend, error) {
	var f models.Friend
	var id string
	if err := row.Scan(&id, &f.Name, &f.Number, &f.Timezone, &f.CreatedAt); err != nil {
		return models.Friend{}, notFoundErr(err)
	}
	f.ID = models.FriendshipID(id)
	return f, nil
}

func (s *SQLiteStore) GetFriend(ctx context.Context, id models.FriendshipID) (models.Friend, error) {
	return scanFriend(s.db.QueryRowContext(ctx,
		`SELECT friendship_id, name, number, timezone, created_at FROM friends WHERE friendship_id = ?`, string(id)))
}

func (s *SQLiteStore) FriendByNumber(ctx context.Context, number string) (models.Friend, error) {
	return scanFriend(s.db.QueryRowContext(ctx,
		`SELECT friendship_id, name, number, timezone, created_at FROM friends WHERE number = ?`, number))
}

func (s *SQLiteStore) ListFriends(ctx context.Context) ([]models.Friend, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT friendship_id, name, number, timezone, created_at FROM friends`)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()
	var out []models.Friend
	for rows.Next() {
		var f models.Friend
		var id string
		if err := rows.Scan(&id, &f.Name, &f.Number, &f.Timezone, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan friend row: %w", err)
		}
		f.ID = models.FriendshipID(id)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTimer(ctx context.Context, timer models.Timer) error {
	return s.putEntity(ctx, timer.Owner, kindTimer, timer.ID, timer, "")
}

func (s *SQLiteStore) GetTimer(ctx context.Context, owner models.FriendshipID, id string) (models.Timer, error) {
	var timer models.Timer
	err := s.getEntity(ctx, owner, kindTimer, id, &timer)
	return timer, err
}

func (s *SQLiteStore) ListTimers(ctx context.Context, owner models.FriendshipID) ([]models.Timer, error) {
	var out []models.Timer
	err := s.listEntities(ctx, owner, kindTimer, func(payload string) error {
		var timer models.Timer
		if err := unmarshalPayload(payload, &timer); err != nil {
			return err
		}
		out = append(out, timer)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteTimer(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindTimer, id)
}

func (s *SQLiteStore) SaveReminder(ctx context.Context, reminder models.Reminder) error {
	return s.putEntity(ctx, reminder.Owner, kindReminder, reminder.ID, reminder, "")
}

func (s *SQLiteStore) GetReminder(ctx context.Context, owner models.FriendshipID, id string) (models.Reminder, error) {
	var reminder models.Reminder
	err := s.getEntity(ctx, owner, kindReminder, id, &reminder)
	return reminder, err
}

func (s *SQLiteStore) ListReminders(ctx context.Context, owner models.FriendshipID) ([]models.Reminder, error) {
	var out []models.Reminder
	err := s.listEntities(ctx, owner, kindReminder, func(payload string) error {
		var reminder models.Reminder
		if err := unmarshalPayload(payload, &reminder); err != nil {
			return err
		}
		out = append(out, reminder)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteReminder(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindReminder, id)
}

func (s *SQLiteStore) SaveAppointmentReminder(ctx context.Context, reminder models.AppointmentReminder) error {
	return s.putEntity(ctx, reminder.Owner, kindAppointmentReminder, reminder.ID, reminder, "")
}

func (s *SQLiteStore) GetAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) (models.AppointmentReminder, error) {
	var reminder models.AppointmentReminder
	err := s.getEntity(ctx, owner, kindAppointmentReminder, id, &reminder)
	return reminder, err
}

func (s *SQLiteStore) ListAppointmentReminders(ctx context.Context, owner models.FriendshipID) ([]models.AppointmentReminder, error) {
	var out []models.AppointmentReminder
	err := s.listEntities(ctx, owner, kindAppointmentReminder, func(payload string) error {
		var reminder models.AppointmentReminder
		if err := unmarshalPayload(payload, &reminder); err != nil {
			return err
		}
		out = append(out, reminder)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindAppointmentReminder, id)
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task models.Task) error {
	return s.putEntity(ctx, task.Owner, kindTask, task.ID, task, "")
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE kind = ? AND id = ?`, kindTask, id).Scan(&payload)
	if err != nil {
		return models.Task{}, notFoundErr(err)
	}
	var task models.Task
	err = unmarshalPayload(payload, &task)
	return task, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, owner models.FriendshipID) ([]models.Task, error) {
	var out []models.Task
	err := s.listEntities(ctx, owner, kindTask, func(payload string) error {
		var task models.Task
		if err := unmarshalPayload(payload, &task); err != nil {
			return err
		}
		out = append(out, task)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, at time.Time) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Completed = true
	task.CompletedAt = &at
	task.LastModified = at
	return s.SaveTask(ctx, task)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindTask, id)
}

func (s *SQLiteStore) SaveCalendarConfig(ctx context.Context, config models.CalendarConfig) error {
	return s.putEntity(ctx, config.Owner, kindCalendarConfig, config.ID, config, "")
}

func (s *SQLiteStore) ListCalendarConfigs(ctx context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error) {
	var out []models.CalendarConfig
	err := s.listEntities(ctx, owner, kindCalendarConfig, func(payload string) error {
		var config models.CalendarConfig
		if err := unmarshalPayload(payload, &config); err != nil {
			return err
		}
		out = append(out, config)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) DeleteCalendarConfig(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindCalendarConfig, id)
}

// ReplaceAppointments swaps one calendar source's appointment set in a
// transaction.
func (s *SQLiteStore) ReplaceAppointments(ctx context.Context, owner models.FriendshipID, calendarConfigID string, appointments []models.Appointment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE friendship_id = ? AND kind = ? AND source = ?`,
		string(owner), kindAppointment, calendarConfigID)
	if err != nil {
		return fmt.Errorf("failed to clear appointments: %w", err)
	}
	for _, appt := range appointments {
		appt.Owner = owner
		appt.CalendarConfigID = calendarConfigID
		body, err := marshalPayload(appt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO entities (friendship_id, kind, id, payload, at, source) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(friendship_id, kind, id) DO UPDATE SET payload = excluded.payload, at = excluded.at, source = excluded.source`,
			string(owner), kindAppointment, appt.ID, body, appt.StartAt, calendarConfigID)
		if err != nil {
			return fmt.Errorf("failed to insert appointment %s: %w", appt.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAppointment(ctx context.Context, owner models.FriendshipID, id string) (models.Appointment, error) {
	var appt models.Appointment
	err := s.getEntity(ctx, owner, kindAppointment, id, &appt)
	return appt, err
}

func (s *SQLiteStore) AppointmentsInRange(ctx context.Context, owner models.FriendshipID, from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entities WHERE friendship_id = ? AND kind = ? AND at >= ? AND at < ? ORDER BY at`,
		string(owner), kindAppointment, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	var out []models.Appointment
	err = scanPayloadRows(rows, func(payload string) error {
		var appt models.Appointment
		if err := unmarshalPayload(payload, &appt); err != nil {
			return err
		}
		out = append(out, appt)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) GetGoalContext(ctx context.Context, owner models.FriendshipID) (models.GoalContext, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM goal_contexts WHERE friendship_id = ?`,
		string(owner)).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return models.EmptyGoalContext(), nil
	}
	if err != nil {
		return models.GoalContext{}, fmt.Errorf("failed to query goal context: %w", err)
	}
	var goalCtx models.GoalContext
	if err := unmarshalPayload(payload, &goalCtx); err != nil {
		return models.GoalContext{}, err
	}
	goalCtx.Version = version
	return goalCtx, nil
}

func (s *SQLiteStore) SaveGoalContext(ctx context.Context, owner models.FriendshipID, goalCtx models.GoalContext) (models.GoalContext, error) {
	next := goalCtx
	next.Version = goalCtx.Version + 1
	body, err := marshalPayload(next)
	if err != nil {
		return models.GoalContext{}, err
	}
	if goalCtx.Version == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO goal_contexts (friendship_id, payload, version) VALUES (?, ?, ?) ON CONFLICT(friendship_id) DO NOTHING`,
			string(owner), body, next.Version)
		if err != nil {
			return models.GoalContext{}, fmt.Errorf("failed to insert goal context: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.GoalContext{}, models.ErrStaleContext
		}
		return next, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE goal_contexts SET payload = ?, version = ? WHERE friendship_id = ? AND version = ?`,
		body, next.Version, string(owner), goalCtx.Version)
	if err != nil {
		return models.GoalContext{}, fmt.Errorf("failed to update goal context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.GoalContext{}, models.ErrStaleContext
	}
	return next, nil
}

func (s *SQLiteStore) ClearGoalContext(ctx context.Context, owner models.FriendshipID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM goal_contexts WHERE friendship_id = ?`, string(owner))
	if err != nil {
		return fmt.Errorf("failed to clear goal context: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendConversationTurn(ctx context.Context, owner models.FriendshipID, turn models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (friendship_id, author, text, ts) VALUES (?, ?, ?, ?)`,
		string(owner), turn.Author, turn.Text, turn.At)
	if err != nil {
		return fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentConversation(ctx context.Context, owner models.FriendshipID, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, text, ts FROM conversation_turns WHERE friendship_id = ? ORDER BY seq DESC LIMIT ?`,
		string(owner), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	defer rows.Close()
	var out []models.ConversationTurn
	for rows.Next() {
		var turn models.ConversationTurn
		if err := rows.Scan(&turn.Author, &turn.Text, &turn.At); err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTurns(out)
	return out, nil
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, instance routines.Instance) error {
	body, err := marshalPayload(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routine_instances (id, friendship_id, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(instance.ID), string(instance.FriendshipID), body, instance.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id routines.InstanceID) (routines.Instance, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM routine_instances WHERE id = ?`, string(id)).Scan(&payload)
	if err != nil {
		return routines.Instance{}, notFoundErr(err)
	}
	return decodeInstance(payload)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, owner models.FriendshipID) ([]routines.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM routine_instances WHERE friendship_id = ? ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return collectInstances(rows)
}

func (s *SQLiteStore) ListAllInstances(ctx context.Context) ([]routines.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM routine_instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return collectInstances(rows)
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id routines.InstanceID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routine_instances WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveTemplate(ctx context.Context, template routines.Template) error {
	body, err := routines.MarshalTemplate(template)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routine_templates (id, payload) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(template.ID), string(body))
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id routines.TemplateID) (routines.Template, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM routine_templates WHERE id = ?`, string(id)).Scan(&payload)
	if err != nil {
		return routines.Template{}, notFoundErr(err)
	}
	return routines.UnmarshalTemplate([]byte(payload))
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]routines.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM routine_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	var out []routines.Template
	err = scanPayloadRows(rows, func(payload string) error {
		template, err := routines.UnmarshalTemplate([]byte(payload))
		if err != nil {
			return err
		}
		out = append(out, template)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Append(ctx context.Context, entry routines.EventLogEntry) error {
	metadata := "{}"
	if len(entry.Metadata) > 0 {
		body, err := marshalPayload(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = body
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO routine_events (instance_id, friendship_id, event, ts, metadata) VALUES (?, ?, ?, ?, ?)`,
		string(entry.InstanceID), string(entry.FriendshipID), string(entry.Event), entry.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("failed to append routine event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastEvent(ctx context.Context, instanceID routines.InstanceID, event routines.EventType, metadata map[string]string) (routines.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, friendship_id, event, ts, metadata FROM routine_events WHERE instance_id = ? AND event = ? ORDER BY seq DESC`,
		string(instanceID), string(event))
	if err != nil {
		return routines.EventLogEntry{}, fmt.Errorf("failed to query routine events: %w", err)
	}
	return firstMatchingEvent(rows, metadata)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID routines.InstanceID) ([]routines.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, friendship_id, event, ts, metadata FROM routine_events WHERE instance_id = ? ORDER BY seq`,
		string(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to query routine events: %w", err)
	}
	return collectEvents(rows)
}
