// Package store provides storage backends for Fibi.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) putEntity(ctx context.Context, owner models.FriendshipID, kind, id string, payload any, source string) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	var at any
	if t := entityAt(kind, payload); t != nil {
		at = *t
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO entities (friendship_id, kind, id, payload, at, source) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (friendship_id, kind, id) DO UPDATE SET payload = EXCLUDED.payload, at = EXCLUDED.at, source = EXCLUDED.source`,
		string(owner), kind, id, body, at, nilIfEmpty(source))
	if err != nil {
		slog.Error("PostgresStore putEntity failed", "error", err, "kind", kind, "id", id)
		return fmt.Errorf("failed to upsert %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *PostgresStore) getEntity(ctx context.Context, owner models.FriendshipID, kind, id string, v any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE friendship_id = $1 AND kind = $2 AND id = $3`,
		string(owner), kind, id).Scan(&payload)
	if err != nil {
		return notFoundErr(err)
	}
	return unmarshalPayload(payload, v)
}

func (s *PostgresStore) listEntities(ctx context.Context, owner models.FriendshipID, kind string, fn func(payload string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM entities WHERE friendship_id = $1 AND kind = $2 ORDER BY at, id`,
		string(owner), kind)
	if err != nil {
		return fmt.Errorf("failed to query %s entities: %w", kind, err)
	}
	return scanPayloadRows(rows, fn)
}

func (s *PostgresStore) deleteEntity(ctx context.Context, owner models.FriendshipID, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE friendship_id = $1 AND kind = $2 AND id = $3`,
		string(owner), kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveFriend(ctx context.Context, friend models.Friend) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO friends (friendship_id, name, number, timezone, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (friendship_id) DO UPDATE SET name = EXCLUDED.name, number = EXCLUDED.number, timezone = EXCLUDED.timezone`,
		string(friend.ID), friend.Name, friend.Number, friend.Timezone, friend.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFriend failed", "error", err, "friendship_id", friend.ID)
		return fmt.Errorf("failed to save friend %s: %w", friend.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFriend(ctx context.Context, id models.FriendshipID) (models.Friend, error) {
	return scanFriend(s.db.QueryRowContext(ctx,
		`SELECT friendship_id, name, number, timezone, created_at FROM friends WHERE friendship_id = $1`, string(id)))
}

func (s *PostgresStore) FriendByNumber(ctx context.Context, number string) (models.Friend, error) {
	return scanFriend(s.db.QueryRowContext(ctx,
		`SELECT friendship_id, name, number, timezone, created_at FROM friends WHERE number = $1`, number))
}

func (s *PostgresStore) ListFriends(ctx context.Context) ([]models.Friend, error) {
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

func (s *PostgresStore) SaveTimer(ctx context.Context, timer models.Timer) error {
	return s.putEntity(ctx, timer.Owner, kindTimer, timer.ID, timer, "")
}

func (s *PostgresStore) GetTimer(ctx context.Context, owner models.FriendshipID, id string) (models.Timer, error) {
	var timer models.Timer
	err := s.getEntity(ctx, owner, kindTimer, id, &timer)
	return timer, err
}

func (s *PostgresStore) ListTimers(ctx context.Context, owner models.FriendshipID) ([]models.Timer, error) {
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

func (s *PostgresStore) DeleteTimer(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindTimer, id)
}

func (s *PostgresStore) SaveReminder(ctx context.Context, reminder models.Reminder) error {
	return s.putEntity(ctx, reminder.Owner, kindReminder, reminder.ID, reminder, "")
}

func (s *PostgresStore) GetReminder(ctx context.Context, owner models.FriendshipID, id string) (models.Reminder, error) {
	var reminder models.Reminder
	err := s.getEntity(ctx, owner, kindReminder, id, &reminder)
	return reminder, err
}

func (s *PostgresStore) ListReminders(ctx context.Context, owner models.FriendshipID) ([]models.Reminder, error) {
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

func (s *PostgresStore) DeleteReminder(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindReminder, id)
}

func (s *PostgresStore) SaveAppointmentReminder(ctx context.Context, reminder models.AppointmentReminder) error {
	return s.putEntity(ctx, reminder.Owner, kindAppointmentReminder, reminder.ID, reminder, "")
}

func (s *PostgresStore) GetAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) (models.AppointmentReminder, error) {
	var reminder models.AppointmentReminder
	err := s.getEntity(ctx, owner, kindAppointmentReminder, id, &reminder)
	return reminder, err
}

func (s *PostgresStore) ListAppointmentReminders(ctx context.Context, owner models.FriendshipID) ([]models.AppointmentReminder, error) {
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

func (s *PostgresStore) DeleteAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindAppointmentReminder, id)
}

func (s *PostgresStore) SaveTask(ctx context.Context, task models.Task) error {
	return s.putEntity(ctx, task.Owner, kindTask, task.ID, task, "")
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE kind = $1 AND id = $2`, kindTask, id).Scan(&payload)
	if err != nil {
		return models.Task{}, notFoundErr(err)
	}
	var task models.Task
	err = unmarshalPayload(payload, &task)
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, owner models.FriendshipID) ([]models.Task, error) {
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

func (s *PostgresStore) CompleteTask(ctx context.Context, id string, at time.Time) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Completed = true
	task.CompletedAt = &at
	task.LastModified = at
	return s.SaveTask(ctx, task)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindTask, id)
}

func (s *PostgresStore) SaveCalendarConfig(ctx context.Context, config models.CalendarConfig) error {
	return s.putEntity(ctx, config.Owner, kindCalendarConfig, config.ID, config, "")
}

func (s *PostgresStore) ListCalendarConfigs(ctx context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error) {
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

func (s *PostgresStore) DeleteCalendarConfig(ctx context.Context, owner models.FriendshipID, id string) error {
	return s.deleteEntity(ctx, owner, kindCalendarConfig, id)
}

func (s *PostgresStore) ReplaceAppointments(ctx context.Context, owner models.FriendshipID, calendarConfigID string, appointments []models.Appointment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE friendship_id = $1 AND kind = $2 AND source = $3`,
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
		_, err = tx.ExecContext(ctx, `INSERT INTO entities (friendship_id, kind, id, payload, at, source) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (friendship_id, kind, id) DO UPDATE SET payload = EXCLUDED.payload, at = EXCLUDED.at, source = EXCLUDED.source`,
			string(owner), kindAppointment, appt.ID, body, appt.StartAt, calendarConfigID)
		if err != nil {
			return fmt.Errorf("failed to insert appointment %s: %w", appt.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetAppointment(ctx context.Context, owner models.FriendshipID, id string) (models.Appointment, error) {
	var appt models.Appointment
	err := s.getEntity(ctx, owner, kindAppointment, id, &appt)
	return appt, err
}

func (s *PostgresStore) AppointmentsInRange(ctx context.Context, owner models.FriendshipID, from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entities WHERE friendship_id = $1 AND kind = $2 AND at >= $3 AND at < $4 ORDER BY at`,
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

func (s *PostgresStore) GetGoalContext(ctx context.Context, owner models.FriendshipID) (models.GoalContext, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM goal_contexts WHERE friendship_id = $1`,
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

func (s *PostgresStore) SaveGoalContext(ctx context.Context, owner models.FriendshipID, goalCtx models.GoalContext) (models.GoalContext, error) {
	next := goalCtx
	next.Version = goalCtx.Version + 1
	body, err := marshalPayload(next)
	if err != nil {
		return models.GoalContext{}, err
	}
	if goalCtx.Version == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO goal_contexts (friendship_id, payload, version) VALUES ($1, $2, $3) ON CONFLICT (friendship_id) DO NOTHING`,
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
		`UPDATE goal_contexts SET payload = $1, version = $2 WHERE friendship_id = $3 AND version = $4`,
		body, next.Version, string(owner), goalCtx.Version)
	if err != nil {
		return models.GoalContext{}, fmt.Errorf("failed to update goal context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.GoalContext{}, models.ErrStaleContext
	}
	return next, nil
}

func (s *PostgresStore) ClearGoalContext(ctx context.Context, owner models.FriendshipID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM goal_contexts WHERE friendship_id = $1`, string(owner))
	if err != nil {
		return fmt.Errorf("failed to clear goal context: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendConversationTurn(ctx context.Context, owner models.FriendshipID, turn models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (friendship_id, author, text, ts) VALUES ($1, $2, $3, $4)`,
		string(owner), turn.Author, turn.Text, turn.At)
	if err != nil {
		return fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentConversation(ctx context.Context, owner models.FriendshipID, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, text, ts FROM conversation_turns WHERE friendship_id = $1 ORDER BY seq DESC LIMIT $2`,
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

func (s *PostgresStore) SaveInstance(ctx context.Context, instance routines.Instance) error {
	body, err := marshalPayload(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routine_instances (id, friendship_id, payload, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		string(instance.ID), string(instance.FriendshipID), body, instance.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id routines.InstanceID) (routines.Instance, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM routine_instances WHERE id = $1`, string(id)).Scan(&payload)
	if err != nil {
		return routines.Instance{}, notFoundErr(err)
	}
	return decodeInstance(payload)
}

func (s *PostgresStore) ListInstances(ctx context.Context, owner models.FriendshipID) ([]routines.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM routine_instances WHERE friendship_id = $1 ORDER BY created_at`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return collectInstances(rows)
}

func (s *PostgresStore) ListAllInstances(ctx context.Context) ([]routines.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM routine_instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return collectInstances(rows)
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id routines.InstanceID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routine_instances WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, template routines.Template) error {
	body, err := routines.MarshalTemplate(template)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routine_templates (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		string(template.ID), string(body))
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id routines.TemplateID) (routines.Template, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM routine_templates WHERE id = $1`, string(id)).Scan(&payload)
	if err != nil {
		return routines.Template{}, notFoundErr(err)
	}
	return routines.UnmarshalTemplate([]byte(payload))
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]routines.Template, error) {
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

func (s *PostgresStore) Append(ctx context.Context, entry routines.EventLogEntry) error {
	metadata := "{}"
	if len(entry.Metadata) > 0 {
		body, err := marshalPayload(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = body
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO routine_events (instance_id, friendship_id, event, ts, metadata) VALUES ($1, $2, $3, $4, $5)`,
		string(entry.InstanceID), string(entry.FriendshipID), string(entry.Event), entry.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("failed to append routine event: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastEvent(ctx context.Context, instanceID routines.InstanceID, event routines.EventType, metadata map[string]string) (routines.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, friendship_id, event, ts, metadata FROM routine_events WHERE instance_id = $1 AND event = $2 ORDER BY seq DESC`,
		string(instanceID), string(event))
	if err != nil {
		return routines.EventLogEntry{}, fmt.Errorf("failed to query routine events: %w", err)
	}
	return firstMatchingEvent(rows, metadata)
}

func (s *PostgresStore) ListEvents(ctx context.Context, instanceID routines.InstanceID) ([]routines.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, friendship_id, event, ts, metadata FROM routine_events WHERE instance_id = $1 ORDER BY seq`,
		string(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to query routine events: %w", err)
	}
	return collectEvents(rows)
}
