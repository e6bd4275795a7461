// Package store provides storage backends for Fibi.
//
// It includes an in-memory store for tests, an SQLite-backed store for
// single-node deployments and a PostgreSQL-backed store. Domain entities
// are persisted as JSON payloads with the columns needed for lookups and
// range queries indexed alongside.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the database connection string or file path.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence surface of the assistant: friends, their domain
// entities, the per-friendship goal context and the routine engine state.
// Implementations satisfy the narrow repository interfaces of the routines
// package (Repository, TemplateRepository, EventLog, FriendDirectory,
// TaskStore).
type Store interface {
	// Friends.
	SaveFriend(ctx context.Context, friend models.Friend) error
	GetFriend(ctx context.Context, id models.FriendshipID) (models.Friend, error)
	FriendByNumber(ctx context.Context, number string) (models.Friend, error)
	ListFriends(ctx context.Context) ([]models.Friend, error)

	// Timers.
	SaveTimer(ctx context.Context, timer models.Timer) error
	GetTimer(ctx context.Context, owner models.FriendshipID, id string) (models.Timer, error)
	ListTimers(ctx context.Context, owner models.FriendshipID) ([]models.Timer, error)
	DeleteTimer(ctx context.Context, owner models.FriendshipID, id string) error

	// Reminders.
	SaveReminder(ctx context.Context, reminder models.Reminder) error
	GetReminder(ctx context.Context, owner models.FriendshipID, id string) (models.Reminder, error)
	ListReminders(ctx context.Context, owner models.FriendshipID) ([]models.Reminder, error)
	DeleteReminder(ctx context.Context, owner models.FriendshipID, id string) error

	// Appointment reminders.
	SaveAppointmentReminder(ctx context.Context, reminder models.AppointmentReminder) error
	GetAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) (models.AppointmentReminder, error)
	ListAppointmentReminders(ctx context.Context, owner models.FriendshipID) ([]models.AppointmentReminder, error)
	DeleteAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) error

	// Tasks. GetTask and CompleteTask are keyed by task id alone so the
	// routine engine can resolve confirmation tasks.
	SaveTask(ctx context.Context, task models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, owner models.FriendshipID) ([]models.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) error
	DeleteTask(ctx context.Context, owner models.FriendshipID, id string) error

	// Calendars and appointments. ReplaceAppointments swaps the full
	// appointment set of one calendar source atomically.
	SaveCalendarConfig(ctx context.Context, config models.CalendarConfig) error
	ListCalendarConfigs(ctx context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error)
	DeleteCalendarConfig(ctx context.Context, owner models.FriendshipID, id string) error
	ReplaceAppointments(ctx context.Context, owner models.FriendshipID, calendarConfigID string, appointments []models.Appointment) error
	GetAppointment(ctx context.Context, owner models.FriendshipID, id string) (models.Appointment, error)
	AppointmentsInRange(ctx context.Context, owner models.FriendshipID, from, to time.Time) ([]models.Appointment, error)

	// Goal context, one per friendship. SaveGoalContext compares the
	// stored version against the given context's and fails with
	// models.ErrStaleContext when another orchestration pass won.
	GetGoalContext(ctx context.Context, owner models.FriendshipID) (models.GoalContext, error)
	SaveGoalContext(ctx context.Context, owner models.FriendshipID, goalCtx models.GoalContext) (models.GoalContext, error)
	ClearGoalContext(ctx context.Context, owner models.FriendshipID) error

	// Conversation history, a bounded recent-turns ledger per friendship.
	// RecentConversation returns at most limit turns, oldest first.
	AppendConversationTurn(ctx context.Context, owner models.FriendshipID, turn models.ConversationTurn) error
	RecentConversation(ctx context.Context, owner models.FriendshipID, limit int) ([]models.ConversationTurn, error)

	// Routine instances, templates and the routine event log.
	SaveInstance(ctx context.Context, instance routines.Instance) error
	GetInstance(ctx context.Context, id routines.InstanceID) (routines.Instance, error)
	ListInstances(ctx context.Context, owner models.FriendshipID) ([]routines.Instance, error)
	ListAllInstances(ctx context.Context) ([]routines.Instance, error)
	DeleteInstance(ctx context.Context, id routines.InstanceID) error
	SaveTemplate(ctx context.Context, template routines.Template) error
	GetTemplate(ctx context.Context, id routines.TemplateID) (routines.Template, error)
	ListTemplates(ctx context.Context) ([]routines.Template, error)
	Append(ctx context.Context, entry routines.EventLogEntry) error
	LastEvent(ctx context.Context, instanceID routines.InstanceID, event routines.EventType, metadata map[string]string) (routines.EventLogEntry, error)
	ListEvents(ctx context.Context, instanceID routines.InstanceID) ([]routines.EventLogEntry, error)

	Close() error
}

// NewStore picks a backend from the DSN: postgres:// selects Postgres, a
// bare path selects SQLite, an empty DSN selects the in-memory store.
func NewStore(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(WithDSN(dsn))
	default:
		return NewSQLiteStore(WithDSN(dsn))
	}
}
