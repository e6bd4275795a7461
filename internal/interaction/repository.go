package interaction

import (
	"context"
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

// FriendLedger resolves friend records; handlers use it for timezone-aware
// extraction and the timezone handler for updates.
type FriendLedger interface {
	GetFriend(ctx context.Context, id models.FriendshipID) (models.Friend, error)
	SaveFriend(ctx context.Context, friend models.Friend) error
}

// TimerRepository persists timers.
type TimerRepository interface {
	SaveTimer(ctx context.Context, timer models.Timer) error
	GetTimer(ctx context.Context, owner models.FriendshipID, id string) (models.Timer, error)
	ListTimers(ctx context.Context, owner models.FriendshipID) ([]models.Timer, error)
	DeleteTimer(ctx context.Context, owner models.FriendshipID, id string) error
}

// ReminderRepository persists time-based reminders.
type ReminderRepository interface {
	SaveReminder(ctx context.Context, reminder models.Reminder) error
	GetReminder(ctx context.Context, owner models.FriendshipID, id string) (models.Reminder, error)
	ListReminders(ctx context.Context, owner models.FriendshipID) ([]models.Reminder, error)
	DeleteReminder(ctx context.Context, owner models.FriendshipID, id string) error
}

// AppointmentReminderRepository persists appointment reminders.
type AppointmentReminderRepository interface {
	SaveAppointmentReminder(ctx context.Context, reminder models.AppointmentReminder) error
	GetAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) (models.AppointmentReminder, error)
	ListAppointmentReminders(ctx context.Context, owner models.FriendshipID) ([]models.AppointmentReminder, error)
	DeleteAppointmentReminder(ctx context.Context, owner models.FriendshipID, id string) error
}

// TaskRepository persists tasks.
type TaskRepository interface {
	SaveTask(ctx context.Context, task models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, owner models.FriendshipID) ([]models.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) error
	DeleteTask(ctx context.Context, owner models.FriendshipID, id string) error
}

// CalendarRepository persists calendar registrations and appointments.
type CalendarRepository interface {
	SaveCalendarConfig(ctx context.Context, config models.CalendarConfig) error
	ListCalendarConfigs(ctx context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error)
	AppointmentsInRange(ctx context.Context, owner models.FriendshipID, from, to time.Time) ([]models.Appointment, error)
}

// ConversationLog keeps the recent dialog per friendship so classification
// can weigh a message against what was said before.
type ConversationLog interface {
	AppendConversationTurn(ctx context.Context, owner models.FriendshipID, turn models.ConversationTurn) error
	RecentConversation(ctx context.Context, owner models.FriendshipID, limit int) ([]models.ConversationTurn, error)
}

// GoalContextRepository persists the per-friendship conversation state.
// SaveGoalContext is a compare-and-swap: it fails with
// models.ErrStaleContext when the stored version moved since the load.
type GoalContextRepository interface {
	GetGoalContext(ctx context.Context, owner models.FriendshipID) (models.GoalContext, error)
	SaveGoalContext(ctx context.Context, owner models.FriendshipID, goalCtx models.GoalContext) (models.GoalContext, error)
	ClearGoalContext(ctx context.Context, owner models.FriendshipID) error
}
