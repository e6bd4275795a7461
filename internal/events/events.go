package events

import (
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

// Event kind constants. Subscribers match on these.
const (
	KindTimerSet     = "timer_set"
	KindTimerUpdated = "timer_updated"
	KindTimerRemoved = "timer_removed"
	KindTimerExpired = "timer_expired"

	KindReminderSet     = "reminder_set"
	KindReminderUpdated = "reminder_updated"
	KindReminderUnset   = "reminder_unset"
	KindReminderExpired = "reminder_expired"

	KindAppointmentReminderSet     = "appointment_reminder_set"
	KindAppointmentReminderUpdated = "appointment_reminder_updated"
	KindAppointmentReminderUnset   = "appointment_reminder_unset"

	KindTaskAdded     = "task_added"
	KindTaskCompleted = "task_completed"
	KindTaskRemoved   = "task_removed"

	KindCalendarRegistered = "calendar_registered"
	KindCalendarSynced     = "calendar_synced"

	KindTimezoneChanged = "timezone_changed"

	KindSendMessageRequest = "send_message_request"

	KindRoutineStarted          = "routine_started"
	KindRoutinePhaseActivated   = "routine_phase_activated"
	KindRoutinePhaseDeactivated = "routine_phase_deactivated"
	KindRoutinePhaseTriggered   = "routine_phase_triggered"
	KindRoutineIterationStart   = "routine_phase_iteration_triggered"
	KindRoutineStepTriggered    = "routine_step_triggered"
	KindRoutineTriggerFired     = "routine_trigger_fired"
	KindRoutineStepCompleted    = "routine_step_completed"
	KindRoutineParameterSet     = "routine_parameter_set"
	KindRoutineIterationDone    = "routine_phase_iteration_completed"
	KindRoutineCompleted        = "routine_completed"
	KindRoutineStopForToday     = "routine_stop_for_today"
	KindRoutineStoppedToday     = "routine_stopped_today"
	KindRoutineSchedulesUpdated = "routine_schedules_updated_on_parameter_change"
)

// TimerSet fires after a timer is persisted.
type TimerSet struct{ Timer models.Timer }

func (TimerSet) Kind() string { return KindTimerSet }

// TimerUpdated fires after a timer's duration or label changed.
type TimerUpdated struct{ Timer models.Timer }

func (TimerUpdated) Kind() string { return KindTimerUpdated }

// TimerRemoved fires after a timer is deleted before ringing.
type TimerRemoved struct {
	Owner   models.FriendshipID
	TimerID string
}

func (TimerRemoved) Kind() string { return KindTimerRemoved }

// TimerExpired fires when a timer's schedule rings.
type TimerExpired struct{ Timer models.Timer }

func (TimerExpired) Kind() string { return KindTimerExpired }

// ReminderSet fires after a time-based reminder is persisted.
type ReminderSet struct{ Reminder models.Reminder }

func (ReminderSet) Kind() string { return KindReminderSet }

// ReminderUpdated fires after a reminder's time or text changed.
type ReminderUpdated struct{ Reminder models.Reminder }

func (ReminderUpdated) Kind() string { return KindReminderUpdated }

// ReminderUnset fires after a reminder is deleted.
type ReminderUnset struct {
	Owner      models.FriendshipID
	ReminderID string
}

func (ReminderUnset) Kind() string { return KindReminderUnset }

// ReminderExpired fires when a reminder's schedule rings.
type ReminderExpired struct{ Reminder models.Reminder }

func (ReminderExpired) Kind() string { return KindReminderExpired }

// AppointmentReminderSet fires after an appointment reminder is persisted.
type AppointmentReminderSet struct{ Reminder models.AppointmentReminder }

func (AppointmentReminderSet) Kind() string { return KindAppointmentReminderSet }

// AppointmentReminderUpdated fires after keywords, offset or text changed.
type AppointmentReminderUpdated struct{ Reminder models.AppointmentReminder }

func (AppointmentReminderUpdated) Kind() string { return KindAppointmentReminderUpdated }

// AppointmentReminderUnset fires after an appointment reminder is deleted.
type AppointmentReminderUnset struct {
	Owner      models.FriendshipID
	ReminderID string
}

func (AppointmentReminderUnset) Kind() string { return KindAppointmentReminderUnset }

// TaskAdded fires after a task is persisted.
type TaskAdded struct{ Task models.Task }

func (TaskAdded) Kind() string { return KindTaskAdded }

// TaskCompleted fires after a task is marked done.
type TaskCompleted struct{ Task models.Task }

func (TaskCompleted) Kind() string { return KindTaskCompleted }

// TaskRemoved fires after a task is deleted.
type TaskRemoved struct {
	Owner  models.FriendshipID
	TaskID string
}

func (TaskRemoved) Kind() string { return KindTaskRemoved }

// CalendarRegistered fires after a friend registers a calendar source.
type CalendarRegistered struct{ Config models.CalendarConfig }

func (CalendarRegistered) Kind() string { return KindCalendarRegistered }

// CalendarSynced fires after a calendar sync replaced the appointment set
// of one calendar source.
type CalendarSynced struct {
	Owner            models.FriendshipID
	CalendarConfigID string
}

func (CalendarSynced) Kind() string { return KindCalendarSynced }

// TimezoneChanged fires after a friend's timezone changed. Every
// not-yet-fired local-time schedule for the friend must be recomputed.
type TimezoneChanged struct {
	FriendshipID models.FriendshipID
	OldZone      string
	NewZone      string
}

func (TimezoneChanged) Kind() string { return KindTimezoneChanged }

// SendMessageRequest asks the messaging gateway to deliver text to a friend.
type SendMessageRequest struct {
	FriendshipID models.FriendshipID
	Channel      models.Channel
	Text         string
	ReplyTo      models.MessageID
}

func (SendMessageRequest) Kind() string { return KindSendMessageRequest }

// RoutineStarted fires when a routine instance is created.
type RoutineStarted struct {
	FriendshipID models.FriendshipID
	InstanceID   string
}

func (RoutineStarted) Kind() string { return KindRoutineStarted }

// RoutinePhaseActivated fires when a phase becomes the current phase.
type RoutinePhaseActivated struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
}

func (RoutinePhaseActivated) Kind() string { return KindRoutinePhaseActivated }

// RoutinePhaseDeactivated fires when a phase stops being current.
type RoutinePhaseDeactivated struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
}

func (RoutinePhaseDeactivated) Kind() string { return KindRoutinePhaseDeactivated }

// RoutinePhaseTriggered fires when a phase's activation condition rings.
type RoutinePhaseTriggered struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
}

func (RoutinePhaseTriggered) Kind() string { return KindRoutinePhaseTriggered }

// RoutinePhaseIterationTriggered fires when a recurring phase's cron rings.
type RoutinePhaseIterationTriggered struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
}

func (RoutinePhaseIterationTriggered) Kind() string { return KindRoutineIterationStart }

// RoutineStepTriggered fires when a step's time-of-day schedule rings.
type RoutineStepTriggered struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
	StepID       string
}

func (RoutineStepTriggered) Kind() string { return KindRoutineStepTriggered }

// RoutineTriggerFired fires when a template-level trigger condition rings.
type RoutineTriggerFired struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	TriggerID    string
}

func (RoutineTriggerFired) Kind() string { return KindRoutineTriggerFired }

// StepCompletionType distinguishes how a routine step completed.
type StepCompletionType string

const (
	// StepConfirmedAction is an action step confirmed by the user.
	StepConfirmedAction StepCompletionType = "confirmed_action"
	// StepParameterSet is a parameter request answered by the user.
	StepParameterSet StepCompletionType = "parameter_set"
	// StepMessageSent is a message step whose text was delivered.
	StepMessageSent StepCompletionType = "message_sent"
)

// RoutineStepCompleted fires when a step reaches a terminal state.
type RoutineStepCompleted struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
	StepID       string
	Completion   StepCompletionType
	// ParameterKey is set for StepParameterSet completions.
	ParameterKey string
}

func (RoutineStepCompleted) Kind() string { return KindRoutineStepCompleted }

// RoutineParameterSet fires when an instance parameter is captured or
// changed; schedules referencing it must be recomputed.
type RoutineParameterSet struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	ParameterKey string
}

func (RoutineParameterSet) Kind() string { return KindRoutineParameterSet }

// RoutinePhaseIterationCompleted fires when every step of the current
// iteration is terminal.
type RoutinePhaseIterationCompleted struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	PhaseID      string
}

func (RoutinePhaseIterationCompleted) Kind() string { return KindRoutineIterationDone }

// RoutineCompleted fires when the last phase of an instance completes.
type RoutineCompleted struct {
	FriendshipID models.FriendshipID
	InstanceID   string
}

func (RoutineCompleted) Kind() string { return KindRoutineCompleted }

// StopRoutineForToday requests halting all pending schedules of an
// instance without deleting it.
type StopRoutineForToday struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	Reason       string
}

func (StopRoutineForToday) Kind() string { return KindRoutineStopForToday }

// StoppedTodaysRoutine confirms the stop-for-today request was applied.
type StoppedTodaysRoutine struct {
	FriendshipID models.FriendshipID
	InstanceID   string
}

func (StoppedTodaysRoutine) Kind() string { return KindRoutineStoppedToday }

// RoutineSchedulesUpdated reports the step and trigger schedules recomputed
// after a parameter change.
type RoutineSchedulesUpdated struct {
	FriendshipID models.FriendshipID
	InstanceID   string
	StepIDs      []string
	TriggerIDs   []string
	At           time.Time
}

func (RoutineSchedulesUpdated) Kind() string { return KindRoutineSchedulesUpdated }
