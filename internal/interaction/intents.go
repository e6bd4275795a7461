// Package interaction implements the conversational core: intent
// classification, goal determination, subtask expansion and execution, and
// the per-friendship orchestration state machine.
package interaction

import (
	"sort"

	"github.com/neurospicy/fibi/internal/models"
)

// Timer family intents.
const (
	IntentSetTimer    models.Intent = "SetTimer"
	IntentUpdateTimer models.Intent = "UpdateTimer"
	IntentRemoveTimer models.Intent = "RemoveTimer"
	IntentListTimers  models.Intent = "ListTimers"
)

// Time-based reminder family intents.
const (
	IntentSetReminder    models.Intent = "SetTimeBasedReminder"
	IntentUpdateReminder models.Intent = "UpdateTimeBasedReminder"
	IntentRemoveReminder models.Intent = "RemoveTimeBasedReminder"
	IntentListReminders  models.Intent = "ListTimeBasedReminders"
)

// Appointment reminder family intents.
const (
	IntentSetAppointmentReminder    models.Intent = "SetAppointmentReminder"
	IntentUpdateAppointmentReminder models.Intent = "UpdateAppointmentReminder"
	IntentRemoveAppointmentReminder models.Intent = "RemoveAppointmentReminder"
	IntentListAppointmentReminders  models.Intent = "ListAppointmentReminders"
)

// General reminder intents cover messages that do not make clear which kind
// of reminder is meant; the goal determinator narrows them down.
const (
	IntentAddRemindingTask    models.Intent = "AddRemindingTask"
	IntentListGeneralReminder models.Intent = "ListReminders"
)

// Task family intents.
const (
	IntentAddTask      models.Intent = "AddTask"
	IntentCompleteTask models.Intent = "CompleteTask"
	IntentUpdateTask   models.Intent = "UpdateTask"
	IntentRemoveTask   models.Intent = "RemoveTask"
	IntentListTasks    models.Intent = "ListTasks"
	IntentCleanupTasks models.Intent = "CleanupTasks"
)

// Calendar family intents.
const (
	IntentRegisterCalendar models.Intent = "RegisterCalendar"
	IntentListAppointments models.Intent = "ListAppointments"
)

// Timezone family intents.
const (
	IntentSetTimezone models.Intent = "SetTimezone"
)

// Routine family intents.
const (
	IntentSelectRoutine    models.Intent = "SelectRoutine"
	IntentSetupRoutine     models.Intent = "SetupRoutine"
	IntentAnswerQuestion   models.Intent = "AnswerQuestion"
	IntentStopRoutineToday models.Intent = "StopRoutineToday"
)

// IntentRegistry maps every registered intent to the natural-language
// description handed to the classifier as its decision taxonomy. Built once
// at startup and injected; never mutated afterwards.
type IntentRegistry struct {
	descriptions map[models.Intent]string
}

// NewIntentRegistry builds the registry with the core intents pre-registered.
func NewIntentRegistry() *IntentRegistry {
	r := &IntentRegistry{descriptions: make(map[models.Intent]string)}
	r.Register(models.IntentSmalltalk, "Chat about the weather, feelings or anything without a task behind it")
	r.Register(models.IntentCancelGoal, "Abort or cancel what is currently going on")
	r.Register(models.IntentUnknown, "The message does not fit any other intent")
	r.Register(models.IntentFollowUp, "A short follow-up answer to the assistant's last question")
	return r
}

// Register adds one intent with its classifier-facing description.
func (r *IntentRegistry) Register(intent models.Intent, description string) {
	r.descriptions[intent] = description
}

// Descriptions returns a copy of the full taxonomy.
func (r *IntentRegistry) Descriptions() map[models.Intent]string {
	out := make(map[models.Intent]string, len(r.descriptions))
	for k, v := range r.descriptions {
		out[k] = v
	}
	return out
}

// Known reports whether the intent is registered.
func (r *IntentRegistry) Known(intent models.Intent) bool {
	_, ok := r.descriptions[intent]
	return ok
}

// Intents returns all registered intents in stable order.
func (r *IntentRegistry) Intents() []models.Intent {
	out := make([]models.Intent, 0, len(r.descriptions))
	for k := range r.descriptions {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterDomainIntents registers every domain intent family. Called from
// main after the registry is created.
func RegisterDomainIntents(r *IntentRegistry) {
	r.Register(IntentSetTimer, "Set a timer ringing after a duration, e.g. in 20 minutes")
	r.Register(IntentUpdateTimer, "Change a running timer's duration or label")
	r.Register(IntentRemoveTimer, "Cancel a running timer")
	r.Register(IntentListTimers, "List the currently running timers")

	r.Register(IntentSetReminder, "Set a reminder for a specific date and time")
	r.Register(IntentUpdateReminder, "Update a reminder scheduled for a specific date and time")
	r.Register(IntentRemoveReminder, "Remove a reminder scheduled for a specific date and time")
	r.Register(IntentListReminders, "List the time-based reminders")

	r.Register(IntentSetAppointmentReminder, "Set a reminder relative to appointments matching certain words")
	r.Register(IntentUpdateAppointmentReminder, "Update a reminder related to appointments")
	r.Register(IntentRemoveAppointmentReminder, "Remove a reminder related to appointments")
	r.Register(IntentListAppointmentReminders, "List the appointment reminders")

	r.Register(IntentAddRemindingTask, "Add a task to get reminded of something")
	r.Register(IntentListGeneralReminder, "Show reminders without saying which kind")

	r.Register(IntentAddTask, "Add a task to the task list")
	r.Register(IntentCompleteTask, "Mark a task as done")
	r.Register(IntentUpdateTask, "Change a task's title or description")
	r.Register(IntentRemoveTask, "Delete a task from the task list")
	r.Register(IntentListTasks, "Show the task list")
	r.Register(IntentCleanupTasks, "Remove all completed tasks")

	r.Register(IntentRegisterCalendar, "Register a calendar by URL so appointments can be read")
	r.Register(IntentListAppointments, "Show upcoming appointments")

	r.Register(IntentSetTimezone, "Set or change the user's timezone")

	r.Register(IntentSelectRoutine, "Choose a routine to start, e.g. a morning routine")
	r.Register(IntentSetupRoutine, "Answer setup questions for a routine being configured")
	r.Register(IntentAnswerQuestion, "Answer a question a routine asked earlier")
	r.Register(IntentStopRoutineToday, "Stop today's routine without deleting it")
}
