package interaction

import (
	"context"
	"fmt"

	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// GoalDeterminator turns a classified intent into one or more concrete
// goals. Each determinator owns a disjoint intent subset; the reminder
// family needs a second, narrower classification because "remind me" alone
// does not say which kind of reminder is meant.
type GoalDeterminator interface {
	CanHandle(intent models.Intent) bool
	DetermineGoal(ctx context.Context, intent models.Intent, message models.UserMessage, friendshipID models.FriendshipID) ([]models.Goal, error)
}

// SimpleGoalDeterminator maps an intent to exactly the goal it names.
type SimpleGoalDeterminator struct{}

func (SimpleGoalDeterminator) CanHandle(models.Intent) bool { return true }

func (SimpleGoalDeterminator) DetermineGoal(_ context.Context, intent models.Intent, _ models.UserMessage, _ models.FriendshipID) ([]models.Goal, error) {
	return []models.Goal{models.NewGoal(intent)}, nil
}

// reminderKind and reminderInteraction form the closed enum the LLM
// classifies into. Everything downstream of the classification is a pure
// table lookup.
type reminderKind string

type reminderInteraction string

const (
	kindTimeBased       reminderKind = "TimeBased"
	kindAppointment     reminderKind = "Appointment"
	kindTimerLike       reminderKind = "Timer"
	kindGeneralReminder reminderKind = "General"

	interactionSet    reminderInteraction = "Set"
	interactionUpdate reminderInteraction = "Update"
	interactionRemove reminderInteraction = "Remove"
	interactionList   reminderInteraction = "List"
)

// reminderGoalTable is the (interaction, kind) → goals mapping. General
// kinds intentionally fan out into both reminder families; both goals are
// attempted and the one that finds nothing is a harmless no-op.
var reminderGoalTable = map[reminderInteraction]map[reminderKind][]models.Intent{
	interactionSet: {
		kindTimeBased:       {IntentSetReminder},
		kindAppointment:     {IntentSetAppointmentReminder},
		kindTimerLike:       {IntentSetTimer},
		kindGeneralReminder: {IntentSetReminder, IntentSetAppointmentReminder},
	},
	interactionUpdate: {
		kindTimeBased:       {IntentUpdateReminder},
		kindAppointment:     {IntentUpdateAppointmentReminder},
		kindTimerLike:       {IntentUpdateTimer},
		kindGeneralReminder: {IntentUpdateReminder, IntentUpdateAppointmentReminder},
	},
	interactionRemove: {
		kindTimeBased:       {IntentRemoveReminder},
		kindAppointment:     {IntentRemoveAppointmentReminder},
		kindTimerLike:       {IntentRemoveTimer},
		kindGeneralReminder: {IntentRemoveReminder, IntentRemoveAppointmentReminder},
	},
	interactionList: {
		kindTimeBased:       {IntentListReminders},
		kindAppointment:     {IntentListAppointmentReminders},
		kindTimerLike:       {IntentListTimers},
		kindGeneralReminder: {IntentListGeneralReminder},
	},
}

// ReminderGoalDeterminator narrows reminder-family intents down to the
// concrete reminder kind via a closed-enum LLM classification.
type ReminderGoalDeterminator struct {
	llm genai.ClientInterface
}

// NewReminderGoalDeterminator creates the reminder-family determinator.
func NewReminderGoalDeterminator(llm genai.ClientInterface) *ReminderGoalDeterminator {
	return &ReminderGoalDeterminator{llm: llm}
}

var reminderFamilyIntents = map[models.Intent]bool{
	IntentSetReminder: true, IntentUpdateReminder: true, IntentRemoveReminder: true, IntentListReminders: true,
	IntentSetAppointmentReminder: true, IntentUpdateAppointmentReminder: true,
	IntentRemoveAppointmentReminder: true, IntentListAppointmentReminders: true,
	IntentAddRemindingTask: true, IntentListGeneralReminder: true,
}

func (d *ReminderGoalDeterminator) CanHandle(intent models.Intent) bool {
	return reminderFamilyIntents[intent]
}

const reminderDeterminationPrompt = `The user intends to interact with their reminders. Determine how they want to interact and with which kind of reminder.

Interactions: Set (add), Remove (unset), Update (change), List (show).

Kinds:
- TimeBased: reminds at a specific date and time, carries a text. Example: "Remind me tomorrow 8am to clean the dishes"
- Appointment: reminds with an offset before/after appointments matching certain words. Example: "Remind me after doctor appointments to pick up the prescription"
- Timer: sends a text after a duration of hours, minutes or seconds. Example: "In 18 minutes, look for the pizza"
- General: the message refers to reminders without making the kind clear.

Output must be a JSON object like:
{"interactionType": "Set"|"Update"|"Remove"|"List", "kind": "TimeBased"|"Appointment"|"Timer"|"General"}`

// DetermineGoal classifies the message into (interaction, kind) and maps
// the pair through the goal table. Malformed JSON is a hard failure for
// the turn: ambiguous intent resolution must not silently guess.
func (d *ReminderGoalDeterminator) DetermineGoal(ctx context.Context, intent models.Intent, message models.UserMessage, friendshipID models.FriendshipID) ([]models.Goal, error) {
	response, err := d.llm.GenerateJSON(ctx, reminderDeterminationPrompt, message.Text)
	if err != nil {
		return nil, fmt.Errorf("reminder kind classification failed: %w", err)
	}
	var parsed struct {
		InteractionType string `json:"interactionType"`
		Kind            string `json:"kind"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return nil, err
	}

	kinds, ok := reminderGoalTable[reminderInteraction(parsed.InteractionType)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown interaction type %q", models.ErrMalformedResponse, parsed.InteractionType)
	}
	intents, ok := kinds[reminderKind(parsed.Kind)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown reminder kind %q", models.ErrMalformedResponse, parsed.Kind)
	}

	goals := make([]models.Goal, 0, len(intents))
	for _, in := range intents {
		goals = append(goals, models.NewGoal(in))
	}
	return goals, nil
}
