package interaction

import (
	"context"

	"github.com/neurospicy/fibi/internal/models"
)

// FanOutContributor expands one ambiguous intent into subtasks of several
// concrete intents, all carrying the message text. The general reminder list
// fans out this way into the time-based and the appointment list.
type FanOutContributor struct {
	Intent models.Intent
	Into   []models.Intent
}

func (c FanOutContributor) ForIntent() models.Intent { return c.Intent }

func (c FanOutContributor) ProvideSubtasks(_ context.Context, _ models.Intent, friendshipID models.FriendshipID, message models.UserMessage) []models.Subtask {
	subtasks := make([]models.Subtask, 0, len(c.Into))
	for _, intent := range c.Into {
		subtasks = append(subtasks, models.Subtask{
			ID:          models.SubtaskIDFrom(friendshipID, intent, message.ID),
			Intent:      intent,
			Description: intent.String(),
			Parameters:  map[string]any{ParamRawText: message.Text},
			Status:      models.SubtaskPending,
		})
	}
	return subtasks
}

// DefaultContributors builds the contributor set covering every registered
// domain intent.
func DefaultContributors() []SubtaskContributor {
	rawText := []models.Intent{
		IntentSetTimer, IntentUpdateTimer, IntentRemoveTimer, IntentListTimers,
		IntentSetReminder, IntentUpdateReminder, IntentRemoveReminder, IntentListReminders,
		IntentSetAppointmentReminder, IntentUpdateAppointmentReminder,
		IntentRemoveAppointmentReminder, IntentListAppointmentReminders,
		IntentAddTask, IntentCompleteTask, IntentUpdateTask, IntentRemoveTask,
		IntentListTasks, IntentCleanupTasks,
		IntentRegisterCalendar, IntentListAppointments,
		IntentSetTimezone,
		IntentSelectRoutine, IntentSetupRoutine, IntentAnswerQuestion, IntentStopRoutineToday,
	}
	contributors := make([]SubtaskContributor, 0, len(rawText)+1)
	for _, intent := range rawText {
		contributors = append(contributors, RawTextContributor{Intent: intent})
	}
	contributors = append(contributors, FanOutContributor{
		Intent: IntentListGeneralReminder,
		Into:   []models.Intent{IntentListReminders, IntentListAppointmentReminders},
	})
	return contributors
}
