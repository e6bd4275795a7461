package interaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/util"
)

// NewAppointmentReminderInformation is the extraction target for setting an
// appointment reminder.
type NewAppointmentReminderInformation struct {
	Keywords []string
	Text     string
	Offset   time.Duration
	Before   bool
}

const appointmentReminderExtractionPrompt = `You are helping the user set a reminder relative to their calendar appointments.

An appointment reminder needs:
- keywords (required): words appearing in the matching appointment titles, e.g. ["doctor"] for "after doctor visits".
- text (required): what to remind the user of.
- before (optional): true when the reminder fires before the appointment, false for after. Default false.
- offset (optional): ISO-8601 duration between appointment and reminder, e.g. "PT30M".

This is a multi-turn conversation. You may get partial information; missing fields will be asked later.
Only extract values the user clearly states. Do NOT guess or invent.

Return valid JSON: {"keywords": ["doctor"], "text": "pick up the prescription", "before": false, "offset": "PT15M"}`

type setAppointmentReminderOps struct {
	llm genai.ClientInterface
}

func (o setAppointmentReminderOps) Identify(context.Context, []models.AppointmentReminder, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o setAppointmentReminderOps) Extract(ctx context.Context, input ExtractionInput, previous *NewAppointmentReminderInformation) (ExtractionResult[NewAppointmentReminderInformation], error) {
	response, err := o.llm.GenerateJSON(ctx, appointmentReminderExtractionPrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[NewAppointmentReminderInformation]{}, err
	}
	var parsed struct {
		Keywords []string `json:"keywords"`
		Text     string   `json:"text"`
		Before   bool     `json:"before"`
		Offset   string   `json:"offset"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[NewAppointmentReminderInformation]{}, err
	}

	keywords := parsed.Keywords
	text := parsed.Text
	if previous != nil {
		if len(keywords) == 0 {
			keywords = previous.Keywords
		}
		if text == "" {
			text = previous.Text
		}
	}

	var missing []string
	if len(keywords) == 0 {
		missing = append(missing, "keywords")
	}
	if text == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		result := ExtractionResult[NewAppointmentReminderInformation]{MissingFields: missing}
		switch {
		case len(keywords) == 0 && text == "":
			result.Question = "Which appointments is this about, and what should the reminder say?"
		case len(keywords) == 0:
			result.Question = "Which appointments should trigger the reminder?"
		default:
			result.Question = "What should the reminder say?"
		}
		return result, nil
	}

	offset := models.DefaultAppointmentReminderOffset
	if d, err := util.ParseISODuration(parsed.Offset); err == nil && d > 0 {
		offset = d
	}
	return ExtractionResult[NewAppointmentReminderInformation]{Data: &NewAppointmentReminderInformation{
		Keywords: keywords,
		Text:     text,
		Offset:   offset,
		Before:   parsed.Before,
	}}, nil
}

// NewSetAppointmentReminderHandler builds the SetAppointmentReminder
// subtask handler.
func NewSetAppointmentReminderHandler(llm genai.ClientInterface, reminders AppointmentReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[NewAppointmentReminderInformation, models.AppointmentReminder]{
		Intent:  IntentSetAppointmentReminder,
		Ops:     setAppointmentReminderOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *NewAppointmentReminderInformation) (string, map[string]any, error) {
			reminder := models.AppointmentReminder{
				ID:                      uuid.NewString(),
				Owner:                   friendshipID,
				MatchingTitleKeywords:   entity.Keywords,
				Text:                    entity.Text,
				Offset:                  entity.Offset,
				RemindBeforeAppointment: entity.Before,
				CreatedAt:               time.Now(),
			}
			if err := reminders.SaveAppointmentReminder(ctx, reminder); err != nil {
				return "", nil, err
			}
			bus.Publish(events.AppointmentReminderSet{Reminder: reminder})
			prompt := fmt.Sprintf("Confirm the reminder %q fires %s %s appointments matching %s.",
				reminder.Text, reminder.Offset, beforeAfter(reminder.RemindBeforeAppointment),
				strings.Join(reminder.MatchingTitleKeywords, ", "))
			return prompt, map[string]any{"createdAppointmentReminderID": reminder.ID}, nil
		},
		DataQuestion: "Which appointments is this about, and what should the reminder say?",
	}
}

func appointmentReminderCandidates(reminders []models.AppointmentReminder) []Candidate {
	out := make([]Candidate, 0, len(reminders))
	for _, r := range reminders {
		out = append(out, Candidate{
			ID: r.ID,
			Description: fmt.Sprintf("%s appointments matching %s: %q",
				beforeAfter(r.RemindBeforeAppointment), strings.Join(r.MatchingTitleKeywords, ", "), r.Text),
		})
	}
	return out
}

// AppointmentReminderChange is the extraction target for updating an
// appointment reminder.
type AppointmentReminderChange struct {
	Keywords []string
	Text     *string
	Offset   *time.Duration
	Before   *bool
}

const appointmentReminderChangePrompt = `You are helping the user change an existing appointment reminder.

Extract only what the user wants to change:
- keywords (optional): the new appointment title words.
- text (optional): the new reminder text.
- before (optional): true/false when the user changes before/after.
- offset (optional): the new ISO-8601 offset, e.g. "PT30M".

Only extract values the user clearly states. Do NOT guess or invent.
Return valid JSON with only the changed fields, e.g. {"offset": "PT30M"}`

type updateAppointmentReminderOps struct {
	llm genai.ClientInterface
}

func (o updateAppointmentReminderOps) Identify(ctx context.Context, candidates []models.AppointmentReminder, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdAppointmentReminderID"].(string)
	return IdentifyEntity(ctx, o.llm, appointmentReminderCandidates(candidates), input, recentID)
}

func (o updateAppointmentReminderOps) Extract(ctx context.Context, input ExtractionInput, previous *AppointmentReminderChange) (ExtractionResult[AppointmentReminderChange], error) {
	response, err := o.llm.GenerateJSON(ctx, appointmentReminderChangePrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[AppointmentReminderChange]{}, err
	}
	var parsed struct {
		Keywords []string `json:"keywords"`
		Text     *string  `json:"text"`
		Before   *bool    `json:"before"`
		Offset   string   `json:"offset"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[AppointmentReminderChange]{}, err
	}

	var change AppointmentReminderChange
	if previous != nil {
		change = *previous
	}
	if len(parsed.Keywords) > 0 {
		change.Keywords = parsed.Keywords
	}
	if parsed.Text != nil && *parsed.Text != "" {
		change.Text = parsed.Text
	}
	if parsed.Before != nil {
		change.Before = parsed.Before
	}
	if d, err := util.ParseISODuration(parsed.Offset); err == nil && d > 0 {
		change.Offset = &d
	}
	if len(change.Keywords) == 0 && change.Text == nil && change.Before == nil && change.Offset == nil {
		return ExtractionResult[AppointmentReminderChange]{
			MissingFields: []string{"change"},
			Question:      "What should change about the appointment reminder?",
		}, nil
	}
	return ExtractionResult[AppointmentReminderChange]{Data: &change}, nil
}

// NewUpdateAppointmentReminderHandler builds the UpdateAppointmentReminder
// subtask handler.
func NewUpdateAppointmentReminderHandler(llm genai.ClientInterface, reminders AppointmentReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[AppointmentReminderChange, models.AppointmentReminder]{
		Intent:  IntentUpdateAppointmentReminder,
		Ops:     updateAppointmentReminderOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.AppointmentReminder, error) {
			return reminders.ListAppointmentReminders(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, change *AppointmentReminderChange) (string, map[string]any, error) {
			reminder, err := reminders.GetAppointmentReminder(ctx, friendshipID, id)
			if err != nil {
				return "", nil, err
			}
			if len(change.Keywords) > 0 {
				reminder.MatchingTitleKeywords = change.Keywords
			}
			if change.Text != nil {
				reminder.Text = *change.Text
			}
			if change.Before != nil {
				reminder.RemindBeforeAppointment = *change.Before
			}
			if change.Offset != nil {
				reminder.Offset = *change.Offset
			}
			if err := reminders.SaveAppointmentReminder(ctx, reminder); err != nil {
				return "", nil, err
			}
			bus.Publish(events.AppointmentReminderUpdated{Reminder: reminder})
			prompt := fmt.Sprintf("Confirm the reminder now fires %s %s appointments matching %s.",
				reminder.Offset, beforeAfter(reminder.RemindBeforeAppointment),
				strings.Join(reminder.MatchingTitleKeywords, ", "))
			return prompt, nil, nil
		},
		NoMatchPrompt: "Tell the user there is no appointment reminder to change.",
		DataQuestion:  "What should change about the appointment reminder?",
	}
}

type removeAppointmentReminderOps struct {
	llm genai.ClientInterface
}

func (o removeAppointmentReminderOps) Identify(ctx context.Context, candidates []models.AppointmentReminder, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdAppointmentReminderID"].(string)
	return IdentifyEntity(ctx, o.llm, appointmentReminderCandidates(candidates), input, recentID)
}

func (o removeAppointmentReminderOps) Extract(context.Context, ExtractionInput, *removalTarget) (ExtractionResult[removalTarget], error) {
	return ExtractionResult[removalTarget]{Data: &removalTarget{}}, nil
}

// NewRemoveAppointmentReminderHandler builds the RemoveAppointmentReminder
// subtask handler.
func NewRemoveAppointmentReminderHandler(llm genai.ClientInterface, reminders AppointmentReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[removalTarget, models.AppointmentReminder]{
		Intent:  IntentRemoveAppointmentReminder,
		Ops:     removeAppointmentReminderOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.AppointmentReminder, error) {
			return reminders.ListAppointmentReminders(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, _ *removalTarget) (string, map[string]any, error) {
			if err := reminders.DeleteAppointmentReminder(ctx, friendshipID, id); err != nil {
				return "", nil, err
			}
			bus.Publish(events.AppointmentReminderUnset{Owner: friendshipID, ReminderID: id})
			return "Confirm the appointment reminder was removed.", nil, nil
		},
		NoMatchPrompt: "Tell the user there is no appointment reminder to remove.",
	}
}

type listAppointmentRemindersHandler struct {
	reminders AppointmentReminderRepository
}

// NewListAppointmentRemindersHandler builds the ListAppointmentReminders
// subtask handler.
func NewListAppointmentRemindersHandler(reminders AppointmentReminderRepository) SubtaskHandler {
	return &listAppointmentRemindersHandler{reminders: reminders}
}

func (h *listAppointmentRemindersHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentListAppointmentReminders
}

func (h *listAppointmentRemindersHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	all, err := h.reminders.ListAppointmentReminders(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(all) == 0 {
		return SubtaskSuccess(subtask, "Tell the user they have no appointment reminders.")
	}
	var b strings.Builder
	b.WriteString("List the user's appointment reminders:\n")
	for _, r := range all {
		fmt.Fprintf(&b, "- %s %s appointments matching %s: %q\n",
			r.Offset, beforeAfter(r.RemindBeforeAppointment), strings.Join(r.MatchingTitleKeywords, ", "), r.Text)
	}
	return SubtaskSuccess(subtask, b.String())
}

func (h *listAppointmentRemindersHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("listing appointment reminders failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}
