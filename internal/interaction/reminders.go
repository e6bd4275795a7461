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
)

// NewReminderInformation is the extraction target for setting a time-based
// reminder.
type NewReminderInformation struct {
	At   time.Time
	Text string
}

// ReminderChange is the extraction target for updating a reminder.
type ReminderChange struct {
	At   *time.Time
	Text *string
}

const reminderExtractionPrompt = `You are helping the user set a reminder for a specific date and time.

A reminder needs:
- at (required): the date and time to remind, format "2006-01-02 15:04" in the user's local time. Resolve relative phrases like "tomorrow 8am" against the reference time given below.
- text (required): what to remind the user of.

This is a multi-turn conversation. You may get partial information; missing fields will be asked later.
Only extract values the user clearly states. Do NOT guess or invent.

Return valid JSON: {"at": "2026-03-02 08:00", "text": "clean the dishes"}`

// localTimestamp is the wire format extraction prompts use for instants.
const localTimestamp = "2006-01-02 15:04"

func parseLocalTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(localTimestamp, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type setReminderOps struct {
	llm genai.ClientInterface
}

func (o setReminderOps) Identify(context.Context, []models.Reminder, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o setReminderOps) Extract(ctx context.Context, input ExtractionInput, previous *NewReminderInformation) (ExtractionResult[NewReminderInformation], error) {
	userPrompt := fmt.Sprintf("Reference time: %s\n\nConversation:\n%s",
		input.MessageTime.In(input.Location).Format(localTimestamp), input.Conversation())
	response, err := o.llm.GenerateJSON(ctx, reminderExtractionPrompt, userPrompt)
	if err != nil {
		return ExtractionResult[NewReminderInformation]{}, err
	}
	var parsed struct {
		At   string `json:"at"`
		Text string `json:"text"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[NewReminderInformation]{}, err
	}

	at, haveAt := parseLocalTimestamp(parsed.At, input.Location)
	text := parsed.Text
	if previous != nil {
		if !haveAt && !previous.At.IsZero() {
			at, haveAt = previous.At, true
		}
		if text == "" {
			text = previous.Text
		}
	}

	var missing []string
	if !haveAt {
		missing = append(missing, "at")
	}
	if text == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		result := ExtractionResult[NewReminderInformation]{MissingFields: missing}
		switch {
		case !haveAt && text == "":
			result.Question = "When should the reminder fire, and what should it say?"
		case !haveAt:
			result.Question = "When should the reminder fire?"
		default:
			result.Question = "What should the reminder say?"
		}
		return result, nil
	}
	return ExtractionResult[NewReminderInformation]{Data: &NewReminderInformation{At: at, Text: text}}, nil
}

// NewSetReminderHandler builds the SetTimeBasedReminder subtask handler.
func NewSetReminderHandler(llm genai.ClientInterface, reminders ReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[NewReminderInformation, models.Reminder]{
		Intent:  IntentSetReminder,
		Ops:     setReminderOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *NewReminderInformation) (string, map[string]any, error) {
			now := time.Now()
			reminder := models.Reminder{
				ID:        uuid.NewString(),
				Owner:     friendshipID,
				Text:      entity.Text,
				At:        entity.At,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := reminders.SaveReminder(ctx, reminder); err != nil {
				return "", nil, err
			}
			bus.Publish(events.ReminderSet{Reminder: reminder})
			prompt := fmt.Sprintf("Confirm the reminder %q is set for %s.", reminder.Text, reminder.At.Format(localTimestamp))
			return prompt, map[string]any{"createdReminderID": reminder.ID}, nil
		},
		DataQuestion: "When should the reminder fire, and what should it say?",
	}
}

func reminderCandidates(reminders []models.Reminder) []Candidate {
	out := make([]Candidate, 0, len(reminders))
	for _, r := range reminders {
		out = append(out, Candidate{
			ID:          r.ID,
			Description: fmt.Sprintf("reminder at %s: %q", r.At.Format(localTimestamp), r.Text),
		})
	}
	return out
}

const reminderChangePrompt = `You are helping the user change an existing reminder.

Extract only what the user wants to change:
- at (optional): the new date and time, format "2006-01-02 15:04" in the user's local time.
- text (optional): the new reminder text.

Only extract values the user clearly states. Do NOT guess or invent.
Return valid JSON: {"at": "", "text": ""}`

type updateReminderOps struct {
	llm genai.ClientInterface
}

func (o updateReminderOps) Identify(ctx context.Context, candidates []models.Reminder, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdReminderID"].(string)
	return IdentifyEntity(ctx, o.llm, reminderCandidates(candidates), input, recentID)
}

func (o updateReminderOps) Extract(ctx context.Context, input ExtractionInput, previous *ReminderChange) (ExtractionResult[ReminderChange], error) {
	userPrompt := fmt.Sprintf("Reference time: %s\n\nConversation:\n%s",
		input.MessageTime.In(input.Location).Format(localTimestamp), input.Conversation())
	response, err := o.llm.GenerateJSON(ctx, reminderChangePrompt, userPrompt)
	if err != nil {
		return ExtractionResult[ReminderChange]{}, err
	}
	var parsed struct {
		At   string `json:"at"`
		Text string `json:"text"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[ReminderChange]{}, err
	}

	var change ReminderChange
	if previous != nil {
		change = *previous
	}
	if at, ok := parseLocalTimestamp(parsed.At, input.Location); ok {
		change.At = &at
	}
	if parsed.Text != "" {
		change.Text = &parsed.Text
	}
	if change.At == nil && change.Text == nil {
		return ExtractionResult[ReminderChange]{
			MissingFields: []string{"change"},
			Question:      "What should change about the reminder, its time or its text?",
		}, nil
	}
	return ExtractionResult[ReminderChange]{Data: &change}, nil
}

// NewUpdateReminderHandler builds the UpdateTimeBasedReminder subtask handler.
func NewUpdateReminderHandler(llm genai.ClientInterface, reminders ReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[ReminderChange, models.Reminder]{
		Intent:  IntentUpdateReminder,
		Ops:     updateReminderOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Reminder, error) {
			return reminders.ListReminders(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, change *ReminderChange) (string, map[string]any, error) {
			reminder, err := reminders.GetReminder(ctx, friendshipID, id)
			if err != nil {
				return "", nil, err
			}
			if change.At != nil {
				reminder.At = *change.At
			}
			if change.Text != nil {
				reminder.Text = *change.Text
			}
			reminder.UpdatedAt = time.Now()
			if err := reminders.SaveReminder(ctx, reminder); err != nil {
				return "", nil, err
			}
			bus.Publish(events.ReminderUpdated{Reminder: reminder})
			prompt := fmt.Sprintf("Confirm the reminder now fires at %s with text %q.", reminder.At.Format(localTimestamp), reminder.Text)
			return prompt, nil, nil
		},
		NoMatchPrompt: "Tell the user there is no reminder to change.",
		DataQuestion:  "What should change about the reminder?",
	}
}

type removeReminderOps struct {
	llm genai.ClientInterface
}

func (o removeReminderOps) Identify(ctx context.Context, candidates []models.Reminder, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdReminderID"].(string)
	return IdentifyEntity(ctx, o.llm, reminderCandidates(candidates), input, recentID)
}

func (o removeReminderOps) Extract(context.Context, ExtractionInput, *removalTarget) (ExtractionResult[removalTarget], error) {
	return ExtractionResult[removalTarget]{Data: &removalTarget{}}, nil
}

// NewRemoveReminderHandler builds the RemoveTimeBasedReminder subtask handler.
func NewRemoveReminderHandler(llm genai.ClientInterface, reminders ReminderRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[removalTarget, models.Reminder]{
		Intent:  IntentRemoveReminder,
		Ops:     removeReminderOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Reminder, error) {
			return reminders.ListReminders(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, _ *removalTarget) (string, map[string]any, error) {
			if err := reminders.DeleteReminder(ctx, friendshipID, id); err != nil {
				return "", nil, err
			}
			bus.Publish(events.ReminderUnset{Owner: friendshipID, ReminderID: id})
			return "Confirm the reminder was removed.", nil, nil
		},
		NoMatchPrompt: "Tell the user there is no reminder to remove.",
	}
}

type listRemindersHandler struct {
	reminders ReminderRepository
}

// NewListRemindersHandler builds the ListTimeBasedReminders subtask handler.
// The general "show my reminders" case fans out into this and the
// appointment-reminder list as two subtasks.
func NewListRemindersHandler(reminders ReminderRepository) SubtaskHandler {
	return &listRemindersHandler{reminders: reminders}
}

func (h *listRemindersHandler) CanHandle(intent models.Intent) bool {
	return intent == IntentListReminders
}

func (h *listRemindersHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	all, err := h.reminders.ListReminders(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(all) == 0 {
		return SubtaskSuccess(subtask, "Tell the user they have no time-based reminders.")
	}
	var b strings.Builder
	b.WriteString("List the user's reminders:\n")
	for _, r := range all {
		fmt.Fprintf(&b, "- %s: %q\n", r.At.Format(localTimestamp), r.Text)
	}
	return SubtaskSuccess(subtask, b.String())
}

func (h *listRemindersHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("listing reminders failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}

func beforeAfter(before bool) string {
	if before {
		return "before"
	}
	return "after"
}
