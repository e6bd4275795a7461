package interaction

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/util"
)

// NewTimerInformation is the extraction target for setting a timer.
type NewTimerInformation struct {
	Duration time.Duration
	Label    string
}

// TimerChange is the extraction target for updating a timer.
type TimerChange struct {
	Duration *time.Duration
	Label    *string
}

const timerExtractionPrompt = `You are helping the user set a timer.

A timer needs:
- duration (required): how long to wait before the timer rings, ISO-8601 duration format.
- label (optional): what the timer is for.

This is a multi-turn conversation. You may get partial information; missing fields will be asked later.
Only extract values the user clearly states. Do NOT guess or invent.

Return valid JSON: {"duration": "PT15M", "label": "cook pasta"}`

type setTimerOps struct {
	llm genai.ClientInterface
}

func (o setTimerOps) Identify(context.Context, []models.Timer, ExtractionInput, models.GoalContext) (IDResolution, error) {
	return IDResolution{}, nil
}

func (o setTimerOps) Extract(ctx context.Context, input ExtractionInput, previous *NewTimerInformation) (ExtractionResult[NewTimerInformation], error) {
	response, err := o.llm.GenerateJSON(ctx, timerExtractionPrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[NewTimerInformation]{}, err
	}
	var parsed struct {
		Duration string `json:"duration"`
		Label    string `json:"label"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[NewTimerInformation]{}, err
	}

	label := parsed.Label
	if label == "" && previous != nil {
		label = previous.Label
	}
	duration, ok := parseTimerDuration(parsed.Duration)
	if !ok && previous != nil && previous.Duration > 0 {
		duration, ok = previous.Duration, true
	}
	if !ok {
		return ExtractionResult[NewTimerInformation]{
			Data:          nil,
			MissingFields: []string{"duration"},
			Question:      "For what duration should the timer run?",
		}, nil
	}
	return ExtractionResult[NewTimerInformation]{Data: &NewTimerInformation{Duration: duration, Label: label}}, nil
}

// parseTimerDuration accepts ISO-8601 durations and plain minute counts.
func parseTimerDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := util.ParseISODuration(s); err == nil && d > 0 {
		return d, true
	}
	if minutes, err := strconv.Atoi(s); err == nil && minutes > 0 {
		return time.Duration(minutes) * time.Minute, true
	}
	return 0, false
}

// NewSetTimerHandler builds the SetTimer subtask handler.
func NewSetTimerHandler(llm genai.ClientInterface, timers TimerRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[NewTimerInformation, models.Timer]{
		Intent:  IntentSetTimer,
		Ops:     setTimerOps{llm: llm},
		Friends: friends,
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, _ string, entity *NewTimerInformation) (string, map[string]any, error) {
			timer := models.Timer{
				ID:        uuid.NewString(),
				Owner:     friendshipID,
				Label:     entity.Label,
				Duration:  entity.Duration,
				StartedAt: time.Now(),
			}
			if err := timers.SaveTimer(ctx, timer); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TimerSet{Timer: timer})
			prompt := fmt.Sprintf("Confirm the timer is set for %s%s.", entity.Duration, labelSuffix(entity.Label))
			return prompt, map[string]any{"createdTimerID": timer.ID}, nil
		},
		DataQuestion: "For what duration should the timer run?",
	}
}

func labelSuffix(label string) string {
	if label == "" {
		return ""
	}
	return fmt.Sprintf(" (%q)", label)
}

func timerCandidates(timers []models.Timer) []Candidate {
	out := make([]Candidate, 0, len(timers))
	for _, t := range timers {
		desc := fmt.Sprintf("timer for %s, rings at %s", t.Duration, t.ExpiresAt().Format("15:04:05"))
		if t.Label != "" {
			desc = fmt.Sprintf("%q %s", t.Label, desc)
		}
		out = append(out, Candidate{ID: t.ID, Description: desc})
	}
	return out
}

const timerChangePrompt = `You are helping the user change a running timer.

Extract only what the user wants to change:
- duration (optional): the new duration in ISO-8601 format.
- label (optional): the new label.

Only extract values the user clearly states. Do NOT guess or invent.
Return valid JSON: {"duration": "PT10M", "label": ""}`

type updateTimerOps struct {
	llm genai.ClientInterface
}

func (o updateTimerOps) Identify(ctx context.Context, candidates []models.Timer, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdTimerID"].(string)
	return IdentifyEntity(ctx, o.llm, timerCandidates(candidates), input, recentID)
}

func (o updateTimerOps) Extract(ctx context.Context, input ExtractionInput, previous *TimerChange) (ExtractionResult[TimerChange], error) {
	response, err := o.llm.GenerateJSON(ctx, timerChangePrompt, "Conversation:\n"+input.Conversation())
	if err != nil {
		return ExtractionResult[TimerChange]{}, err
	}
	var parsed struct {
		Duration string `json:"duration"`
		Label    string `json:"label"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return ExtractionResult[TimerChange]{}, err
	}

	var change TimerChange
	if previous != nil {
		change = *previous
	}
	if d, ok := parseTimerDuration(parsed.Duration); ok {
		change.Duration = &d
	}
	if parsed.Label != "" {
		change.Label = &parsed.Label
	}
	if change.Duration == nil && change.Label == nil {
		return ExtractionResult[TimerChange]{
			MissingFields: []string{"change"},
			Question:      "What should change about the timer, its duration or its label?",
		}, nil
	}
	return ExtractionResult[TimerChange]{Data: &change}, nil
}

// NewUpdateTimerHandler builds the UpdateTimer subtask handler.
func NewUpdateTimerHandler(llm genai.ClientInterface, timers TimerRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[TimerChange, models.Timer]{
		Intent:  IntentUpdateTimer,
		Ops:     updateTimerOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Timer, error) {
			return timers.ListTimers(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, change *TimerChange) (string, map[string]any, error) {
			timer, err := timers.GetTimer(ctx, friendshipID, id)
			if err != nil {
				return "", nil, err
			}
			if change.Duration != nil {
				timer.Duration = *change.Duration
			}
			if change.Label != nil {
				timer.Label = *change.Label
			}
			if err := timers.SaveTimer(ctx, timer); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TimerUpdated{Timer: timer})
			return fmt.Sprintf("Confirm the timer now runs for %s%s.", timer.Duration, labelSuffix(timer.Label)), nil, nil
		},
		NoMatchPrompt: "Tell the user there is no running timer to change.",
		DataQuestion:  "What should change about the timer?",
	}
}

type removeTimerOps struct {
	llm genai.ClientInterface
}

// removalTarget is an empty extraction target: removal only needs the id.
type removalTarget struct{}

func (o removeTimerOps) Identify(ctx context.Context, candidates []models.Timer, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error) {
	recentID, _ := goalCtx.Parameters["createdTimerID"].(string)
	return IdentifyEntity(ctx, o.llm, timerCandidates(candidates), input, recentID)
}

func (o removeTimerOps) Extract(context.Context, ExtractionInput, *removalTarget) (ExtractionResult[removalTarget], error) {
	return ExtractionResult[removalTarget]{Data: &removalTarget{}}, nil
}

// NewRemoveTimerHandler builds the RemoveTimer subtask handler.
func NewRemoveTimerHandler(llm genai.ClientInterface, timers TimerRepository, friends FriendLedger, bus *events.Bus) SubtaskHandler {
	return &CrudHandler[removalTarget, models.Timer]{
		Intent:  IntentRemoveTimer,
		Ops:     removeTimerOps{llm: llm},
		Friends: friends,
		Load: func(ctx context.Context, friendshipID models.FriendshipID) ([]models.Timer, error) {
			return timers.ListTimers(ctx, friendshipID)
		},
		Apply: func(ctx context.Context, friendshipID models.FriendshipID, id string, _ *removalTarget) (string, map[string]any, error) {
			if err := timers.DeleteTimer(ctx, friendshipID, id); err != nil {
				return "", nil, err
			}
			bus.Publish(events.TimerRemoved{Owner: friendshipID, TimerID: id})
			return "Confirm the timer was cancelled.", nil, nil
		},
		NoMatchPrompt: "Tell the user there is no running timer to cancel.",
	}
}

// listTimersHandler answers ListTimers without any LLM involvement.
type listTimersHandler struct {
	timers TimerRepository
}

// NewListTimersHandler builds the ListTimers subtask handler.
func NewListTimersHandler(timers TimerRepository) SubtaskHandler {
	return &listTimersHandler{timers: timers}
}

func (h *listTimersHandler) CanHandle(intent models.Intent) bool { return intent == IntentListTimers }

func (h *listTimersHandler) Handle(ctx context.Context, subtask models.Subtask, _ models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	all, err := h.timers.ListTimers(ctx, friendshipID)
	if err != nil {
		return SubtaskFailure(err.Error(), subtask)
	}
	if len(all) == 0 {
		return SubtaskSuccess(subtask, "Tell the user no timers are running.")
	}
	var b strings.Builder
	b.WriteString("List the user's running timers:\n")
	for _, t := range all {
		fmt.Fprintf(&b, "- %s rings at %s%s\n", t.Duration, t.ExpiresAt().Format("15:04:05"), labelSuffix(t.Label))
	}
	return SubtaskSuccess(subtask, b.String())
}

func (h *listTimersHandler) TryResolveClarification(ctx context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, _ models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	result := h.Handle(ctx, subtask, goalCtx, friendshipID)
	if result.Updated.Status == models.SubtaskFailed {
		return ClarificationFailure("listing timers failed", subtask)
	}
	return ClarificationResolved(result.Updated, result.SuccessPrompt)
}
