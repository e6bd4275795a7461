package interaction

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

// ExtractionInput bundles the conversation state an entity operation sees:
// the original text, any pending clarification question and the user's
// answer to it, and the friend's local time context.
type ExtractionInput struct {
	RawText      string
	Question     string
	Answer       string
	FriendshipID models.FriendshipID
	Location     *time.Location
	MessageTime  time.Time
}

// Conversation renders the input as the multi-turn text block extraction
// prompts embed.
func (in ExtractionInput) Conversation() string {
	var b strings.Builder
	b.WriteString("\"" + in.RawText + "\"")
	if in.Question != "" {
		b.WriteString("\n---\n\"" + in.Question + "\"")
	}
	if in.Answer != "" {
		b.WriteString("\n---\n\"" + in.Answer + "\"")
	}
	return b.String()
}

// ExtractionResult carries the structured data pulled out of free text.
// Data stays nil while required fields are missing.
type ExtractionResult[E any] struct {
	Data          *E
	MissingFields []string
	Question      string
}

// Complete reports whether extraction produced a usable entity.
func (r ExtractionResult[E]) Complete() bool {
	return r.Data != nil && len(r.MissingFields) == 0 && r.Question == ""
}

// EntityOps is the per-entity half of a CRUD handler: LLM extraction of
// the entity's fields and identification of which existing entity a
// message targets. Create-style handlers return a zero IDResolution from
// Identify since no existing entity is involved.
type EntityOps[E any, F any] interface {
	Extract(ctx context.Context, input ExtractionInput, previous *E) (ExtractionResult[E], error)
	Identify(ctx context.Context, candidates []F, input ExtractionInput, goalCtx models.GoalContext) (IDResolution, error)
}

// CrudHandler is the uniform subtask handler skeleton shared by every
// entity family: extract structured parameters, clarify what is missing,
// identify the target entity, then mutate the repository and confirm.
type CrudHandler[E any, F any] struct {
	Intent  models.Intent
	Ops     EntityOps[E, F]
	Friends FriendLedger
	// Load returns the candidate entities for identification.
	Load func(ctx context.Context, friendshipID models.FriendshipID) ([]F, error)
	// Apply performs the mutation and returns the confirmation prompt plus
	// goal context parameters (e.g. the created entity's id, so a later
	// subtask in the same goal can reference "the timer").
	Apply func(ctx context.Context, friendshipID models.FriendshipID, id string, entity *E) (string, map[string]any, error)
	// DataQuestion is asked when extraction cannot say what is missing.
	DataQuestion string
	// NoMatchPrompt is the response when identification found nothing.
	NoMatchPrompt string
}

func (h *CrudHandler[E, F]) CanHandle(intent models.Intent) bool { return intent == h.Intent }

// Handle runs the extract-clarify-identify-mutate pipeline for a fresh
// subtask.
func (h *CrudHandler[E, F]) Handle(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskResult {
	slog.Info("Processing subtask", "intent", subtask.Intent, "friendship_id", friendshipID)
	input, ok := h.input(ctx, subtask, goalCtx, friendshipID, "", "")
	if !ok {
		return SubtaskFailure("missing rawText", subtask)
	}

	outcome, err := h.run(ctx, subtask, goalCtx, friendshipID, input)
	if err != nil {
		return SubtaskFailure(err.Error(), outcome.subtask)
	}
	switch {
	case outcome.noMatch:
		return SubtaskSuccess(outcome.subtask, h.noMatchPrompt())
	case outcome.question != "":
		return SubtaskNeedsClarification(outcome.subtask, outcome.question)
	default:
		result := SubtaskSuccess(outcome.subtask, outcome.successPrompt)
		result.ContextParameters = outcome.contextParams
		return result
	}
}

// TryResolveClarification re-runs the pipeline with the combined original
// text, the question asked, and the user's answer.
func (h *CrudHandler[E, F]) TryResolveClarification(ctx context.Context, subtask models.Subtask, question models.SubtaskClarificationQuestion, answer models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult {
	input, ok := h.input(ctx, subtask, goalCtx, friendshipID, question.Text, answer.Text)
	if !ok {
		return ClarificationFailure("missing rawText", subtask)
	}

	outcome, err := h.run(ctx, subtask, goalCtx, friendshipID, input)
	if err != nil {
		return ClarificationFailure(err.Error(), outcome.subtask)
	}
	switch {
	case outcome.noMatch:
		return ClarificationResolved(outcome.subtask, h.noMatchPrompt())
	case outcome.question != "":
		return ClarificationStillNeeded(outcome.subtask, outcome.question)
	default:
		result := ClarificationResolved(outcome.subtask, outcome.successPrompt)
		result.ContextParameters = outcome.contextParams
		return result
	}
}

type crudOutcome struct {
	subtask       models.Subtask
	question      string
	successPrompt string
	noMatch       bool
	contextParams map[string]any
}

func (h *CrudHandler[E, F]) run(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID, input ExtractionInput) (crudOutcome, error) {
	var candidates []F
	if h.Load != nil {
		var err error
		candidates, err = h.Load(ctx, friendshipID)
		if err != nil {
			return crudOutcome{subtask: subtask}, err
		}
	}

	idResult, err := h.Ops.Identify(ctx, candidates, input, goalCtx)
	if err != nil {
		return crudOutcome{subtask: subtask}, err
	}
	dataResult, err := h.Ops.Extract(ctx, input, previousData[E](subtask))
	if err != nil {
		return crudOutcome{subtask: subtask}, err
	}
	if dataResult.Data != nil {
		subtask = subtask.WithParameter("entityData", *dataResult.Data)
	}
	if idResult.ID != "" {
		subtask = subtask.WithParameter("id", idResult.ID)
	}

	if idResult.NoMatch() && h.NoMatchPrompt != "" {
		return crudOutcome{subtask: subtask, noMatch: true}, nil
	}
	if !dataResult.Complete() || idResult.NeedsClarification() {
		return crudOutcome{subtask: subtask, question: h.clarificationQuestion(idResult, dataResult)}, nil
	}

	prompt, contextParams, err := h.Apply(ctx, friendshipID, idResult.ID, dataResult.Data)
	if err != nil {
		return crudOutcome{subtask: subtask}, err
	}
	return crudOutcome{subtask: subtask, successPrompt: prompt, contextParams: contextParams}, nil
}

func (h *CrudHandler[E, F]) input(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID, question, answer string) (ExtractionInput, bool) {
	rawText := subtask.StringParameter(ParamRawText)
	if rawText == "" {
		return ExtractionInput{}, false
	}

	loc := time.UTC
	if friend, err := h.Friends.GetFriend(ctx, friendshipID); err == nil {
		loc = friend.Location()
	}
	messageTime := time.Now()
	if goalCtx.OriginalMessage != nil && !goalCtx.OriginalMessage.ReceivedAt.IsZero() {
		messageTime = goalCtx.OriginalMessage.ReceivedAt
	}
	return ExtractionInput{
		RawText:      rawText,
		Question:     question,
		Answer:       answer,
		FriendshipID: friendshipID,
		Location:     loc,
		MessageTime:  messageTime,
	}, true
}

func (h *CrudHandler[E, F]) clarificationQuestion(idResult IDResolution, dataResult ExtractionResult[E]) string {
	var parts []string
	if idResult.NeedsClarification() {
		parts = append(parts, idResult.Question)
	}
	if !dataResult.Complete() {
		q := dataResult.Question
		if q == "" {
			q = h.DataQuestion
		}
		if q == "" {
			q = "What exactly do you want to do?"
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

func (h *CrudHandler[E, F]) noMatchPrompt() string {
	if h.NoMatchPrompt != "" {
		return h.NoMatchPrompt
	}
	return "Tell the user nothing matching was found."
}

func previousData[E any](subtask models.Subtask) *E {
	if v, ok := subtask.Parameters["entityData"].(E); ok {
		return &v
	}
	return nil
}
