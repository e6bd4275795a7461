package interaction

import (
	"context"
	"log/slog"
	"strings"

	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// GoalAchiever drives a goal's subtasks forward. Subtasks run in order; a
// clarification question pauses the run until the user answers.
type GoalAchiever struct {
	llm      genai.ClientInterface
	handlers []SubtaskHandler
}

// NewGoalAchiever builds an achiever over the given subtask handlers.
func NewGoalAchiever(llm genai.ClientInterface, handlers ...SubtaskHandler) *GoalAchiever {
	return &GoalAchiever{llm: llm, handlers: handlers}
}

func (a *GoalAchiever) handlerFor(intent models.Intent) (SubtaskHandler, bool) {
	for _, h := range a.handlers {
		if h.CanHandle(intent) {
			return h, true
		}
	}
	return nil, false
}

// Advance executes every open subtask in order and returns the updated
// context plus the prompts describing what happened. A subtask that asks a
// question stops the run; the remaining subtasks wait for the next turn.
func (a *GoalAchiever) Advance(ctx context.Context, goalCtx models.GoalContext, friendshipID models.FriendshipID) (models.GoalContext, []string) {
	var prompts []string
	for _, st := range goalCtx.Subtasks {
		if st.Status.Terminal() || st.NeedsClarification() {
			continue
		}
		handler, ok := a.handlerFor(st.Intent)
		if !ok {
			slog.Warn("No subtask handler", "intent", st.Intent)
			goalCtx = goalCtx.ReplaceSubtask(st.WithStatus(models.SubtaskFailed))
			prompts = append(prompts, "Apologize that "+st.Description+" is not something you can do right now.")
			continue
		}
		result := handler.Handle(ctx, st, goalCtx, friendshipID)
		goalCtx = mergeSubtaskResult(goalCtx, result.Updated, result.ContextParameters)
		if result.SuccessPrompt != "" {
			prompts = append(prompts, result.SuccessPrompt)
		}
		if result.Clarification != nil {
			goalCtx.ClarificationQuestions = append(goalCtx.ClarificationQuestions, *result.Clarification)
			break
		}
	}
	return goalCtx, prompts
}

// HandleClarification feeds the user's answer into the subtask blocked on the
// oldest pending question. An answer that abandons the subtask closes it as
// aborted and the goal moves on.
func (a *GoalAchiever) HandleClarification(ctx context.Context, goalCtx models.GoalContext, answer models.UserMessage, friendshipID models.FriendshipID) (models.GoalContext, []string) {
	if len(goalCtx.ClarificationQuestions) == 0 {
		return goalCtx, nil
	}
	question := goalCtx.ClarificationQuestions[0]
	subtask, ok := goalCtx.SubtaskByID(question.RelatedSubtask)
	if !ok {
		return goalCtx.RemoveClarificationFor(question.RelatedSubtask), nil
	}

	if a.wantsToAbort(ctx, question.Text, answer.Text) {
		goalCtx = goalCtx.RemoveClarificationFor(subtask.ID)
		goalCtx = goalCtx.ReplaceSubtask(subtask.WithStatus(models.SubtaskAborted))
		return goalCtx, []string{"Acknowledge dropping " + subtask.Description + "."}
	}

	handler, ok := a.handlerFor(subtask.Intent)
	if !ok {
		goalCtx = goalCtx.RemoveClarificationFor(subtask.ID)
		goalCtx = goalCtx.ReplaceSubtask(subtask.WithStatus(models.SubtaskFailed))
		return goalCtx, []string{"Apologize that " + subtask.Description + " is not something you can do right now."}
	}

	result := handler.TryResolveClarification(ctx, subtask, question, answer, goalCtx, friendshipID)
	goalCtx = goalCtx.RemoveClarificationFor(subtask.ID)
	goalCtx = mergeSubtaskResult(goalCtx, result.Updated, result.ContextParameters)
	if result.ProcessingError {
		return goalCtx, []string{"Apologize that something went wrong with " + subtask.Description + " and suggest trying again."}
	}
	if result.Clarification != nil {
		goalCtx.ClarificationQuestions = append(goalCtx.ClarificationQuestions, *result.Clarification)
		return goalCtx, nil
	}
	var prompts []string
	if result.SuccessPrompt != "" {
		prompts = append(prompts, result.SuccessPrompt)
	}
	return goalCtx, prompts
}

func mergeSubtaskResult(goalCtx models.GoalContext, updated models.Subtask, params map[string]any) models.GoalContext {
	goalCtx = goalCtx.ReplaceSubtask(updated)
	if len(params) > 0 {
		if goalCtx.Parameters == nil {
			goalCtx.Parameters = make(map[string]any, len(params))
		}
		for k, v := range params {
			goalCtx.Parameters[k] = v
		}
	}
	return goalCtx
}

var abortPhrases = []string{
	"never mind",
	"nevermind",
	"forget it",
	"forget about it",
	"skip it",
	"drop it",
	"cancel",
	"don't bother",
	"doesn't matter",
}

const abortCheckPrompt = `A user was asked a clarification question and replied. Decide whether the
reply means they want to ABANDON what they were doing rather than answer.
Respond with exactly "yes" or "no".`

// wantsToAbort checks known abort phrases first so short answers never need a
// model round trip, then asks the model about anything ambiguous.
func (a *GoalAchiever) wantsToAbort(ctx context.Context, question, answer string) bool {
	lowered := strings.ToLower(answer)
	for _, phrase := range abortPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	response, err := a.llm.Generate(ctx, abortCheckPrompt, "Question: "+question+"\nReply: "+answer)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(response)), "yes")
}
