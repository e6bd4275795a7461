package interaction

import (
	"context"
	"log/slog"

	"github.com/neurospicy/fibi/internal/models"
)

// ParamRawText is the subtask parameter carrying the user's original text.
const ParamRawText = "rawText"

// SubtaskContributor expands one intent into the subtasks achieving it.
// IDs must be deterministic over (friendshipID, intent, messageID) so a
// re-expansion after a retry yields identical identities.
type SubtaskContributor interface {
	ForIntent() models.Intent
	ProvideSubtasks(ctx context.Context, intent models.Intent, friendshipID models.FriendshipID, message models.UserMessage) []models.Subtask
}

// SubtaskRegistry maps intents to their contributors.
type SubtaskRegistry struct {
	contributors map[models.Intent]SubtaskContributor
}

// NewSubtaskRegistry builds a registry from the given contributors.
func NewSubtaskRegistry(contributors ...SubtaskContributor) *SubtaskRegistry {
	r := &SubtaskRegistry{contributors: make(map[models.Intent]SubtaskContributor, len(contributors))}
	for _, c := range contributors {
		if _, dup := r.contributors[c.ForIntent()]; dup {
			slog.Warn("Duplicate subtask contributor", "intent", c.ForIntent())
		}
		r.contributors[c.ForIntent()] = c
	}
	return r
}

// GenerateSubtasks expands an intent into its subtask list. Unregistered
// intents expand to nothing.
func (r *SubtaskRegistry) GenerateSubtasks(ctx context.Context, intent models.Intent, friendshipID models.FriendshipID, message models.UserMessage) []models.Subtask {
	c, ok := r.contributors[intent]
	if !ok {
		slog.Debug("No subtask contributor for intent", "intent", intent)
		return nil
	}
	return c.ProvideSubtasks(ctx, intent, friendshipID, message)
}

// RawTextContributor is the common single-subtask contributor: one subtask
// of the same intent, carrying the message text for handler extraction.
type RawTextContributor struct {
	Intent models.Intent
}

func (c RawTextContributor) ForIntent() models.Intent { return c.Intent }

func (c RawTextContributor) ProvideSubtasks(_ context.Context, intent models.Intent, friendshipID models.FriendshipID, message models.UserMessage) []models.Subtask {
	return []models.Subtask{{
		ID:          models.SubtaskIDFrom(friendshipID, intent, message.ID),
		Intent:      intent,
		Description: intent.String(),
		Parameters:  map[string]any{ParamRawText: message.Text},
		Status:      models.SubtaskPending,
	}}
}

// SubtaskHandler executes subtasks of the intents it owns.
type SubtaskHandler interface {
	CanHandle(intent models.Intent) bool
	Handle(ctx context.Context, subtask models.Subtask, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskResult
	TryResolveClarification(ctx context.Context, subtask models.Subtask, question models.SubtaskClarificationQuestion, answer models.UserMessage, goalCtx models.GoalContext, friendshipID models.FriendshipID) SubtaskClarificationResult
}

// SubtaskResult is the outcome of one Handle call.
type SubtaskResult struct {
	// SuccessPrompt feeds the response generator when the subtask made
	// user-visible progress.
	SuccessPrompt string
	Clarification *models.SubtaskClarificationQuestion
	Updated       models.Subtask
	// ContextParameters are merged into GoalContext.Parameters, making
	// results of earlier subtasks visible to later ones.
	ContextParameters map[string]any
}

// SubtaskFailure closes the subtask as Failed. The error stays internal;
// the user sees a conversational message, never a raw error.
func SubtaskFailure(reason string, subtask models.Subtask) SubtaskResult {
	slog.Error("Subtask failed", "intent", subtask.Intent, "reason", reason)
	return SubtaskResult{
		Updated:       subtask.WithStatus(models.SubtaskFailed),
		SuccessPrompt: "Apologize that something went wrong with " + subtask.Description + " and suggest trying again.",
	}
}

// SubtaskNeedsClarification blocks the subtask on a question.
func SubtaskNeedsClarification(subtask models.Subtask, question string) SubtaskResult {
	return SubtaskResult{
		Clarification: &models.SubtaskClarificationQuestion{Text: question, RelatedSubtask: subtask.ID},
		Updated:       subtask.WithStatus(models.SubtaskInClarification),
	}
}

// SubtaskSuccess completes the subtask.
func SubtaskSuccess(subtask models.Subtask, successPrompt string) SubtaskResult {
	return SubtaskResult{
		SuccessPrompt: successPrompt,
		Updated:       subtask.WithStatus(models.SubtaskCompleted),
	}
}

// SubtaskClarificationResult is the outcome of TryResolveClarification.
type SubtaskClarificationResult struct {
	Clarification     *models.SubtaskClarificationQuestion
	SuccessPrompt     string
	ProcessingError   bool
	Updated           models.Subtask
	ContextParameters map[string]any
}

// ClarificationStillNeeded keeps the subtask blocked with a refined question.
func ClarificationStillNeeded(subtask models.Subtask, question string) SubtaskClarificationResult {
	return SubtaskClarificationResult{
		Clarification: &models.SubtaskClarificationQuestion{Text: question, RelatedSubtask: subtask.ID},
		Updated:       subtask.WithStatus(models.SubtaskInClarification),
	}
}

// ClarificationFailure reports an unrecoverable processing error.
func ClarificationFailure(reason string, subtask models.Subtask) SubtaskClarificationResult {
	slog.Error("Subtask clarification failed", "intent", subtask.Intent, "reason", reason)
	return SubtaskClarificationResult{
		ProcessingError: true,
		Updated:         subtask.WithStatus(models.SubtaskFailed),
	}
}

// ClarificationResolved completes the subtask with the user's answer folded in.
func ClarificationResolved(subtask models.Subtask, successPrompt string) SubtaskClarificationResult {
	return SubtaskClarificationResult{
		SuccessPrompt: successPrompt,
		Updated:       subtask.WithStatus(models.SubtaskCompleted),
	}
}
