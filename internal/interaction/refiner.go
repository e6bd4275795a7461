package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// ConfidenceThreshold is the minimum classification confidence for an intent
// to become a goal without asking first.
const ConfidenceThreshold = 0.75

var nonGoalIntents = map[models.Intent]bool{
	models.IntentSmalltalk: true,
	models.IntentUnknown:   true,
	models.IntentFollowUp:  true,
}

// GoalRefiner turns ranked intent classifications into a goal with subtasks,
// guards an active goal against unrelated messages, and resolves pending
// goal clarification questions.
type GoalRefiner struct {
	llm           genai.ClientInterface
	determinators []GoalDeterminator
	subtasks      *SubtaskRegistry
}

// NewGoalRefiner builds a refiner over the given determinators and subtask
// registry.
func NewGoalRefiner(llm genai.ClientInterface, subtasks *SubtaskRegistry, determinators ...GoalDeterminator) *GoalRefiner {
	return &GoalRefiner{llm: llm, determinators: determinators, subtasks: subtasks}
}

// PrimaryIntents keeps the classifications at or above the confidence
// threshold, narrowed to the top-confidence tie set. Nothing confident enough
// yields Unknown.
func (r *GoalRefiner) PrimaryIntents(classifications []IntentClassification) []models.Intent {
	best := 0.0
	for _, c := range classifications {
		if c.Confidence >= ConfidenceThreshold && c.Confidence > best {
			best = c.Confidence
		}
	}
	if best == 0 {
		return []models.Intent{models.IntentUnknown}
	}
	var intents []models.Intent
	for _, c := range classifications {
		if c.Confidence == best {
			intents = append(intents, c.Intent)
		}
	}
	return intents
}

// Refinement is the outcome of one Refine call.
type Refinement struct {
	Context models.GoalContext
	// Prompts feed the response generator for turns that produced no
	// subtask work of their own (smalltalk, cancellation, unclear intent).
	Prompts []string
	// Cancelled reports an explicit CancelGoal.
	Cancelled bool
}

// Refine maps a fresh message's classifications onto the goal context:
// cancellation clears it, unstructured intents leave it alone, goal intents
// create or challenge the active goal.
func (r *GoalRefiner) Refine(ctx context.Context, goalCtx models.GoalContext, classifications []IntentClassification, message models.UserMessage, friendshipID models.FriendshipID) (Refinement, error) {
	primary := r.PrimaryIntents(classifications)

	for _, intent := range primary {
		if intent == models.IntentCancelGoal {
			return Refinement{
				Context:   clearedContext(goalCtx),
				Prompts:   []string{"Acknowledge that the current request is dropped."},
				Cancelled: true,
			}, nil
		}
	}

	if allNonGoal(primary) {
		return Refinement{
			Context: goalCtx,
			Prompts: []string{unstructuredPrompt(primary, goalCtx)},
		}, nil
	}

	if goalCtx.Goal != nil && !goalCtx.AllSubtasksClosed() {
		related, err := r.relatedToActiveGoal(ctx, *goalCtx.Goal, message)
		if err != nil {
			slog.Warn("Goal compatibility check failed", "error", err)
			related = true
		}
		if related {
			return Refinement{Context: goalCtx}, nil
		}
		goalCtx.GoalClarification = &models.GoalClarificationQuestion{
			Prompt:  fmt.Sprintf("You are still working on %s. Should that be dropped in favor of the new request?", goalCtx.Goal.Description),
			Intents: primary,
		}
		return Refinement{
			Context: goalCtx,
			Prompts: []string{goalCtx.GoalClarification.Prompt},
		}, nil
	}

	return r.startGoals(ctx, goalCtx, primary, message, friendshipID)
}

// HandleGoalClarification resolves a pending "switch goals?" question. An
// affirmative answer abandons the active goal and starts the candidate
// intents; anything else keeps the active goal.
func (r *GoalRefiner) HandleGoalClarification(ctx context.Context, goalCtx models.GoalContext, answer models.UserMessage, friendshipID models.FriendshipID) (Refinement, error) {
	question := goalCtx.GoalClarification
	goalCtx.GoalClarification = nil
	if question == nil {
		return Refinement{Context: goalCtx}, nil
	}
	wantsSwitch, err := r.affirmative(ctx, question.Prompt, answer.Text)
	if err != nil {
		return Refinement{Context: goalCtx}, err
	}
	if !wantsSwitch {
		return Refinement{
			Context: goalCtx,
			Prompts: []string{"Confirm you keep going with " + goalCtx.Goal.Description + "."},
		}, nil
	}
	return r.startGoals(ctx, clearedContext(goalCtx), question.Intents, answer, friendshipID)
}

// startGoals determines goals for the given intents and expands them into a
// merged, ordered subtask list.
func (r *GoalRefiner) startGoals(ctx context.Context, goalCtx models.GoalContext, intents []models.Intent, message models.UserMessage, friendshipID models.FriendshipID) (Refinement, error) {
	var goals []models.Goal
	seen := map[models.Intent]bool{}
	for _, intent := range intents {
		determined, err := r.determineGoals(ctx, intent, message, friendshipID)
		if err != nil {
			return Refinement{}, err
		}
		for _, g := range determined {
			if seen[g.Intent] {
				continue
			}
			seen[g.Intent] = true
			goals = append(goals, g)
		}
	}
	if len(goals) == 0 {
		return Refinement{
			Context: goalCtx,
			Prompts: []string{"Ask the user to say more precisely what they would like to do."},
		}, nil
	}

	goalCtx = clearedContext(goalCtx)
	goalCtx.Goal = &goals[0]
	goalCtx.OriginalMessage = &message
	for _, g := range goals {
		for _, st := range r.subtasks.GenerateSubtasks(ctx, g.Intent, friendshipID, message) {
			if _, dup := goalCtx.SubtaskByID(st.ID); dup {
				continue
			}
			goalCtx.Subtasks = append(goalCtx.Subtasks, st)
		}
	}
	return Refinement{Context: goalCtx}, nil
}

func (r *GoalRefiner) determineGoals(ctx context.Context, intent models.Intent, message models.UserMessage, friendshipID models.FriendshipID) ([]models.Goal, error) {
	for _, d := range r.determinators {
		if d.CanHandle(intent) {
			return d.DetermineGoal(ctx, intent, message, friendshipID)
		}
	}
	return []models.Goal{models.NewGoal(intent)}, nil
}

const goalCompatibilityPrompt = `A user is in the middle of a goal with their assistant. Decide whether
their new message still belongs to that goal (an answer, a detail, a
correction) or starts something unrelated. Respond with exactly "yes" if it
belongs to the goal, "no" otherwise.`

func (r *GoalRefiner) relatedToActiveGoal(ctx context.Context, goal models.Goal, message models.UserMessage) (bool, error) {
	response, err := r.llm.Generate(ctx, goalCompatibilityPrompt,
		fmt.Sprintf("Current goal: %s\nNew message: %s", goal.Description, message.Text))
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(response)), "yes"), nil
}

const affirmativePrompt = `A user was asked a yes/no question and replied. Respond with exactly "yes"
if the reply is affirmative, "no" otherwise.`

func (r *GoalRefiner) affirmative(ctx context.Context, question, answer string) (bool, error) {
	response, err := r.llm.Generate(ctx, affirmativePrompt, "Question: "+question+"\nReply: "+answer)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(response)), "yes"), nil
}

func allNonGoal(intents []models.Intent) bool {
	for _, intent := range intents {
		if !nonGoalIntents[intent] {
			return false
		}
	}
	return true
}

func unstructuredPrompt(intents []models.Intent, goalCtx models.GoalContext) string {
	for _, intent := range intents {
		if intent == models.IntentSmalltalk {
			if goalCtx.Goal != nil && !goalCtx.AllSubtasksClosed() {
				return "Respond warmly to the smalltalk and gently steer back to " + goalCtx.Goal.Description + "."
			}
			return "Respond warmly and briefly to the smalltalk."
		}
	}
	return "Ask the user to say more precisely what they would like to do."
}

// clearedContext drops the goal and everything attached to it while keeping
// the persistence version for the compare-and-swap save.
func clearedContext(goalCtx models.GoalContext) models.GoalContext {
	cleared := models.EmptyGoalContext()
	cleared.Version = goalCtx.Version
	return cleared
}
