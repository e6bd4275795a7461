package interaction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// MaxClarificationAge bounds how long a pending clarification stays
// answerable. An older question is dropped and the message starts fresh.
const MaxClarificationAge = 15 * time.Minute

const responsePrompt = `You are Fibi, a warm, concise personal assistant chatting over a messenger.
Turn the given notes into one short, natural reply to the user. Never mention
the notes, internal state or errors. Plain text, no markdown.`

// Orchestrator is the top-level controller for incoming messages: it loads
// the friend's goal context, routes the message through clarification
// resolution or classification, advances subtasks and sends the reply.
type Orchestrator struct {
	llm        genai.ClientInterface
	classifier *Classifier
	refiner    *GoalRefiner
	achiever   *GoalAchiever
	contexts   GoalContextRepository
	history    ConversationLog
	bus        *events.Bus

	mu    sync.Mutex
	locks map[models.FriendshipID]*sync.Mutex
}

// NewOrchestrator wires the orchestration pipeline. history may be nil;
// classification then sees only the goal context's own turns.
func NewOrchestrator(llm genai.ClientInterface, classifier *Classifier, refiner *GoalRefiner, achiever *GoalAchiever, contexts GoalContextRepository, history ConversationLog, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		llm:        llm,
		classifier: classifier,
		refiner:    refiner,
		achiever:   achiever,
		contexts:   contexts,
		history:    history,
		bus:        bus,
		locks:      make(map[models.FriendshipID]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(friendshipID models.FriendshipID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[friendshipID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[friendshipID] = l
	}
	return l
}

// OnMessage processes one inbound message for a friend. Messages of the same
// friendship are serialized; different friendships proceed concurrently.
func (o *Orchestrator) OnMessage(ctx context.Context, friendshipID models.FriendshipID, message models.UserMessage) {
	lock := o.lockFor(friendshipID)
	lock.Lock()
	defer lock.Unlock()

	goalCtx, err := o.contexts.GetGoalContext(ctx, friendshipID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Orchestrator failed to load goal context", "friendship_id", friendshipID, "error", err)
			o.respond(ctx, friendshipID, message, nil, "Apologize briefly that something went wrong and ask the user to try again.")
			return
		}
		goalCtx = models.EmptyGoalContext()
	}
	goalCtx = dropStaleClarifications(goalCtx, message.ReceivedAt)

	recent := o.recentTurns(ctx, friendshipID)
	o.recordTurn(ctx, friendshipID, models.ConversationTurn{
		Author: models.AuthorUser,
		Text:   message.Text,
		At:     message.ReceivedAt,
	})

	var prompts []string
	switch {
	case goalCtx.PendingGoalClarification():
		refinement, err := o.refiner.HandleGoalClarification(ctx, goalCtx, message, friendshipID)
		if err != nil {
			slog.Warn("Goal clarification handling failed", "friendship_id", friendshipID, "error", err)
			o.respond(ctx, friendshipID, message, nil, "Ask the user to say more precisely what they would like to do.")
			return
		}
		goalCtx = refinement.Context
		prompts = refinement.Prompts

	case goalCtx.PendingSubtaskClarification():
		if signalsCancellation(message.Text) {
			goalCtx = clearedContext(goalCtx)
			prompts = []string{"Acknowledge that the current request is dropped."}
			break
		}
		goalCtx, prompts = o.achiever.HandleClarification(ctx, goalCtx, message, friendshipID)

	default:
		turns := conversationTurns(goalCtx)
		if len(turns) == 0 {
			turns = historyTurns(recent)
		}
		var classifications []IntentClassification
		if len(turns) > 0 {
			classifications = o.classifier.ClassifyConversation(ctx, turns, message)
		} else {
			classifications = o.classifier.ClassifyMessage(ctx, message)
		}
		refinement, err := o.refiner.Refine(ctx, goalCtx, classifications, message, friendshipID)
		if err != nil {
			slog.Warn("Goal determination failed", "friendship_id", friendshipID, "error", err)
			o.respond(ctx, friendshipID, message, nil, "Ask the user to say more precisely what they would like to do.")
			return
		}
		goalCtx = refinement.Context
		prompts = refinement.Prompts
	}

	if goalCtx.Goal != nil && !goalCtx.PendingGoalClarification() && !goalCtx.PendingSubtaskClarification() {
		var advancePrompts []string
		goalCtx, advancePrompts = o.achiever.Advance(ctx, goalCtx, friendshipID)
		prompts = append(prompts, advancePrompts...)
	}

	var question string
	if goalCtx.PendingSubtaskClarification() {
		question = goalCtx.ClarificationQuestions[0].Text
	}

	if goalCtx.Goal != nil && goalCtx.AllSubtasksClosed() && !goalCtx.PendingGoalClarification() && question == "" {
		if err := o.contexts.ClearGoalContext(ctx, friendshipID); err != nil {
			slog.Error("Orchestrator failed to clear goal context", "friendship_id", friendshipID, "error", err)
		}
	} else {
		goalCtx.LastUpdated = time.Now()
		if _, err := o.contexts.SaveGoalContext(ctx, friendshipID, goalCtx); err != nil {
			if errors.Is(err, models.ErrStaleContext) {
				slog.Warn("Orchestrator lost goal context race", "friendship_id", friendshipID)
			} else {
				slog.Error("Orchestrator failed to save goal context", "friendship_id", friendshipID, "error", err)
			}
		}
	}

	o.respond(ctx, friendshipID, message, prompts, question)
}

// respond renders and sends the turn's reply. A pending clarification
// question is delivered verbatim so the user sees exactly what is missing;
// everything else goes through the response generator.
func (o *Orchestrator) respond(ctx context.Context, friendshipID models.FriendshipID, message models.UserMessage, prompts []string, question string) {
	var text string
	switch {
	case question != "" && len(prompts) == 0:
		text = question
	case question != "":
		text = o.render(ctx, message, prompts) + "\n" + question
	case len(prompts) > 0:
		text = o.render(ctx, message, prompts)
	default:
		return
	}
	o.bus.Publish(events.SendMessageRequest{
		FriendshipID: friendshipID,
		Channel:      message.Channel,
		Text:         text,
		ReplyTo:      message.ID,
	})
	o.recordTurn(ctx, friendshipID, models.ConversationTurn{
		Author: models.AuthorAssistant,
		Text:   text,
		At:     time.Now(),
	})
}

// conversationWindow is how many history turns feed the classifier.
const conversationWindow = 12

func (o *Orchestrator) recentTurns(ctx context.Context, friendshipID models.FriendshipID) []models.ConversationTurn {
	if o.history == nil {
		return nil
	}
	turns, err := o.history.RecentConversation(ctx, friendshipID, conversationWindow)
	if err != nil {
		slog.Warn("Orchestrator failed to load conversation history", "friendship_id", friendshipID, "error", err)
		return nil
	}
	return turns
}

func (o *Orchestrator) recordTurn(ctx context.Context, friendshipID models.FriendshipID, turn models.ConversationTurn) {
	if o.history == nil {
		return
	}
	if err := o.history.AppendConversationTurn(ctx, friendshipID, turn); err != nil {
		slog.Warn("Orchestrator failed to record conversation turn", "friendship_id", friendshipID, "error", err)
	}
}

func historyTurns(recent []models.ConversationTurn) []string {
	out := make([]string, 0, len(recent))
	for _, turn := range recent {
		label := "User"
		if turn.Author == models.AuthorAssistant {
			label = "Assistant"
		}
		out = append(out, label+": "+turn.Text)
	}
	return out
}

func (o *Orchestrator) render(ctx context.Context, message models.UserMessage, prompts []string) string {
	notes := strings.Join(prompts, "\n")
	response, err := o.llm.Generate(ctx, responsePrompt, "User message: "+message.Text+"\nNotes:\n"+notes)
	if err != nil {
		slog.Warn("Response generation failed, sending notes as-is", "error", err)
		return notes
	}
	return strings.TrimSpace(response)
}

// dropStaleClarifications resets a context whose pending question went
// unanswered for too long, so the new message is treated as a fresh request.
func dropStaleClarifications(goalCtx models.GoalContext, now time.Time) models.GoalContext {
	if !goalCtx.PendingGoalClarification() && !goalCtx.PendingSubtaskClarification() {
		return goalCtx
	}
	if now.Sub(goalCtx.LastUpdated) <= MaxClarificationAge {
		return goalCtx
	}
	slog.Info("Dropping stale clarification", "age", now.Sub(goalCtx.LastUpdated))
	return clearedContext(goalCtx)
}

// conversationTurns reconstructs the dialog so far for classifying a message
// that arrives while a goal is running. Empty when no goal is active.
func conversationTurns(goalCtx models.GoalContext) []string {
	if goalCtx.Goal == nil || goalCtx.OriginalMessage == nil {
		return nil
	}
	turns := []string{"User: " + goalCtx.OriginalMessage.Text}
	for _, q := range goalCtx.ClarificationQuestions {
		turns = append(turns, "Assistant: "+q.Text)
	}
	return turns
}

// signalsCancellation spots an explicit cancellation in a clarification
// answer. Softer abort phrases only close the one blocked subtask; those are
// recognized further down.
func signalsCancellation(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "cancel") || strings.Contains(lowered, "stop this")
}
