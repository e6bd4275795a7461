package interaction

import (
	"context"
	"strings"
	"testing"

	"github.com/neurospicy/fibi/internal/models"
)

// stubHandler returns canned results for one intent.
type stubHandler struct {
	intent  models.Intent
	handle  func(subtask models.Subtask) SubtaskResult
	resolve func(subtask models.Subtask, answer models.UserMessage) SubtaskClarificationResult
}

func (h *stubHandler) CanHandle(intent models.Intent) bool { return intent == h.intent }

func (h *stubHandler) Handle(_ context.Context, subtask models.Subtask, _ models.GoalContext, _ models.FriendshipID) SubtaskResult {
	if h.handle == nil {
		return SubtaskSuccess(subtask, "done")
	}
	return h.handle(subtask)
}

func (h *stubHandler) TryResolveClarification(_ context.Context, subtask models.Subtask, _ models.SubtaskClarificationQuestion, answer models.UserMessage, _ models.GoalContext, _ models.FriendshipID) SubtaskClarificationResult {
	if h.resolve == nil {
		return ClarificationResolved(subtask, "resolved")
	}
	return h.resolve(subtask, answer)
}

func goalContextWith(fid models.FriendshipID, subtasks ...models.Subtask) models.GoalContext {
	goalCtx := models.EmptyGoalContext()
	goal := models.NewGoal(subtasks[0].Intent)
	goalCtx.Goal = &goal
	goalCtx.Subtasks = subtasks
	return goalCtx
}

func TestAdvanceRunsSubtasksInOrder(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	var order []models.Intent
	achiever := NewGoalAchiever(&fakeLLM{},
		&stubHandler{intent: "First", handle: func(st models.Subtask) SubtaskResult {
			order = append(order, st.Intent)
			return SubtaskSuccess(st, "first done")
		}},
		&stubHandler{intent: "Second", handle: func(st models.Subtask) SubtaskResult {
			order = append(order, st.Intent)
			return SubtaskSuccess(st, "second done")
		}},
	)

	goalCtx := goalContextWith(fid,
		rawTextSubtask(fid, "First", "x"),
		rawTextSubtask(fid, "Second", "x"),
	)
	goalCtx, prompts := achiever.Advance(context.Background(), goalCtx, fid)

	if len(order) != 2 || order[0] != "First" || order[1] != "Second" {
		t.Fatalf("execution order = %v", order)
	}
	if !goalCtx.AllSubtasksClosed() {
		t.Error("expected all subtasks closed")
	}
	if len(prompts) != 2 {
		t.Errorf("got %d prompts, want 2", len(prompts))
	}
}

func TestAdvanceStopsAtClarification(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	achiever := NewGoalAchiever(&fakeLLM{},
		&stubHandler{intent: "First", handle: func(st models.Subtask) SubtaskResult {
			return SubtaskNeedsClarification(st, "which one?")
		}},
		&stubHandler{intent: "Second"},
	)

	goalCtx := goalContextWith(fid,
		rawTextSubtask(fid, "First", "x"),
		rawTextSubtask(fid, "Second", "x"),
	)
	goalCtx, _ = achiever.Advance(context.Background(), goalCtx, fid)

	if len(goalCtx.ClarificationQuestions) != 1 {
		t.Fatalf("got %d questions, want 1", len(goalCtx.ClarificationQuestions))
	}
	second, _ := goalCtx.SubtaskByID(goalCtx.Subtasks[1].ID)
	if second.Status != models.SubtaskPending {
		t.Errorf("second subtask status = %s, want Pending while first is blocked", second.Status)
	}
}

func TestAdvanceFailsSubtaskWithoutHandler(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	achiever := NewGoalAchiever(&fakeLLM{})

	goalCtx := goalContextWith(fid, rawTextSubtask(fid, "NoSuchIntent", "x"))
	goalCtx, prompts := achiever.Advance(context.Background(), goalCtx, fid)

	if goalCtx.Subtasks[0].Status != models.SubtaskFailed {
		t.Fatalf("status = %s, want Failed", goalCtx.Subtasks[0].Status)
	}
	if len(prompts) != 1 || !strings.Contains(prompts[0], "Apologize") {
		t.Errorf("prompts = %v, want an apology", prompts)
	}
}

func TestHandleClarificationAbortPhrase(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	subtask := rawTextSubtask(fid, "First", "x").WithStatus(models.SubtaskInClarification)
	achiever := NewGoalAchiever(&fakeLLM{}, &stubHandler{intent: "First"})

	goalCtx := goalContextWith(fid, subtask)
	goalCtx.ClarificationQuestions = []models.SubtaskClarificationQuestion{{Text: "which one?", RelatedSubtask: subtask.ID}}

	goalCtx, prompts := achiever.HandleClarification(context.Background(), goalCtx, models.UserMessage{ID: "m2", Text: "never mind"}, fid)

	if goalCtx.Subtasks[0].Status != models.SubtaskAborted {
		t.Fatalf("status = %s, want Aborted", goalCtx.Subtasks[0].Status)
	}
	if goalCtx.PendingSubtaskClarification() {
		t.Error("question should be removed after abort")
	}
	if len(prompts) != 1 || !strings.Contains(prompts[0], "dropping") {
		t.Errorf("prompts = %v, want the drop acknowledgement", prompts)
	}
	if !goalCtx.AllSubtasksClosed() {
		t.Error("aborted subtask should close the goal")
	}
}

func TestHandleClarificationResolvesAnswer(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	subtask := rawTextSubtask(fid, "First", "x").WithStatus(models.SubtaskInClarification)

	llm := &fakeLLM{generate: func(system, user string) (string, error) { return "no", nil }}
	achiever := NewGoalAchiever(llm, &stubHandler{
		intent: "First",
		resolve: func(st models.Subtask, answer models.UserMessage) SubtaskClarificationResult {
			if answer.Text != "the blue one" {
				t.Errorf("answer = %q", answer.Text)
			}
			return ClarificationResolved(st, "picked it")
		},
	})

	goalCtx := goalContextWith(fid, subtask)
	goalCtx.ClarificationQuestions = []models.SubtaskClarificationQuestion{{Text: "which one?", RelatedSubtask: subtask.ID}}

	goalCtx, prompts := achiever.HandleClarification(context.Background(), goalCtx, models.UserMessage{ID: "m2", Text: "the blue one"}, fid)

	if goalCtx.Subtasks[0].Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", goalCtx.Subtasks[0].Status)
	}
	if len(prompts) != 1 || prompts[0] != "picked it" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestTerminalSubtasksAreNeverRerun(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	calls := 0
	achiever := NewGoalAchiever(&fakeLLM{}, &stubHandler{intent: "First", handle: func(st models.Subtask) SubtaskResult {
		calls++
		return SubtaskSuccess(st, "done")
	}})

	goalCtx := goalContextWith(fid, rawTextSubtask(fid, "First", "x"))
	goalCtx, _ = achiever.Advance(context.Background(), goalCtx, fid)
	goalCtx, _ = achiever.Advance(context.Background(), goalCtx, fid)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func terminalCount(goalCtx models.GoalContext) int {
	n := 0
	for _, st := range goalCtx.Subtasks {
		if st.Status.Terminal() {
			n++
		}
	}
	return n
}

func TestTerminalSubtaskCountNeverDecreases(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	llm := &fakeLLM{generate: func(system, user string) (string, error) { return "no", nil }}
	achiever := NewGoalAchiever(llm,
		&stubHandler{intent: "First"},
		&stubHandler{intent: "Second", handle: func(st models.Subtask) SubtaskResult {
			return SubtaskNeedsClarification(st, "which one?")
		}},
		&stubHandler{intent: "Third", handle: func(st models.Subtask) SubtaskResult {
			return SubtaskFailure("backend down", st)
		}},
	)

	goalCtx := goalContextWith(fid,
		rawTextSubtask(fid, "First", "x"),
		rawTextSubtask(fid, "Second", "x"),
		rawTextSubtask(fid, "Third", "x"),
	)

	prev := 0
	check := func(turn string) {
		t.Helper()
		n := terminalCount(goalCtx)
		if n < prev {
			t.Fatalf("%s: terminal subtasks went from %d to %d", turn, prev, n)
		}
		prev = n
	}
	ctx := context.Background()

	goalCtx, _ = achiever.Advance(ctx, goalCtx, fid)
	check("first advance")
	if prev != 1 {
		t.Fatalf("terminal subtasks after first advance = %d, want 1", prev)
	}

	answer := models.UserMessage{ID: "m2", Text: "the red one"}
	goalCtx, _ = achiever.HandleClarification(ctx, goalCtx, answer, fid)
	check("clarification answer")

	goalCtx, _ = achiever.Advance(ctx, goalCtx, fid)
	check("second advance")

	if prev != 3 {
		t.Fatalf("terminal subtasks = %d, want all 3", prev)
	}
	if !goalCtx.AllSubtasksClosed() {
		t.Error("a goal whose last subtask failed must still close")
	}
}
