package interaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/store"
)

type orchestratorFixture struct {
	orch     *Orchestrator
	st       *store.InMemoryStore
	bus      *events.Bus
	outbound *outboundLog
	fid      models.FriendshipID
}

// newOrchestratorFixture wires the full pipeline over the in-memory store,
// with the given LLM fake behind every model call.
func newOrchestratorFixture(t *testing.T, llm *fakeLLM) *orchestratorFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	if err := st.SaveFriend(context.Background(), models.Friend{ID: fid, Number: "+491700000000", Timezone: "UTC", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	registry := NewIntentRegistry()
	RegisterDomainIntents(registry)
	classifier := NewClassifier(llm, registry)
	refiner := NewGoalRefiner(llm, NewSubtaskRegistry(DefaultContributors()...))
	achiever := NewGoalAchiever(llm,
		NewSetTimerHandler(llm, st, st, bus),
		NewRemoveTimerHandler(llm, st, st, bus),
		NewListTimersHandler(st),
		NewSetAppointmentReminderHandler(llm, st, st, bus),
		NewListAppointmentRemindersHandler(st),
		NewListRemindersHandler(st),
		NewRegisterCalendarHandler(llm, st, st, bus),
	)

	return &orchestratorFixture{
		orch:     NewOrchestrator(llm, classifier, refiner, achiever, st, st, bus),
		st:       st,
		bus:      bus,
		outbound: captureOutbound(bus),
		fid:      fid,
	}
}

func (f *orchestratorFixture) message(id, text string) models.UserMessage {
	return models.UserMessage{ID: models.MessageID(id), Text: text, Channel: models.ChannelSignal, ReceivedAt: time.Now()}
}

// routedLLM dispatches on the system prompt so one fake serves the
// classifier, the extractors and the response generator at once.
func routedLLM(t *testing.T, classifyJSON string, extract func(system string) (string, error)) *fakeLLM {
	t.Helper()
	return &fakeLLM{
		generate: func(system, user string) (string, error) {
			switch {
			case strings.Contains(system, "ABANDON"):
				return "no", nil
			case strings.Contains(system, "You are Fibi"):
				return "rendered: " + user, nil
			default:
				t.Errorf("unexpected Generate system prompt: %q", system)
				return "", nil
			}
		},
		generateJSON: func(system, user string) (string, error) {
			if strings.Contains(system, "You classify") {
				return classifyJSON, nil
			}
			return extract(system)
		},
	}
}

func TestOrchestratorSetsTimerEndToEnd(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "SetTimer", "confidence": 0.95}]}`,
		func(system string) (string, error) {
			return `{"duration": "PT5M", "label": "eggs"}`, nil
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "Set a timer for 5 minutes for the eggs"))

	timers, err := f.st.ListTimers(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(timers) != 1 || timers[0].Duration != 5*time.Minute || timers[0].Label != "eggs" {
		t.Fatalf("timers = %+v, want one 5m eggs timer", timers)
	}

	goalCtx, err := f.st.GetGoalContext(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if goalCtx.Goal != nil {
		t.Error("goal context should be cleared once the goal completed")
	}

	out := f.outbound.last(t)
	if out.ReplyTo != "m1" || out.Channel != models.ChannelSignal {
		t.Errorf("outbound = %+v, want a reply on signal to m1", out)
	}
	if !strings.Contains(out.Text, "rendered:") {
		t.Errorf("reply %q should come from the response generator", out.Text)
	}
}

func TestOrchestratorSetsAppointmentReminderEndToEnd(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "SetAppointmentReminder", "confidence": 0.9}]}`,
		func(system string) (string, error) {
			return `{"keywords": ["doctor"], "text": "pick up the prescription", "before": false, "offset": ""}`, nil
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "After doctor appointments, remind me to pick up my prescription"))

	reminders, err := f.st.ListAppointmentReminders(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 1 {
		t.Fatalf("got %d appointment reminders, want 1", len(reminders))
	}
	r := reminders[0]
	if r.Text != "pick up the prescription" {
		t.Errorf("text = %q", r.Text)
	}
	if r.RemindBeforeAppointment {
		t.Error("reminder should fire after the appointment")
	}
	if r.Offset != models.DefaultAppointmentReminderOffset {
		t.Errorf("offset = %s, want the default", r.Offset)
	}
	if !r.Matches("Doctor visit") {
		t.Error("reminder should match appointments titled with the keyword")
	}
}

func TestOrchestratorClarifiesMissingTimerDuration(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "SetTimer", "confidence": 0.95}]}`,
		func(system string) (string, error) {
			return `{"duration": "", "label": ""}`, nil
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "set a timer"))

	out := f.outbound.last(t)
	if !strings.Contains(strings.ToLower(out.Text), "what") {
		t.Errorf("reply = %q, want the clarification question verbatim", out.Text)
	}

	goalCtx, err := f.st.GetGoalContext(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if !goalCtx.PendingSubtaskClarification() {
		t.Fatal("goal context should persist the pending question")
	}

	// Answering resolves the clarification and creates the timer.
	llm.generateJSON = func(system, user string) (string, error) {
		if strings.Contains(system, "You classify") {
			t.Error("a clarification answer must not be re-classified")
		}
		return `{"duration": "PT5M", "label": ""}`, nil
	}
	f.orch.OnMessage(ctx, f.fid, f.message("m2", "5 minutes"))

	timers, _ := f.st.ListTimers(ctx, f.fid)
	if len(timers) != 1 || timers[0].Duration != 5*time.Minute {
		t.Fatalf("timers = %+v, want one 5m timer after the answer", timers)
	}
	goalCtx, _ = f.st.GetGoalContext(ctx, f.fid)
	if goalCtx.Goal != nil {
		t.Error("goal context should be cleared after completion")
	}
}

func TestOrchestratorCancelDuringClarificationDropsGoal(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "RegisterCalendar", "confidence": 0.9}]}`,
		func(system string) (string, error) {
			return `{"url": ""}`, nil
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "please register my calendar"))

	out := f.outbound.last(t)
	if !strings.Contains(out.Text, "URL") {
		t.Fatalf("reply = %q, want the URL question", out.Text)
	}

	f.orch.OnMessage(ctx, f.fid, f.message("m2", "never mind, cancel"))

	goalCtx, err := f.st.GetGoalContext(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if goalCtx.Goal != nil || goalCtx.PendingSubtaskClarification() {
		t.Error("cancellation should clear the goal and its questions")
	}
	configs, _ := f.st.ListCalendarConfigs(ctx, f.fid)
	if len(configs) != 0 {
		t.Errorf("got %d calendar configs, want none", len(configs))
	}
	if !strings.Contains(f.outbound.last(t).Text, "rendered:") {
		t.Error("cancellation should be acknowledged")
	}
}

func TestOrchestratorStaleClarificationStartsFresh(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "ListTimers", "confidence": 0.9}]}`,
		func(system string) (string, error) {
			return `{}`, nil
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	// A question asked long ago must not swallow the new message.
	stale := goalContextWith(f.fid, rawTextSubtask(f.fid, IntentSetTimer, "set a timer").WithStatus(models.SubtaskInClarification))
	stale.ClarificationQuestions = []models.SubtaskClarificationQuestion{{Text: "For what duration?", RelatedSubtask: stale.Subtasks[0].ID}}
	stale.LastUpdated = time.Now().Add(-time.Hour)
	if _, err := f.st.SaveGoalContext(ctx, f.fid, stale); err != nil {
		t.Fatal(err)
	}

	f.orch.OnMessage(ctx, f.fid, f.message("m9", "what timers do I have?"))

	goalCtx, _ := f.st.GetGoalContext(ctx, f.fid)
	if goalCtx.PendingSubtaskClarification() {
		t.Error("stale question should have been dropped")
	}
	if !strings.Contains(f.outbound.last(t).Text, "rendered:") {
		t.Error("the fresh request should have been answered")
	}
}

func TestOrchestratorFeedsHistoryIntoClassification(t *testing.T) {
	var classifyPrompts []string
	llm := &fakeLLM{
		generate: func(system, user string) (string, error) {
			if strings.Contains(system, "You are Fibi") {
				return "rendered: " + user, nil
			}
			return "no", nil
		},
		generateJSON: func(system, user string) (string, error) {
			if strings.Contains(system, "You classify") {
				classifyPrompts = append(classifyPrompts, user)
				return `{"intents": [{"intent": "ListTimers", "confidence": 0.9}]}`, nil
			}
			return `{}`, nil
		},
	}
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "Any timers running?"))
	f.orch.OnMessage(ctx, f.fid, f.message("m2", "And now?"))

	if len(classifyPrompts) != 2 {
		t.Fatalf("classifier called %d times, want 2", len(classifyPrompts))
	}
	if strings.Contains(classifyPrompts[0], "Conversation:") {
		t.Error("the first message has no history to classify against")
	}
	second := classifyPrompts[1]
	if !strings.Contains(second, "Conversation:") {
		t.Fatalf("second classification should carry the dialog: %q", second)
	}
	if !strings.Contains(second, "User: Any timers running?") {
		t.Errorf("earlier user turn missing from prompt: %q", second)
	}
	if !strings.Contains(second, "Assistant: rendered:") {
		t.Errorf("assistant reply missing from prompt: %q", second)
	}
	if !strings.Contains(second, `User: "And now?"`) {
		t.Errorf("final message missing from prompt: %q", second)
	}
}

func TestOrchestratorClearsGoalWhenAllSubtasksFail(t *testing.T) {
	llm := routedLLM(t,
		`{"intents": [{"intent": "SetTimer", "confidence": 0.95}]}`,
		func(system string) (string, error) {
			return "", errors.New("model unavailable")
		})
	f := newOrchestratorFixture(t, llm)
	ctx := context.Background()

	f.orch.OnMessage(ctx, f.fid, f.message("m1", "Set a timer for 30 seconds"))

	goalCtx, err := f.st.GetGoalContext(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if goalCtx.Goal != nil {
		t.Fatalf("goal %q still open after its only subtask failed", goalCtx.Goal.Intent)
	}
	if !strings.Contains(f.outbound.last(t).Text, "rendered:") {
		t.Error("the failed run should still apologize to the user")
	}

	timers, err := f.st.ListTimers(ctx, f.fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(timers) != 0 {
		t.Fatalf("timers = %+v, want none", timers)
	}
}
