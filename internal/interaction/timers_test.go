package interaction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/store"
)

func TestSetTimerHandlerCreatesTimer(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	var setEvents []events.TimerSet
	bus.SubscribeSync(events.KindTimerSet, func(ev events.Event) {
		setEvents = append(setEvents, ev.(events.TimerSet))
	})

	llm := &fakeLLM{
		generateJSON: func(system, user string) (string, error) {
			return `{"duration": "PT5M", "label": "eggs"}`, nil
		},
	}
	handler := NewSetTimerHandler(llm, st, st, bus)

	subtask := rawTextSubtask(fid, IntentSetTimer, "Set a timer for 5 minutes for the eggs")
	result := handler.Handle(ctx, subtask, models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	timers, err := st.ListTimers(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(timers) != 1 {
		t.Fatalf("got %d timers, want 1", len(timers))
	}
	if timers[0].Duration != 5*time.Minute {
		t.Errorf("duration = %s, want 5m", timers[0].Duration)
	}
	if timers[0].Label != "eggs" {
		t.Errorf("label = %q, want eggs", timers[0].Label)
	}
	if len(setEvents) != 1 {
		t.Fatalf("got %d TimerSet events, want 1", len(setEvents))
	}
	if id, _ := result.ContextParameters["createdTimerID"].(string); id != timers[0].ID {
		t.Errorf("createdTimerID = %q, want %q", id, timers[0].ID)
	}
}

func TestSetTimerHandlerAsksForMissingDuration(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	llm := &fakeLLM{
		generateJSON: func(system, user string) (string, error) {
			return `{"duration": "", "label": "tea"}`, nil
		},
	}
	handler := NewSetTimerHandler(llm, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetTimer, "set a tea timer"), models.EmptyGoalContext(), fid)

	if result.Clarification == nil {
		t.Fatal("expected a clarification question")
	}
	if !strings.Contains(strings.ToLower(result.Clarification.Text), "duration") {
		t.Errorf("question = %q, want it to ask for the duration", result.Clarification.Text)
	}
	if result.Updated.Status != models.SubtaskInClarification {
		t.Errorf("status = %s, want InClarification", result.Updated.Status)
	}
	if timers, _ := st.ListTimers(ctx, fid); len(timers) != 0 {
		t.Errorf("got %d timers, want none before clarification resolves", len(timers))
	}
}

func TestSetTimerClarificationResolvesWithAnswer(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	llm := &fakeLLM{
		generateJSON: func(system, user string) (string, error) {
			if strings.Contains(user, "5 minutes") {
				return `{"duration": "PT5M", "label": "tea"}`, nil
			}
			return `{"duration": "", "label": "tea"}`, nil
		},
	}
	handler := NewSetTimerHandler(llm, st, st, events.NewBus())

	subtask := rawTextSubtask(fid, IntentSetTimer, "set a tea timer")
	first := handler.Handle(ctx, subtask, models.EmptyGoalContext(), fid)
	if first.Clarification == nil {
		t.Fatal("expected a clarification question")
	}

	answer := models.UserMessage{ID: "msg-2", Text: "5 minutes", ReceivedAt: time.Now()}
	resolved := handler.TryResolveClarification(ctx, first.Updated, *first.Clarification, answer, models.EmptyGoalContext(), fid)

	if resolved.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", resolved.Updated.Status)
	}
	timers, _ := st.ListTimers(ctx, fid)
	if len(timers) != 1 || timers[0].Duration != 5*time.Minute {
		t.Fatalf("timers = %v, want one 5m timer", timers)
	}
}

func TestParseTimerDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"PT15M", 15 * time.Minute, true},
		{"PT1H30M", 90 * time.Minute, true},
		{"10", 10 * time.Minute, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, c := range cases {
		got, ok := parseTimerDuration(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("parseTimerDuration(%q) = (%s, %v), want (%s, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestRemoveTimerSingleCandidateNeedsNoIdentification(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	timer := models.Timer{ID: "t1", Owner: fid, Duration: 10 * time.Minute, StartedAt: time.Now()}
	if err := st.SaveTimer(ctx, timer); err != nil {
		t.Fatal(err)
	}

	var removed []events.TimerRemoved
	bus.SubscribeSync(events.KindTimerRemoved, func(ev events.Event) {
		removed = append(removed, ev.(events.TimerRemoved))
	})

	// A single candidate resolves without any model round trip.
	handler := NewRemoveTimerHandler(&fakeLLM{}, st, st, bus)
	result := handler.Handle(ctx, rawTextSubtask(fid, IntentRemoveTimer, "cancel the timer"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if timers, _ := st.ListTimers(ctx, fid); len(timers) != 0 {
		t.Errorf("got %d timers, want 0", len(timers))
	}
	if len(removed) != 1 || removed[0].TimerID != "t1" {
		t.Errorf("removed events = %v, want one for t1", removed)
	}
}

func TestRemoveTimerNothingRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	handler := NewRemoveTimerHandler(&fakeLLM{}, st, st, events.NewBus())
	result := handler.Handle(ctx, rawTextSubtask(fid, IntentRemoveTimer, "cancel the timer"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "no running timer") {
		t.Errorf("prompt = %q, want the no-match response", result.SuccessPrompt)
	}
}

func TestListTimersEmpty(t *testing.T) {
	fid := models.FriendshipID("friend-1")
	handler := NewListTimersHandler(store.NewInMemoryStore())

	result := handler.Handle(context.Background(), rawTextSubtask(fid, IntentListTimers, "list my timers"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "no timers") {
		t.Errorf("prompt = %q, want the empty-list response", result.SuccessPrompt)
	}
}
