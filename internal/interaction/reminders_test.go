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

func saveReminder(t *testing.T, st *store.InMemoryStore, fid models.FriendshipID, id, text string, at time.Time) models.Reminder {
	t.Helper()
	now := time.Now()
	reminder := models.Reminder{
		ID:        id,
		Owner:     fid,
		Text:      text,
		At:        at,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SaveReminder(context.Background(), reminder); err != nil {
		t.Fatalf("SaveReminder: %v", err)
	}
	return reminder
}

func TestSetReminderHandlerCreatesReminder(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	var set []events.ReminderSet
	bus.SubscribeSync(events.KindReminderSet, func(ev events.Event) {
		set = append(set, ev.(events.ReminderSet))
	})

	llm := &fakeLLM{generateJSON: func(_, user string) (string, error) {
		if !strings.Contains(user, "Reference time:") {
			t.Errorf("extraction prompt misses the reference time: %q", user)
		}
		return `{"at": "2026-09-01 08:00", "text": "clean the dishes"}`, nil
	}}
	handler := NewSetReminderHandler(llm, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetReminder, "remind me tomorrow at 8 to clean the dishes"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	reminders, err := st.ListReminders(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 1 {
		t.Fatalf("got %d reminders, want 1", len(reminders))
	}
	r := reminders[0]
	if r.Text != "clean the dishes" {
		t.Errorf("text = %q", r.Text)
	}
	want := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	if !r.At.Equal(want) {
		t.Errorf("at = %s, want %s", r.At, want)
	}
	if len(set) != 1 {
		t.Fatalf("got %d ReminderSet events, want 1", len(set))
	}
	if id, _ := result.ContextParameters["createdReminderID"].(string); id != r.ID {
		t.Errorf("createdReminderID = %q, want %q", id, r.ID)
	}
}

func TestSetReminderHandlerAsksForMissingTime(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"at": "", "text": "clean the dishes"}`, nil
	}}
	handler := NewSetReminderHandler(llm, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetReminder, "remind me to clean the dishes"), models.EmptyGoalContext(), fid)

	if result.Clarification == nil {
		t.Fatal("expected a clarification question")
	}
	if !strings.Contains(result.Clarification.Text, "When") {
		t.Errorf("question = %q", result.Clarification.Text)
	}
	if reminders, _ := st.ListReminders(ctx, fid); len(reminders) != 0 {
		t.Errorf("reminder created despite missing time")
	}
}

func TestUpdateReminderMovesTime(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")
	saveReminder(t, st, fid, "rem-1", "clean the dishes", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))

	var updated []events.ReminderUpdated
	bus.SubscribeSync(events.KindReminderUpdated, func(ev events.Event) {
		updated = append(updated, ev.(events.ReminderUpdated))
	})

	// Single candidate, so the only LLM round trip is the change extraction.
	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"at": "2026-09-01 19:00", "text": ""}`, nil
	}}
	handler := NewUpdateReminderHandler(llm, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentUpdateReminder, "move the dishes reminder to 7pm"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	got, err := st.GetReminder(ctx, fid, "rem-1")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 9, 1, 19, 0, 0, 0, time.UTC)
	if !got.At.Equal(want) {
		t.Errorf("at = %s, want %s", got.At, want)
	}
	if got.Text != "clean the dishes" {
		t.Errorf("text changed unexpectedly: %q", got.Text)
	}
	if len(updated) != 1 {
		t.Fatalf("got %d ReminderUpdated events, want 1", len(updated))
	}
}

func TestRemoveReminderDeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")
	saveReminder(t, st, fid, "rem-1", "clean the dishes", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))

	var unset []events.ReminderUnset
	bus.SubscribeSync(events.KindReminderUnset, func(ev events.Event) {
		unset = append(unset, ev.(events.ReminderUnset))
	})

	handler := NewRemoveReminderHandler(&fakeLLM{}, st, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentRemoveReminder, "delete the dishes reminder"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if reminders, _ := st.ListReminders(ctx, fid); len(reminders) != 0 {
		t.Errorf("reminder still present")
	}
	if len(unset) != 1 || unset[0].ReminderID != "rem-1" {
		t.Errorf("ReminderUnset events = %+v", unset)
	}
}

func TestRemoveReminderNothingToRemove(t *testing.T) {
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")
	st := store.NewInMemoryStore()

	handler := NewRemoveReminderHandler(&fakeLLM{}, st, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentRemoveReminder, "delete my reminder"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "no reminder") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}

func TestListRemindersShowsTimeAndText(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	saveReminder(t, st, fid, "rem-1", "clean the dishes", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC))

	handler := NewListRemindersHandler(st)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentListReminders, "what reminders do I have"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "2026-09-01 08:00") || !strings.Contains(result.SuccessPrompt, "clean the dishes") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}

func TestListRemindersEmpty(t *testing.T) {
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")
	handler := NewListRemindersHandler(store.NewInMemoryStore())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentListReminders, "what reminders do I have"), models.EmptyGoalContext(), fid)

	if !strings.Contains(result.SuccessPrompt, "no time-based reminders") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
}
