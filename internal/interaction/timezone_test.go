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

func timezoneFixture(t *testing.T, zone string) (*store.InMemoryStore, models.FriendshipID) {
	t.Helper()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")
	friend := models.Friend{
		ID:        fid,
		Number:    "+491700000000",
		Timezone:  zone,
		CreatedAt: time.Now(),
	}
	if err := st.SaveFriend(context.Background(), friend); err != nil {
		t.Fatalf("SaveFriend: %v", err)
	}
	return st, fid
}

func TestSetTimezoneUpdatesFriendAndNotifies(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skip("tzdata unavailable")
	}
	ctx := context.Background()
	st, fid := timezoneFixture(t, "UTC")
	bus := events.NewBus()

	var changed []events.TimezoneChanged
	bus.SubscribeSync(events.KindTimezoneChanged, func(ev events.Event) {
		changed = append(changed, ev.(events.TimezoneChanged))
	})

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"zone": "Europe/Berlin"}`, nil
	}}
	handler := NewSetTimezoneHandler(llm, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetTimezone, "I moved to Berlin"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	friend, err := st.GetFriend(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if friend.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", friend.Timezone)
	}
	if len(changed) != 1 {
		t.Fatalf("got %d TimezoneChanged events, want 1", len(changed))
	}
	if changed[0].OldZone != "UTC" || changed[0].NewZone != "Europe/Berlin" {
		t.Errorf("event = %+v", changed[0])
	}
}

func TestSetTimezoneUnknownZoneAsks(t *testing.T) {
	ctx := context.Background()
	st, fid := timezoneFixture(t, "UTC")

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"zone": "Mars/Olympus_Mons"}`, nil
	}}
	handler := NewSetTimezoneHandler(llm, st, events.NewBus())

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetTimezone, "set my timezone to mars"), models.EmptyGoalContext(), fid)

	if result.Clarification == nil {
		t.Fatal("expected a clarification question")
	}
	if !strings.Contains(result.Clarification.Text, "Mars/Olympus_Mons") {
		t.Errorf("question %q does not name the unknown zone", result.Clarification.Text)
	}
	friend, err := st.GetFriend(ctx, fid)
	if err != nil {
		t.Fatal(err)
	}
	if friend.Timezone != "UTC" {
		t.Errorf("timezone changed to %q despite unknown zone", friend.Timezone)
	}
}

func TestSetTimezoneSameZoneIsNoOp(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skip("tzdata unavailable")
	}
	ctx := context.Background()
	st, fid := timezoneFixture(t, "Europe/Berlin")
	bus := events.NewBus()

	var changed []events.TimezoneChanged
	bus.SubscribeSync(events.KindTimezoneChanged, func(ev events.Event) {
		changed = append(changed, ev.(events.TimezoneChanged))
	})

	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"zone": "Europe/Berlin"}`, nil
	}}
	handler := NewSetTimezoneHandler(llm, st, bus)

	result := handler.Handle(ctx, rawTextSubtask(fid, IntentSetTimezone, "my timezone is Berlin"), models.EmptyGoalContext(), fid)

	if result.Updated.Status != models.SubtaskCompleted {
		t.Fatalf("status = %s, want Completed", result.Updated.Status)
	}
	if !strings.Contains(result.SuccessPrompt, "already") {
		t.Errorf("prompt = %q", result.SuccessPrompt)
	}
	if len(changed) != 0 {
		t.Errorf("unexpected TimezoneChanged events: %+v", changed)
	}
}
