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

func newSchedulingFixture(t *testing.T) (*NotificationScheduler, *store.InMemoryStore, *fakeScheduler, *events.Bus, *outboundLog) {
	t.Helper()
	st := store.NewInMemoryStore()
	sched := newFakeScheduler()
	bus := events.NewBus()
	n := NewNotificationScheduler(sched, st, st, st, st, st, nil, bus)
	n.Register(bus)
	return n, st, sched, bus, captureOutbound(bus)
}

func TestTimerSetSchedulesJobAtExpiry(t *testing.T) {
	_, st, sched, bus, _ := newSchedulingFixture(t)
	fid := models.FriendshipID("friend-1")

	timer := models.Timer{ID: "t1", Owner: fid, Duration: 10 * time.Minute, StartedAt: time.Now()}
	if err := st.SaveTimer(context.Background(), timer); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.TimerSet{Timer: timer})

	key, job := sched.job(t, "t1")
	if !strings.HasPrefix(key, "friend-1/timer/") {
		t.Errorf("job key = %q", key)
	}
	if !job.at.Equal(timer.ExpiresAt()) {
		t.Errorf("job at = %s, want %s", job.at, timer.ExpiresAt())
	}
}

func TestTimerExpiryDeletesAndNotifies(t *testing.T) {
	_, st, sched, bus, outbound := newSchedulingFixture(t)
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")

	var expired []events.TimerExpired
	bus.SubscribeSync(events.KindTimerExpired, func(ev events.Event) {
		expired = append(expired, ev.(events.TimerExpired))
	})

	timer := models.Timer{ID: "t1", Owner: fid, Label: "eggs", Duration: time.Minute, StartedAt: time.Now()}
	if err := st.SaveTimer(ctx, timer); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.TimerSet{Timer: timer})

	_, job := sched.job(t, "t1")
	job.fn()

	if timers, _ := st.ListTimers(ctx, fid); len(timers) != 0 {
		t.Error("expired timer should be deleted")
	}
	if len(expired) != 1 {
		t.Fatalf("got %d TimerExpired events, want 1", len(expired))
	}
	out := outbound.last(t)
	if !strings.Contains(out.Text, "eggs") {
		t.Errorf("notification = %q, want it to carry the label", out.Text)
	}

	// At-least-once delivery: a duplicate fire is a no-op.
	before := len(outbound.texts())
	job.fn()
	if len(outbound.texts()) != before {
		t.Error("duplicate fire must not notify again")
	}
}

func TestTimerRemovedDeletesJob(t *testing.T) {
	_, st, sched, bus, _ := newSchedulingFixture(t)
	fid := models.FriendshipID("friend-1")

	timer := models.Timer{ID: "t1", Owner: fid, Duration: time.Minute, StartedAt: time.Now()}
	if err := st.SaveTimer(context.Background(), timer); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.TimerSet{Timer: timer})
	bus.Publish(events.TimerRemoved{Owner: fid, TimerID: "t1"})

	if sched.count() != 0 {
		t.Errorf("got %d jobs, want 0 after removal", sched.count())
	}
}

func TestAppointmentReminderLinksMatchingAppointments(t *testing.T) {
	_, st, sched, bus, _ := newSchedulingFixture(t)
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")

	if err := st.ReplaceAppointments(ctx, fid, "cal-1", []models.Appointment{
		{ID: "a1", Owner: fid, CalendarConfigID: "cal-1", Title: "Doctor visit", StartAt: time.Now().Add(48 * time.Hour), EndAt: time.Now().Add(49 * time.Hour)},
		{ID: "a2", Owner: fid, CalendarConfigID: "cal-1", Title: "Team lunch", StartAt: time.Now().Add(24 * time.Hour), EndAt: time.Now().Add(25 * time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}

	reminder := models.AppointmentReminder{
		ID:                    "r1",
		Owner:                 fid,
		MatchingTitleKeywords: []string{"doctor"},
		Text:                  "pick up the prescription",
		Offset:                15 * time.Minute,
	}
	if err := st.SaveAppointmentReminder(ctx, reminder); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.AppointmentReminderSet{Reminder: reminder})

	if sched.count() != 1 {
		t.Fatalf("got %d jobs, want 1 for the matching appointment", sched.count())
	}
	key, _ := sched.job(t, "a1")
	if !strings.Contains(key, "appointment_reminder/r1/a1") {
		t.Errorf("job key = %q", key)
	}

	saved, err := st.GetAppointmentReminder(ctx, fid, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.RelatedAppointmentIDs) != 1 || saved.RelatedAppointmentIDs[0] != "a1" {
		t.Errorf("related = %v, want [a1]", saved.RelatedAppointmentIDs)
	}
}

func TestCalendarSyncedRelinksReminders(t *testing.T) {
	_, st, sched, bus, _ := newSchedulingFixture(t)
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")

	reminder := models.AppointmentReminder{
		ID:                    "r1",
		Owner:                 fid,
		MatchingTitleKeywords: []string{"dentist"},
		Text:                  "floss",
		Offset:                30 * time.Minute,
	}
	if err := st.SaveAppointmentReminder(ctx, reminder); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.AppointmentReminderSet{Reminder: reminder})
	if sched.count() != 0 {
		t.Fatal("no appointments yet, no jobs expected")
	}

	if err := st.ReplaceAppointments(ctx, fid, "cal-1", []models.Appointment{
		{ID: "a1", Owner: fid, CalendarConfigID: "cal-1", Title: "Dentist checkup", StartAt: time.Now().Add(72 * time.Hour), EndAt: time.Now().Add(73 * time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.CalendarSynced{Owner: fid, CalendarConfigID: "cal-1"})

	if sched.count() != 1 {
		t.Errorf("got %d jobs, want 1 after the sync linked the new appointment", sched.count())
	}
}

func TestTimezoneChangeKeepsReminderWallClock(t *testing.T) {
	_, st, sched, bus, _ := newSchedulingFixture(t)
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	at := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	reminder := models.Reminder{ID: "r1", Owner: fid, Text: "meds", At: at}
	if err := st.SaveReminder(ctx, reminder); err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.ReminderSet{Reminder: reminder})

	bus.Publish(events.TimezoneChanged{FriendshipID: fid, OldZone: "UTC", NewZone: "Europe/Berlin"})

	saved, err := st.GetReminder(ctx, fid, "r1")
	if err != nil {
		t.Fatal(err)
	}
	wall := saved.At.In(berlin)
	if wall.Hour() != 9 || wall.Minute() != 0 {
		t.Errorf("wall clock = %02d:%02d, want 09:00 in the new zone", wall.Hour(), wall.Minute())
	}
	if _, job := sched.job(t, "r1"); !job.at.Equal(saved.At) {
		t.Errorf("job rescheduled to %s, want %s", job.at, saved.At)
	}
}

func TestResumeReschedulesPersistedNotifications(t *testing.T) {
	n, st, sched, _, _ := newSchedulingFixture(t)
	ctx := context.Background()
	fid := models.FriendshipID("friend-1")

	if err := st.SaveFriend(ctx, models.Friend{ID: fid, Number: "+491700000000", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveTimer(ctx, models.Timer{ID: "t1", Owner: fid, Duration: time.Hour, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveReminder(ctx, models.Reminder{ID: "r1", Owner: fid, Text: "meds", At: time.Now().Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if err := n.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if sched.count() != 2 {
		t.Errorf("got %d jobs, want the timer and the reminder", sched.count())
	}
}
