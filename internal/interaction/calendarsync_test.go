package interaction

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/store"
)

const testICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:evt-1@example.org
DTSTART:20260901T090000Z
DTEND:20260901T100000Z
SUMMARY:Doctor visit
END:VEVENT
BEGIN:VEVENT
UID:evt-2@example.org
DTSTART:20260902T120000Z
DTEND:20260902T130000Z
SUMMARY:Team lunch
END:VEVENT
END:VCALENDAR
`

func TestSyncCalendarStoresAppointments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(testICS))
	}))
	defer server.Close()

	ctx := context.Background()
	st := store.NewInMemoryStore()
	bus := events.NewBus()
	fid := models.FriendshipID("friend-1")

	var synced []events.CalendarSynced
	bus.SubscribeSync(events.KindCalendarSynced, func(ev events.Event) {
		synced = append(synced, ev.(events.CalendarSynced))
	})

	sync := NewCalendarSync(st, st, server.Client(), newFakeScheduler(), bus)
	config := models.CalendarConfig{ID: "cal-1", Owner: fid, URL: server.URL, RegisteredAt: time.Now()}
	if err := sync.SyncCalendar(ctx, config); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	appointments, err := st.AppointmentsInRange(ctx, fid, from, from.Add(7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(appointments) != 2 {
		t.Fatalf("got %d appointments, want 2", len(appointments))
	}
	first := appointments[0]
	if first.ID != "evt-1@example.org" || first.Title != "Doctor visit" {
		t.Errorf("first appointment = %+v", first)
	}
	if !first.StartAt.Equal(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %s", first.StartAt)
	}
	if len(synced) != 1 || synced[0].CalendarConfigID != "cal-1" {
		t.Errorf("synced events = %v", synced)
	}
}

func TestSyncCalendarReplacesPreviousAppointments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testICS))
	}))
	defer server.Close()

	ctx := context.Background()
	st := store.NewInMemoryStore()
	fid := models.FriendshipID("friend-1")

	// A stale appointment from an earlier sync of the same calendar.
	if err := st.ReplaceAppointments(ctx, fid, "cal-1", []models.Appointment{
		{ID: "gone", Owner: fid, CalendarConfigID: "cal-1", Title: "Cancelled thing", StartAt: time.Date(2026, 9, 3, 9, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatal(err)
	}

	sync := NewCalendarSync(st, st, server.Client(), newFakeScheduler(), events.NewBus())
	config := models.CalendarConfig{ID: "cal-1", Owner: fid, URL: server.URL, RegisteredAt: time.Now()}
	if err := sync.SyncCalendar(ctx, config); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	appointments, _ := st.AppointmentsInRange(ctx, fid, from, from.Add(7*24*time.Hour))
	for _, a := range appointments {
		if a.ID == "gone" {
			t.Error("stale appointment survived the sync")
		}
	}
	if len(appointments) != 2 {
		t.Errorf("got %d appointments, want 2", len(appointments))
	}
}

func TestSyncCalendarFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	sync := NewCalendarSync(st, st, server.Client(), newFakeScheduler(), events.NewBus())
	config := models.CalendarConfig{ID: "cal-1", Owner: "friend-1", URL: server.URL, RegisteredAt: time.Now()}
	if err := sync.SyncCalendar(context.Background(), config); err == nil {
		t.Error("expected error on 404")
	}
}
