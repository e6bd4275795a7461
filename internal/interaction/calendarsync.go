package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/scheduler"
)

// DefaultCalendarSyncInterval is how often registered calendars are re-read.
const DefaultCalendarSyncInterval = time.Hour

// CalendarStore is the slice of the store the sync service needs.
type CalendarStore interface {
	ListCalendarConfigs(ctx context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error)
	ReplaceAppointments(ctx context.Context, owner models.FriendshipID, calendarConfigID string, appointments []models.Appointment) error
}

// CalendarSync pulls registered ICS calendars on a schedule and swaps each
// calendar's appointment set in the store. Every successful pull publishes
// CalendarSynced so appointment reminders re-link against the fresh set.
type CalendarSync struct {
	store    CalendarStore
	friends  FriendLister
	client   *http.Client
	sched    scheduler.Scheduler
	bus      *events.Bus
	interval time.Duration
}

// NewCalendarSync builds the sync service. A nil httpClient uses a default
// with a 30 second timeout.
func NewCalendarSync(store CalendarStore, friends FriendLister, httpClient *http.Client, sched scheduler.Scheduler, bus *events.Bus) *CalendarSync {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CalendarSync{
		store:    store,
		friends:  friends,
		client:   httpClient,
		sched:    sched,
		bus:      bus,
		interval: DefaultCalendarSyncInterval,
	}
}

// Register subscribes to calendar registrations (immediate first sync) and
// schedules the recurring sync of all calendars.
func (s *CalendarSync) Register(bus *events.Bus) error {
	bus.Subscribe(events.KindCalendarRegistered, func(ev events.Event) {
		if e, ok := ev.(events.CalendarRegistered); ok {
			if err := s.SyncCalendar(context.Background(), e.Config); err != nil {
				slog.Error("Initial calendar sync failed", "calendar_id", e.Config.ID, "error", err)
			}
		}
	})
	return s.sched.ScheduleCron(scheduler.NewJobKey("calendar", "sync"), "0 * * * *", func() {
		s.SyncAll(context.Background())
	})
}

// SyncAll re-reads every registered calendar of every friend.
func (s *CalendarSync) SyncAll(ctx context.Context) {
	friends, err := s.friends.ListFriends(ctx)
	if err != nil {
		slog.Error("Calendar sync could not list friends", "error", err)
		return
	}
	for _, friend := range friends {
		configs, err := s.store.ListCalendarConfigs(ctx, friend.ID)
		if err != nil {
			slog.Error("Calendar sync could not list configs", "friendship_id", friend.ID, "error", err)
			continue
		}
		for _, config := range configs {
			if err := s.SyncCalendar(ctx, config); err != nil {
				slog.Error("Calendar sync failed", "calendar_id", config.ID, "error", err)
			}
		}
	}
}

// SyncCalendar fetches one calendar and replaces its appointment set.
func (s *CalendarSync) SyncCalendar(ctx context.Context, config models.CalendarConfig) error {
	appointments, err := s.fetch(ctx, config)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceAppointments(ctx, config.Owner, config.ID, appointments); err != nil {
		return fmt.Errorf("replacing appointments of calendar %s: %w", config.ID, err)
	}
	s.bus.Publish(events.CalendarSynced{Owner: config.Owner, CalendarConfigID: config.ID})
	slog.Debug("Calendar synced", "calendar_id", config.ID, "appointments", len(appointments))
	return nil
}

func (s *CalendarSync) fetch(ctx context.Context, config models.CalendarConfig) ([]models.Appointment, error) {
	// webcal is http in disguise.
	url := strings.Replace(config.URL, "webcal://", "https://", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building calendar request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar %s: %w", config.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching calendar %s: status %d", config.ID, resp.StatusCode)
	}

	cal, err := ics.ParseCalendar(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar %s: %w", config.ID, err)
	}
	return appointmentsFromCalendar(cal, config), nil
}

func appointmentsFromCalendar(cal *ics.Calendar, config models.CalendarConfig) []models.Appointment {
	var appointments []models.Appointment
	for _, event := range cal.Events() {
		start, err := event.GetStartAt()
		if err != nil {
			continue
		}
		end, err := event.GetEndAt()
		if err != nil {
			end = start
		}
		title := ""
		if p := event.GetProperty(ics.ComponentPropertySummary); p != nil {
			title = p.Value
		}
		id := event.Id()
		if id == "" {
			id = fmt.Sprintf("%s-%d", config.ID, start.Unix())
		}
		appointments = append(appointments, models.Appointment{
			ID:               id,
			Owner:            config.Owner,
			CalendarConfigID: config.ID,
			Title:            title,
			StartAt:          start,
			EndAt:            end,
		})
	}
	return appointments
}
