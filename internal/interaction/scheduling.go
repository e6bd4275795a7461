package interaction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/scheduler"
)

// AppointmentReminderWindow is how far ahead appointment reminders get
// concrete schedules. The window rolls forward with every calendar sync.
const AppointmentReminderWindow = 30 * 24 * time.Hour

const (
	jobKindTimer               = "timer"
	jobKindReminder            = "reminder"
	jobKindAppointmentReminder = "appointment_reminder"
)

// FriendLister iterates all friends, used when re-scheduling on boot.
type FriendLister interface {
	ListFriends(ctx context.Context) ([]models.Friend, error)
}

// RoutineCascade is the slice of the routine engine the scheduling glue
// forwards cross-cutting events to.
type RoutineCascade interface {
	OnTimezoneChanged(ctx context.Context, friendshipID models.FriendshipID)
	OnTaskCompleted(ctx context.Context, friendshipID models.FriendshipID, taskID string)
}

// NotificationScheduler bridges domain events to the scheduler port: a set
// or updated timer/reminder upserts its job, a removal deletes it, expiry
// delivers the notification. Idempotent against the scheduler's
// at-least-once delivery because expired entities are deleted before the
// notification goes out.
type NotificationScheduler struct {
	sched                scheduler.Scheduler
	timers               TimerRepository
	reminders            ReminderRepository
	appointmentReminders AppointmentReminderRepository
	calendars            CalendarRepository
	friends              FriendLister
	routines             RoutineCascade
	bus                  *events.Bus
}

// NewNotificationScheduler builds the glue. routines may be nil when no
// routine engine is wired.
func NewNotificationScheduler(sched scheduler.Scheduler, timers TimerRepository, reminders ReminderRepository, appointmentReminders AppointmentReminderRepository, calendars CalendarRepository, friends FriendLister, routines RoutineCascade, bus *events.Bus) *NotificationScheduler {
	return &NotificationScheduler{
		sched:                sched,
		timers:               timers,
		reminders:            reminders,
		appointmentReminders: appointmentReminders,
		calendars:            calendars,
		friends:              friends,
		routines:             routines,
		bus:                  bus,
	}
}

// Register subscribes to every event the glue reacts to. Scheduling runs
// synchronously so the job exists before the confirming reply is sent.
func (n *NotificationScheduler) Register(bus *events.Bus) {
	bus.SubscribeSync(events.KindTimerSet, n.onTimerEvent)
	bus.SubscribeSync(events.KindTimerUpdated, n.onTimerEvent)
	bus.SubscribeSync(events.KindTimerRemoved, func(ev events.Event) {
		if e, ok := ev.(events.TimerRemoved); ok {
			n.sched.Delete(n.timerKey(e.Owner, e.TimerID))
		}
	})

	bus.SubscribeSync(events.KindReminderSet, n.onReminderEvent)
	bus.SubscribeSync(events.KindReminderUpdated, n.onReminderEvent)
	bus.SubscribeSync(events.KindReminderUnset, func(ev events.Event) {
		if e, ok := ev.(events.ReminderUnset); ok {
			n.sched.Delete(n.reminderKey(e.Owner, e.ReminderID))
		}
	})

	bus.SubscribeSync(events.KindAppointmentReminderSet, n.onAppointmentReminderEvent)
	bus.SubscribeSync(events.KindAppointmentReminderUpdated, n.onAppointmentReminderEvent)
	bus.SubscribeSync(events.KindAppointmentReminderUnset, func(ev events.Event) {
		if e, ok := ev.(events.AppointmentReminderUnset); ok {
			n.sched.DeleteByPrefix(n.appointmentReminderPrefix(e.Owner, e.ReminderID))
		}
	})

	bus.SubscribeSync(events.KindCalendarSynced, func(ev events.Event) {
		if e, ok := ev.(events.CalendarSynced); ok {
			n.rescanAppointmentReminders(context.Background(), e.Owner)
		}
	})

	bus.SubscribeSync(events.KindTimezoneChanged, func(ev events.Event) {
		if e, ok := ev.(events.TimezoneChanged); ok {
			n.onTimezoneChanged(context.Background(), e)
		}
	})

	bus.SubscribeSync(events.KindTaskCompleted, func(ev events.Event) {
		e, ok := ev.(events.TaskCompleted)
		if !ok || n.routines == nil {
			return
		}
		n.routines.OnTaskCompleted(context.Background(), e.Task.Owner, e.Task.ID)
	})
}

// Resume re-schedules every persisted timer, reminder and appointment
// reminder after a restart. Instants already in the past fire immediately.
func (n *NotificationScheduler) Resume(ctx context.Context) error {
	friends, err := n.friends.ListFriends(ctx)
	if err != nil {
		return err
	}
	for _, friend := range friends {
		timers, err := n.timers.ListTimers(ctx, friend.ID)
		if err != nil {
			return err
		}
		for _, t := range timers {
			n.scheduleTimer(t)
		}
		reminders, err := n.reminders.ListReminders(ctx, friend.ID)
		if err != nil {
			return err
		}
		for _, r := range reminders {
			n.scheduleReminder(r)
		}
		n.rescanAppointmentReminders(ctx, friend.ID)
	}
	slog.Info("Scheduling resumed persisted notifications", "friends", len(friends))
	return nil
}

func (n *NotificationScheduler) timerKey(owner models.FriendshipID, id string) scheduler.JobKey {
	return scheduler.NewJobKey(string(owner), jobKindTimer, id)
}

func (n *NotificationScheduler) reminderKey(owner models.FriendshipID, id string) scheduler.JobKey {
	return scheduler.NewJobKey(string(owner), jobKindReminder, id)
}

func (n *NotificationScheduler) appointmentReminderPrefix(owner models.FriendshipID, id string) scheduler.JobKey {
	return scheduler.NewJobKey(string(owner), jobKindAppointmentReminder, id)
}

func (n *NotificationScheduler) onTimerEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.TimerSet:
		n.scheduleTimer(e.Timer)
	case events.TimerUpdated:
		n.scheduleTimer(e.Timer)
	}
}

func (n *NotificationScheduler) scheduleTimer(t models.Timer) {
	err := n.sched.ScheduleOnce(n.timerKey(t.Owner, t.ID), t.ExpiresAt(), func() {
		n.fireTimer(t.Owner, t.ID)
	})
	if err != nil {
		slog.Error("Scheduling timer failed", "timer_id", t.ID, "error", err)
	}
}

func (n *NotificationScheduler) fireTimer(owner models.FriendshipID, id string) {
	ctx := context.Background()
	t, err := n.timers.GetTimer(ctx, owner, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Loading expired timer failed", "timer_id", id, "error", err)
		}
		return
	}
	if err := n.timers.DeleteTimer(ctx, owner, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error("Deleting expired timer failed", "timer_id", id, "error", err)
	}
	n.bus.Publish(events.TimerExpired{Timer: t})
	text := "⏰ Time is up!"
	if t.Label != "" {
		text = "⏰ Time is up: " + t.Label
	}
	n.notify(owner, text)
}

func (n *NotificationScheduler) onReminderEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.ReminderSet:
		n.scheduleReminder(e.Reminder)
	case events.ReminderUpdated:
		n.scheduleReminder(e.Reminder)
	}
}

func (n *NotificationScheduler) scheduleReminder(r models.Reminder) {
	err := n.sched.ScheduleOnce(n.reminderKey(r.Owner, r.ID), r.At, func() {
		n.fireReminder(r.Owner, r.ID)
	})
	if err != nil {
		slog.Error("Scheduling reminder failed", "reminder_id", r.ID, "error", err)
	}
}

func (n *NotificationScheduler) fireReminder(owner models.FriendshipID, id string) {
	ctx := context.Background()
	r, err := n.reminders.GetReminder(ctx, owner, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Loading expired reminder failed", "reminder_id", id, "error", err)
		}
		return
	}
	if err := n.reminders.DeleteReminder(ctx, owner, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error("Deleting expired reminder failed", "reminder_id", id, "error", err)
	}
	n.bus.Publish(events.ReminderExpired{Reminder: r})
	n.notify(owner, "⏰ "+r.Text)
}

func (n *NotificationScheduler) onAppointmentReminderEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.AppointmentReminderSet:
		n.linkAndSchedule(context.Background(), e.Reminder)
	case events.AppointmentReminderUpdated:
		n.linkAndSchedule(context.Background(), e.Reminder)
	}
}

// linkAndSchedule recomputes which appointments in the window match the
// reminder's keywords, persists the link set and upserts one job per match.
func (n *NotificationScheduler) linkAndSchedule(ctx context.Context, r models.AppointmentReminder) {
	n.sched.DeleteByPrefix(n.appointmentReminderPrefix(r.Owner, r.ID))

	now := time.Now()
	appointments, err := n.calendars.AppointmentsInRange(ctx, r.Owner, now, now.Add(AppointmentReminderWindow))
	if err != nil {
		slog.Error("Listing appointments for reminder failed", "reminder_id", r.ID, "error", err)
		return
	}

	var related []string
	for _, appt := range appointments {
		if !r.Matches(appt.Title) {
			continue
		}
		related = append(related, appt.ID)
		at := appt.StartAt.Add(r.Offset)
		if r.RemindBeforeAppointment {
			at = appt.StartAt.Add(-r.Offset)
		}
		if at.Before(now) {
			continue
		}
		key := scheduler.NewJobKey(string(r.Owner), jobKindAppointmentReminder, r.ID, appt.ID)
		owner, reminderID, text := r.Owner, r.ID, r.Text
		title := appt.Title
		if err := n.sched.ScheduleOnce(key, at, func() {
			n.fireAppointmentReminder(owner, reminderID, title, text)
		}); err != nil {
			slog.Error("Scheduling appointment reminder failed", "reminder_id", r.ID, "error", err)
		}
	}

	r.RelatedAppointmentIDs = related
	if err := n.appointmentReminders.SaveAppointmentReminder(ctx, r); err != nil {
		slog.Error("Saving appointment reminder links failed", "reminder_id", r.ID, "error", err)
	}
}

func (n *NotificationScheduler) fireAppointmentReminder(owner models.FriendshipID, reminderID, title, text string) {
	ctx := context.Background()
	if _, err := n.appointmentReminders.GetAppointmentReminder(ctx, owner, reminderID); err != nil {
		// Deleted since scheduling; drop silently.
		return
	}
	n.notify(owner, "⏰ "+title+": "+text)
}

func (n *NotificationScheduler) rescanAppointmentReminders(ctx context.Context, owner models.FriendshipID) {
	reminders, err := n.appointmentReminders.ListAppointmentReminders(ctx, owner)
	if err != nil {
		slog.Error("Listing appointment reminders for rescan failed", "friendship_id", owner, "error", err)
		return
	}
	for _, r := range reminders {
		n.linkAndSchedule(ctx, r)
	}
}

// onTimezoneChanged keeps the wall-clock meaning of time-based reminders:
// a reminder at 09:00 stays at 09:00 in the new zone. Timers count down a
// duration and appointment reminders anchor to appointment instants, so
// both are left alone. The routine engine recomputes its own schedules.
func (n *NotificationScheduler) onTimezoneChanged(ctx context.Context, e events.TimezoneChanged) {
	oldLoc, err := time.LoadLocation(e.OldZone)
	if err != nil {
		oldLoc = time.UTC
	}
	newLoc, err := time.LoadLocation(e.NewZone)
	if err != nil {
		slog.Error("Timezone cascade got unknown zone", "zone", e.NewZone, "error", err)
		return
	}

	reminders, err := n.reminders.ListReminders(ctx, e.FriendshipID)
	if err != nil {
		slog.Error("Listing reminders for timezone cascade failed", "friendship_id", e.FriendshipID, "error", err)
		return
	}
	for _, r := range reminders {
		wall := r.At.In(oldLoc)
		shifted := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, newLoc)
		if shifted.Equal(r.At) {
			continue
		}
		r.At = shifted
		r.UpdatedAt = time.Now()
		if err := n.reminders.SaveReminder(ctx, r); err != nil {
			slog.Error("Re-anchoring reminder failed", "reminder_id", r.ID, "error", err)
			continue
		}
		n.scheduleReminder(r)
	}

	if n.routines != nil {
		n.routines.OnTimezoneChanged(ctx, e.FriendshipID)
	}
	slog.Info("Timezone cascade applied", "friendship_id", e.FriendshipID, "old", e.OldZone, "new", e.NewZone)
}

func (n *NotificationScheduler) notify(owner models.FriendshipID, text string) {
	n.bus.Publish(events.SendMessageRequest{
		FriendshipID: owner,
		Channel:      models.ChannelSignal,
		Text:         text,
	})
}
