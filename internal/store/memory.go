package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/routines"
)

// InMemoryStore keeps everything in maps. It backs tests and ephemeral
// runs; semantics (not-found errors, goal-context versioning, bulk
// appointment replace) match the SQL-backed stores.
type InMemoryStore struct {
	mu sync.RWMutex

	friends              map[models.FriendshipID]models.Friend
	timers               map[models.FriendshipID]map[string]models.Timer
	reminders            map[models.FriendshipID]map[string]models.Reminder
	appointmentReminders map[models.FriendshipID]map[string]models.AppointmentReminder
	tasks                map[string]models.Task
	calendars            map[models.FriendshipID]map[string]models.CalendarConfig
	appointments         map[models.FriendshipID]map[string]models.Appointment
	goalContexts         map[models.FriendshipID]models.GoalContext
	conversations        map[models.FriendshipID][]models.ConversationTurn
	instances            map[routines.InstanceID]routines.Instance
	templates            map[routines.TemplateID]routines.Template
	routineEvents        []routines.EventLogEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		friends:              make(map[models.FriendshipID]models.Friend),
		timers:               make(map[models.FriendshipID]map[string]models.Timer),
		reminders:            make(map[models.FriendshipID]map[string]models.Reminder),
		appointmentReminders: make(map[models.FriendshipID]map[string]models.AppointmentReminder),
		tasks:                make(map[string]models.Task),
		calendars:            make(map[models.FriendshipID]map[string]models.CalendarConfig),
		appointments:         make(map[models.FriendshipID]map[string]models.Appointment),
		goalContexts:         make(map[models.FriendshipID]models.GoalContext),
		conversations:        make(map[models.FriendshipID][]models.ConversationTurn),
		instances:            make(map[routines.InstanceID]routines.Instance),
		templates:            make(map[routines.TemplateID]routines.Template),
	}
}

func (s *InMemoryStore) SaveFriend(_ context.Context, friend models.Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[friend.ID] = friend
	return nil
}

func (s *InMemoryStore) GetFriend(_ context.Context, id models.FriendshipID) (models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	friend, ok := s.friends[id]
	if !ok {
		return models.Friend{}, models.ErrNotFound
	}
	return friend, nil
}

func (s *InMemoryStore) FriendByNumber(_ context.Context, number string) (models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, friend := range s.friends {
		if friend.Number == number {
			return friend, nil
		}
	}
	return models.Friend{}, models.ErrNotFound
}

func (s *InMemoryStore) ListFriends(_ context.Context) ([]models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Friend, 0, len(s.friends))
	for _, friend := range s.friends {
		out = append(out, friend)
	}
	return out, nil
}

func (s *InMemoryStore) SaveTimer(_ context.Context, timer models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers[timer.Owner] == nil {
		s.timers[timer.Owner] = make(map[string]models.Timer)
	}
	s.timers[timer.Owner][timer.ID] = timer
	return nil
}

func (s *InMemoryStore) GetTimer(_ context.Context, owner models.FriendshipID, id string) (models.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timer, ok := s.timers[owner][id]
	if !ok {
		return models.Timer{}, models.ErrNotFound
	}
	return timer, nil
}

func (s *InMemoryStore) ListTimers(_ context.Context, owner models.FriendshipID) ([]models.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Timer, 0, len(s.timers[owner]))
	for _, timer := range s.timers[owner] {
		out = append(out, timer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteTimer(_ context.Context, owner models.FriendshipID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[owner][id]; !ok {
		return models.ErrNotFound
	}
	delete(s.timers[owner], id)
	return nil
}

func (s *InMemoryStore) SaveReminder(_ context.Context, reminder models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reminders[reminder.Owner] == nil {
		s.reminders[reminder.Owner] = make(map[string]models.Reminder)
	}
	s.reminders[reminder.Owner][reminder.ID] = reminder
	return nil
}

func (s *InMemoryStore) GetReminder(_ context.Context, owner models.FriendshipID, id string) (models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reminder, ok := s.reminders[owner][id]
	if !ok {
		return models.Reminder{}, models.ErrNotFound
	}
	return reminder, nil
}

func (s *InMemoryStore) ListReminders(_ context.Context, owner models.FriendshipID) ([]models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Reminder, 0, len(s.reminders[owner]))
	for _, reminder := range s.reminders[owner] {
		out = append(out, reminder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *InMemoryStore) DeleteReminder(_ context.Context, owner models.FriendshipID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[owner][id]; !ok {
		return models.ErrNotFound
	}
	delete(s.reminders[owner], id)
	return nil
}

func (s *InMemoryStore) SaveAppointmentReminder(_ context.Context, reminder models.AppointmentReminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appointmentReminders[reminder.Owner] == nil {
		s.appointmentReminders[reminder.Owner] = make(map[string]models.AppointmentReminder)
	}
	s.appointmentReminders[reminder.Owner][reminder.ID] = reminder
	return nil
}

func (s *InMemoryStore) GetAppointmentReminder(_ context.Context, owner models.FriendshipID, id string) (models.AppointmentReminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reminder, ok := s.appointmentReminders[owner][id]
	if !ok {
		return models.AppointmentReminder{}, models.ErrNotFound
	}
	return reminder, nil
}

func (s *InMemoryStore) ListAppointmentReminders(_ context.Context, owner models.FriendshipID) ([]models.AppointmentReminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AppointmentReminder, 0, len(s.appointmentReminders[owner]))
	for _, reminder := range s.appointmentReminders[owner] {
		out = append(out, reminder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteAppointmentReminder(_ context.Context, owner models.FriendshipID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appointmentReminders[owner][id]; !ok {
		return models.ErrNotFound
	}
	delete(s.appointmentReminders[owner], id)
	return nil
}

func (s *InMemoryStore) SaveTask(_ context.Context, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, models.ErrNotFound
	}
	return task, nil
}

func (s *InMemoryStore) ListTasks(_ context.Context, owner models.FriendshipID) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, task := range s.tasks {
		if task.Owner == owner {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CompleteTask(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.ErrNotFound
	}
	task.Completed = true
	task.CompletedAt = &at
	task.LastModified = at
	s.tasks[id] = task
	return nil
}

func (s *InMemoryStore) DeleteTask(_ context.Context, owner models.FriendshipID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Owner != owner {
		return models.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *InMemoryStore) SaveCalendarConfig(_ context.Context, config models.CalendarConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calendars[config.Owner] == nil {
		s.calendars[config.Owner] = make(map[string]models.CalendarConfig)
	}
	s.calendars[config.Owner][config.ID] = config
	return nil
}

func (s *InMemoryStore) ListCalendarConfigs(_ context.Context, owner models.FriendshipID) ([]models.CalendarConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CalendarConfig, 0, len(s.calendars[owner]))
	for _, config := range s.calendars[owner] {
		out = append(out, config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteCalendarConfig(_ context.Context, owner models.FriendshipID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[owner][id]; !ok {
		return models.ErrNotFound
	}
	delete(s.calendars[owner], id)
	return nil
}

func (s *InMemoryStore) ReplaceAppointments(_ context.Context, owner models.FriendshipID, calendarConfigID string, appointments []models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appointments[owner] == nil {
		s.appointments[owner] = make(map[string]models.Appointment)
	}
	for id, appt := range s.appointments[owner] {
		if appt.CalendarConfigID == calendarConfigID {
			delete(s.appointments[owner], id)
		}
	}
	for _, appt := range appointments {
		appt.Owner = owner
		appt.CalendarConfigID = calendarConfigID
		s.appointments[owner][appt.ID] = appt
	}
	return nil
}

func (s *InMemoryStore) GetAppointment(_ context.Context, owner models.FriendshipID, id string) (models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[owner][id]
	if !ok {
		return models.Appointment{}, models.ErrNotFound
	}
	return appt, nil
}

func (s *InMemoryStore) AppointmentsInRange(_ context.Context, owner models.FriendshipID, from, to time.Time) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Appointment
	for _, appt := range s.appointments[owner] {
		if !appt.StartAt.Before(from) && appt.StartAt.Before(to) {
			out = append(out, appt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *InMemoryStore) GetGoalContext(_ context.Context, owner models.FriendshipID) (models.GoalContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goalCtx, ok := s.goalContexts[owner]
	if !ok {
		return models.EmptyGoalContext(), nil
	}
	return goalCtx, nil
}

func (s *InMemoryStore) SaveGoalContext(_ context.Context, owner models.FriendshipID, goalCtx models.GoalContext) (models.GoalContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.goalContexts[owner]; ok && stored.Version != goalCtx.Version {
		return models.GoalContext{}, models.ErrStaleContext
	}
	goalCtx.Version++
	s.goalContexts[owner] = goalCtx
	return goalCtx, nil
}

func (s *InMemoryStore) ClearGoalContext(_ context.Context, owner models.FriendshipID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.goalContexts, owner)
	return nil
}

// conversationRetention bounds the per-friendship history; the orchestrator
// only ever reads a small tail of it.
const conversationRetention = 100

func (s *InMemoryStore) AppendConversationTurn(_ context.Context, owner models.FriendshipID, turn models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.conversations[owner], turn)
	if len(turns) > conversationRetention {
		turns = turns[len(turns)-conversationRetention:]
	}
	s.conversations[owner] = turns
	return nil
}

func (s *InMemoryStore) RecentConversation(_ context.Context, owner models.FriendshipID, limit int) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.conversations[owner]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]models.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) SaveInstance(_ context.Context, instance routines.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id routines.InstanceID) (routines.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return routines.Instance{}, models.ErrNotFound
	}
	return instance, nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, owner models.FriendshipID) ([]routines.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []routines.Instance
	for _, instance := range s.instances {
		if instance.FriendshipID == owner {
			out = append(out, instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListAllInstances(_ context.Context) ([]routines.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]routines.Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, instance)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteInstance(_ context.Context, id routines.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *InMemoryStore) SaveTemplate(_ context.Context, template routines.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID] = template
	return nil
}

func (s *InMemoryStore) GetTemplate(_ context.Context, id routines.TemplateID) (routines.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[id]
	if !ok {
		return routines.Template{}, models.ErrNotFound
	}
	return template, nil
}

func (s *InMemoryStore) ListTemplates(_ context.Context) ([]routines.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]routines.Template, 0, len(s.templates))
	for _, template := range s.templates {
		out = append(out, template)
	}
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, entry routines.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routineEvents = append(s.routineEvents, entry)
	return nil
}

func (s *InMemoryStore) LastEvent(_ context.Context, instanceID routines.InstanceID, event routines.EventType, metadata map[string]string) (routines.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.routineEvents) - 1; i >= 0; i-- {
		entry := s.routineEvents[i]
		if entry.InstanceID != instanceID || entry.Event != event {
			continue
		}
		if metadataMatches(entry.Metadata, metadata) {
			return entry, nil
		}
	}
	return routines.EventLogEntry{}, models.ErrNotFound
}

func (s *InMemoryStore) ListEvents(_ context.Context, instanceID routines.InstanceID) ([]routines.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []routines.EventLogEntry
	for _, entry := range s.routineEvents {
		if entry.InstanceID == instanceID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
