package models

import (
	"strings"
	"time"
)

// DefaultAppointmentReminderOffset is used when the user does not state how
// long before/after an appointment they want to be reminded.
const DefaultAppointmentReminderOffset = 15 * time.Minute

// Timer is a one-shot countdown owned by a friend.
type Timer struct {
	ID        string
	Owner     FriendshipID
	Label     string
	Duration  time.Duration
	StartedAt time.Time
}

// ExpiresAt returns the instant the timer rings.
func (t Timer) ExpiresAt() time.Time { return t.StartedAt.Add(t.Duration) }

// Reminder is a time-based reminder firing at a fixed instant.
type Reminder struct {
	ID        string
	Owner     FriendshipID
	Text      string
	At        time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppointmentReminder is linked to appointments via keyword matching.
// It fires Offset before/after every appointment whose title matches
// MatchingTitleKeywords. RelatedAppointmentIDs is re-derived whenever the
// calendar's appointment set changes.
type AppointmentReminder struct {
	ID                      string
	Owner                   FriendshipID
	MatchingTitleKeywords   []string
	Text                    string
	Offset                  time.Duration
	RemindBeforeAppointment bool
	RelatedAppointmentIDs   []string
	CreatedAt               time.Time
}

// Matches reports whether an appointment title matches any keyword,
// case-insensitively.
func (r AppointmentReminder) Matches(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range r.MatchingTitleKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Appointment is a calendar entry synced from a registered calendar source.
type Appointment struct {
	ID               string
	Owner            FriendshipID
	CalendarConfigID string
	Title            string
	StartAt          time.Time
	EndAt            time.Time
}

// Task is a todo list entry.
type Task struct {
	ID           string
	Owner        FriendshipID
	Title        string
	Description  string
	Completed    bool
	CompletedAt  *time.Time
	CreatedAt    time.Time
	LastModified time.Time
}

// CalendarConfig is a registered calendar source for a friend.
type CalendarConfig struct {
	ID           string
	Owner        FriendshipID
	URL          string
	RegisteredAt time.Time
}
