// Package routines implements the multi-day, multi-phase routine engine:
// templates instantiated per friend, phases gated by trigger conditions,
// steps scheduled by time of day, and the cascades that keep schedules
// consistent when parameters or timezones change.
package routines

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"
)

// TemplateID identifies a published routine template (title+version slug).
type TemplateID string

func (t TemplateID) String() string { return string(t) }

// PhaseID identifies a phase within a template.
type PhaseID string

func (p PhaseID) String() string { return string(p) }

// StepID identifies a step within a phase.
type StepID string

func (s StepID) String() string { return string(s) }

// TriggerID identifies a template-level trigger.
type TriggerID string

func (t TriggerID) String() string { return string(t) }

var slugStrip = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

func slugWithHash(text string) string {
	h := fnv.New32a()
	h.Write([]byte(text))
	sum := fmt.Sprintf("%x", h.Sum32())
	if len(sum) > 5 {
		sum = sum[len(sum)-5:]
	}
	return strings.ToLower(strings.TrimSpace(slugStrip.ReplaceAllString(text, "")) + "-" + sum)
}

// TemplateIDFor derives the stable template ID from title and version.
func TemplateIDFor(title, version string) TemplateID {
	cleanVersion := strings.ToLower(strings.TrimSpace(regexp.MustCompile(`[^a-zA-Z0-9-_.]`).ReplaceAllString(version, "")))
	return TemplateID(slugWithHash(title) + ":" + cleanVersion)
}

// PhaseIDFor derives a phase ID from its title.
func PhaseIDFor(title string) PhaseID { return PhaseID(slugWithHash(title)) }

// StepIDFor derives a step ID from its description.
func StepIDFor(description string) StepID { return StepID(slugWithHash(description)) }

// Template is a reusable routine definition (e.g. "Morning routine").
// Immutable once published; versioned.
type Template struct {
	ID          TemplateID
	Title       string
	Version     string
	Description string
	SetupSteps  []Step
	Phases      []Phase
	Triggers    []Trigger
}

// Validate checks the structural invariants of a template.
func (t Template) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("template title must not be empty")
	}
	if t.Version == "" {
		return fmt.Errorf("template %q: version must not be empty", t.Title)
	}
	if t.Description == "" {
		return fmt.Errorf("template %q: description must not be empty", t.Title)
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("template %q: phases must not be empty", t.Title)
	}
	for _, p := range t.Phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("template %q: %w", t.Title, err)
		}
	}
	return nil
}

// FindPhase finds a phase by ID.
func (t Template) FindPhase(id PhaseID) (Phase, bool) {
	for _, p := range t.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// NextPhaseAfter returns the phase following id in template order.
func (t Template) NextPhaseAfter(id PhaseID) (Phase, bool) {
	for i, p := range t.Phases {
		if p.ID == id && i+1 < len(t.Phases) {
			return t.Phases[i+1], true
		}
	}
	return Phase{}, false
}

// FindTrigger finds a trigger by ID.
func (t Template) FindTrigger(id TriggerID) (Trigger, bool) {
	for _, tr := range t.Triggers {
		if tr.ID == id {
			return tr, true
		}
	}
	return Trigger{}, false
}

// Phase is a named stage of a routine, gated by an activation condition and
// optionally iterating on a recurring schedule.
type Phase struct {
	ID    PhaseID
	Title string
	// Condition gates when the phase activates; nil activates immediately
	// on routine start.
	Condition TriggerCondition
	Steps     []Step
	// Schedule is the recurrence of phase iterations, default daily.
	Schedule ScheduleExpression
}

// Validate checks the structural invariants of a phase.
func (p Phase) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("phase title must not be empty")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("phase %q: steps must not be empty", p.Title)
	}
	if _, err := p.Schedule.Cron(); err != nil {
		return fmt.Errorf("phase %q: %w", p.Title, err)
	}
	return nil
}

// FindStep finds a step by ID.
func (p Phase) FindStep(id StepID) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepID() == id {
			return s, true
		}
	}
	return nil, false
}

// ScheduleExpression is a named recurrence (DAILY, WEEKDAYS, ...) or a raw
// five-field cron expression.
type ScheduleExpression string

// Named schedule expressions.
const (
	ScheduleDaily    ScheduleExpression = "DAILY"
	ScheduleWeekly   ScheduleExpression = "WEEKLY"
	ScheduleWeekdays ScheduleExpression = "WEEKDAYS"
	ScheduleWeekends ScheduleExpression = "WEEKENDS"
)

var namedSchedules = map[ScheduleExpression]string{
	ScheduleDaily:    "0 0 * * *",
	ScheduleWeekly:   "0 0 * * MON",
	ScheduleWeekdays: "0 0 * * MON-FRI",
	ScheduleWeekends: "0 0 * * SAT,SUN",
	"MONDAY":         "0 0 * * MON",
	"TUESDAY":        "0 0 * * TUE",
	"WEDNESDAY":      "0 0 * * WED",
	"THURSDAY":       "0 0 * * THU",
	"FRIDAY":         "0 0 * * FRI",
	"SATURDAY":       "0 0 * * SAT",
	"SUNDAY":         "0 0 * * SUN",
}

var cronField = regexp.MustCompile(`^([0-9*,\-/]+|[A-Za-z]{3}([,-][A-Za-z]{3})*)$`)

// Cron resolves the expression to a five-field cron string.
func (s ScheduleExpression) Cron() (string, error) {
	if s == "" {
		s = ScheduleDaily
	}
	if cron, ok := namedSchedules[ScheduleExpression(strings.ToUpper(string(s)))]; ok {
		return cron, nil
	}
	fields := strings.Fields(string(s))
	if len(fields) != 5 {
		return "", fmt.Errorf("invalid schedule expression %q", string(s))
	}
	for _, f := range fields {
		if !cronField.MatchString(f) {
			return "", fmt.Errorf("invalid schedule expression %q", string(s))
		}
	}
	return string(s), nil
}

// Step is one scheduled action or parameter request within a phase.
// It is a closed union: ParameterRequestStep, ActionStep, MessageStep.
type Step interface {
	StepID() StepID
	StepDescription() string
	// At returns the step's optional time of day; nil steps run when the
	// phase iteration starts.
	At() TimeOfDay
	isStep()
}

// ParameterRequestStep asks the friend a question and captures the answer
// into the instance's parameters.
type ParameterRequestStep struct {
	ID            StepID
	Question      string
	ParameterKey  string
	ParameterType ParameterType
	TimeOfDay     TimeOfDay
	Description   string
}

func (s ParameterRequestStep) StepID() StepID          { return s.ID }
func (s ParameterRequestStep) StepDescription() string { return s.Description }
func (s ParameterRequestStep) At() TimeOfDay           { return s.TimeOfDay }
func (ParameterRequestStep) isStep()                   {}

// ActionStep prompts the friend to do something; with ExpectConfirmation it
// stays open until the friend confirms.
type ActionStep struct {
	ID                      StepID
	Message                 string
	ExpectConfirmation      bool
	ExpectedDurationMinutes int
	TimeOfDay               TimeOfDay
	Description             string
}

func (s ActionStep) StepID() StepID          { return s.ID }
func (s ActionStep) StepDescription() string { return s.Description }
func (s ActionStep) At() TimeOfDay           { return s.TimeOfDay }
func (ActionStep) isStep()                   {}

// MessageStep sends a message and completes immediately.
type MessageStep struct {
	ID          StepID
	Message     string
	TimeOfDay   TimeOfDay
	Description string
}

func (s MessageStep) StepID() StepID          { return s.ID }
func (s MessageStep) StepDescription() string { return s.Description }
func (s MessageStep) At() TimeOfDay           { return s.TimeOfDay }
func (MessageStep) isStep()                   {}

// TimeOfDay determines when within a day a step fires. Closed union:
// a fixed local time, a reference to a captured parameter, or a time
// expression evaluated against instance parameters.
type TimeOfDay interface{ isTimeOfDay() }

// TimeOfDayLocalTime is a fixed local wall-clock time.
type TimeOfDayLocalTime struct{ Time LocalTime }

func (TimeOfDayLocalTime) isTimeOfDay() {}

// TimeOfDayReference points at a captured LOCAL_TIME parameter.
type TimeOfDayReference struct{ Reference string }

func (TimeOfDayReference) isTimeOfDay() {}

// TimeOfDayExpression is a time expression such as "${wakeUpTime}+PT15M".
type TimeOfDayExpression struct{ Expression string }

func (TimeOfDayExpression) isTimeOfDay() {}

// LocalTime is a wall-clock time of day without date or zone.
type LocalTime struct {
	Hour   int
	Minute int
}

// ParseLocalTime parses "HH:MM" or "HH:MM:SS".
func ParseLocalTime(s string) (LocalTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return LocalTime{}, fmt.Errorf("invalid time format %q, expected HH:MM", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(parts[0]+":"+parts[1], "%d:%d", &hour, &minute); err != nil {
		return LocalTime{}, fmt.Errorf("invalid time format %q, expected HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return LocalTime{}, fmt.Errorf("time %q out of range", s)
	}
	return LocalTime{Hour: hour, Minute: minute}, nil
}

func (t LocalTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On anchors the local time on a date in a zone.
func (t LocalTime) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
}

// AnchorEvent is the lifecycle moment an AfterEvent condition is measured
// from.
type AnchorEvent string

// Anchor events.
const (
	AnchorRoutineStarted AnchorEvent = "ROUTINE_STARTED"
	AnchorPhaseEntered   AnchorEvent = "PHASE_ENTERED"
	AnchorPhaseLeft      AnchorEvent = "PHASE_LEFT"
)

// TriggerCondition determines when a phase or trigger fires. Closed union:
// AfterDays, AfterDuration, AtTimeExpression, AfterEvent,
// AfterPhaseCompletions, AfterParameterSet.
type TriggerCondition interface{ isTriggerCondition() }

// AfterDays fires n days after routine start.
type AfterDays struct{ Days int }

func (AfterDays) isTriggerCondition() {}

// AfterDuration fires a duration after now, or after the instant captured
// in the referenced parameter.
type AfterDuration struct {
	// Reference is an optional parameter key the duration is measured from.
	Reference string
	Duration  time.Duration
}

func (AfterDuration) isTriggerCondition() {}

// AtTimeExpression fires at the evaluation of a time expression against
// the instance's parameters.
type AtTimeExpression struct{ Expression string }

func (AtTimeExpression) isTriggerCondition() {}

// AfterEvent fires a delay after a routine lifecycle anchor.
type AfterEvent struct {
	Event      AnchorEvent
	PhaseTitle string
	Delay      time.Duration
}

func (AfterEvent) isTriggerCondition() {}

// AfterPhaseCompletions fires once a phase completed n times.
type AfterPhaseCompletions struct {
	PhaseID PhaseID
	Times   int
}

func (AfterPhaseCompletions) isTriggerCondition() {}

// AfterParameterSet fires when the referenced parameter is captured.
type AfterParameterSet struct{ ParameterKey string }

func (AfterParameterSet) isTriggerCondition() {}

// TriggerEffect is what a fired trigger does. Closed union: SendMessage,
// CreateTask.
type TriggerEffect interface{ isTriggerEffect() }

// SendMessageEffect sends a message to the friend.
type SendMessageEffect struct{ Message string }

func (SendMessageEffect) isTriggerEffect() {}

// CreateTaskEffect creates a task on the friend's task list.
type CreateTaskEffect struct {
	TaskDescription string
	ParameterKey    string
	ExpiryDate      time.Time
}

func (CreateTaskEffect) isTriggerEffect() {}

// Trigger is a template-level condition/effect pair.
type Trigger struct {
	ID        TriggerID
	Condition TriggerCondition
	Effect    TriggerEffect
}

// ConditionReferences reports whether a condition depends on the given
// parameter key.
func ConditionReferences(c TriggerCondition, parameterKey string) bool {
	switch cond := c.(type) {
	case AfterDuration:
		return cond.Reference == parameterKey
	case AtTimeExpression:
		return strings.Contains(cond.Expression, "${"+parameterKey+"}")
	case AfterParameterSet:
		return cond.ParameterKey == parameterKey
	case AfterDays, AfterEvent, AfterPhaseCompletions:
		return false
	default:
		return false
	}
}

// TimeOfDayReferences reports whether a step's time of day depends on the
// given parameter key.
func TimeOfDayReferences(t TimeOfDay, parameterKey string) bool {
	switch tod := t.(type) {
	case TimeOfDayReference:
		return tod.Reference == parameterKey
	case TimeOfDayExpression:
		return strings.Contains(tod.Expression, "${"+parameterKey+"}")
	case TimeOfDayLocalTime, nil:
		return false
	default:
		return false
	}
}
