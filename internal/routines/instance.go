package routines

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/models"
)

// InstanceID identifies one friend's runtime of a routine template.
type InstanceID string

func (i InstanceID) String() string { return string(i) }

// NewInstanceID derives an instance ID with a random suffix so a friend can
// restart the same template without colliding with the previous run's
// event log.
func NewInstanceID(templateID TemplateID, friendshipID models.FriendshipID) InstanceID {
	return InstanceID(strings.ToLower(fmt.Sprintf("%s:%s:%s", templateID, friendshipID, uuid.NewString()[:8])))
}

// ParameterType constrains the value captured by a ParameterRequestStep.
type ParameterType string

// Parameter types.
const (
	ParameterString    ParameterType = "STRING"
	ParameterLocalTime ParameterType = "LOCAL_TIME"
	ParameterBoolean   ParameterType = "BOOLEAN"
	ParameterInt       ParameterType = "INT"
	ParameterFloat     ParameterType = "FLOAT"
	ParameterDate      ParameterType = "DATE"
)

// Parse validates and converts a raw string into the parameter's type.
func (t ParameterType) Parse(value string) (TypedParameter, error) {
	value = strings.TrimSpace(value)
	switch t {
	case ParameterString:
		return TypedParameter{Type: t, Value: value}, nil
	case ParameterLocalTime:
		lt, err := ParseLocalTime(value)
		if err != nil {
			return TypedParameter{}, fmt.Errorf("invalid time format %q, expected HH:MM", value)
		}
		return TypedParameter{Type: t, Value: lt.String()}, nil
	case ParameterBoolean:
		switch strings.ToLower(value) {
		case "true", "yes", "y", "1", "on":
			return TypedParameter{Type: t, Value: "true"}, nil
		case "false", "no", "n", "0", "off":
			return TypedParameter{Type: t, Value: "false"}, nil
		}
		return TypedParameter{}, fmt.Errorf("invalid boolean value %q", value)
	case ParameterInt:
		if _, err := strconv.Atoi(value); err != nil {
			return TypedParameter{}, fmt.Errorf("invalid integer value %q", value)
		}
		return TypedParameter{Type: t, Value: value}, nil
	case ParameterFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return TypedParameter{}, fmt.Errorf("invalid float value %q", value)
		}
		return TypedParameter{Type: t, Value: value}, nil
	case ParameterDate:
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return TypedParameter{}, fmt.Errorf("invalid date format %q, expected yyyy-MM-dd", value)
		}
		return TypedParameter{Type: t, Value: value}, nil
	default:
		return TypedParameter{}, fmt.Errorf("unsupported parameter type %q", string(t))
	}
}

// FormatDescription is a human-readable description of the expected input.
func (t ParameterType) FormatDescription() string {
	switch t {
	case ParameterLocalTime:
		return "Time in HH:MM format (e.g., 14:30)"
	case ParameterBoolean:
		return "true/false, yes/no, y/n, 1/0, or on/off"
	case ParameterInt:
		return "A whole number (e.g., 42)"
	case ParameterFloat:
		return "A decimal number (e.g., 3.14)"
	case ParameterDate:
		return "Date in yyyy-MM-dd format (e.g., 2024-12-25)"
	default:
		return "Any text"
	}
}

// TypedParameter is a captured parameter value that remembers its type.
// Values are kept in their canonical string form; accessors convert.
type TypedParameter struct {
	Type  ParameterType
	Value string
}

// AsLocalTime converts a LOCAL_TIME parameter.
func (p TypedParameter) AsLocalTime() (LocalTime, error) {
	if p.Type != ParameterLocalTime {
		return LocalTime{}, fmt.Errorf("parameter type is %s, not LOCAL_TIME", p.Type)
	}
	return ParseLocalTime(p.Value)
}

// AsDate converts a DATE parameter.
func (p TypedParameter) AsDate() (time.Time, error) {
	if p.Type != ParameterDate {
		return time.Time{}, fmt.Errorf("parameter type is %s, not DATE", p.Type)
	}
	return time.Parse("2006-01-02", p.Value)
}

// StepCompletion records one completed step and when.
type StepCompletion struct {
	StepID StepID
	At     time.Time
}

// PhaseIteration is one run of a phase within an instance.
type PhaseIteration struct {
	PhaseID        PhaseID
	StartedAt      time.Time
	CompletedSteps []StepCompletion
	CompletedAt    *time.Time
}

// StepCompleted reports whether the step already completed in this
// iteration. Re-firing a completed step must be a no-op.
func (it PhaseIteration) StepCompleted(id StepID) bool {
	for _, c := range it.CompletedSteps {
		if c.StepID == id {
			return true
		}
	}
	return false
}

// Progress is the iteration history of an instance, newest first.
type Progress struct {
	Iterations []PhaseIteration
}

// Current returns the most recent iteration.
func (p Progress) Current() (PhaseIteration, bool) {
	if len(p.Iterations) == 0 {
		return PhaseIteration{}, false
	}
	return p.Iterations[0], true
}

// CompletionsOf counts completed iterations of the given phase.
func (p Progress) CompletionsOf(id PhaseID) int {
	n := 0
	for _, it := range p.Iterations {
		if it.PhaseID == id && it.CompletedAt != nil {
			n++
		}
	}
	return n
}

// TaskConcept links a routine step to a task created for its confirmation.
type TaskConcept struct {
	TaskID string
	StepID StepID
}

// Instance is the per-friend runtime state of one routine run.
// CurrentPhaseID advances monotonically through the template's phase list.
type Instance struct {
	ID             InstanceID
	TemplateID     TemplateID
	FriendshipID   models.FriendshipID
	Parameters     map[string]TypedParameter
	CurrentPhaseID PhaseID
	Progress       Progress
	Concepts       []TaskConcept
	CreatedAt      time.Time
}

// NewInstance creates an instance at no phase yet.
func NewInstance(templateID TemplateID, friendshipID models.FriendshipID) Instance {
	return Instance{
		ID:           NewInstanceID(templateID, friendshipID),
		TemplateID:   templateID,
		FriendshipID: friendshipID,
		Parameters:   map[string]TypedParameter{},
		CreatedAt:    time.Now(),
	}
}

// WithCurrentPhase returns a copy advanced to the phase, opening a fresh
// iteration for it.
func (i Instance) WithCurrentPhase(phaseID PhaseID) Instance {
	i.CurrentPhaseID = phaseID
	i.Progress = Progress{Iterations: append(
		[]PhaseIteration{{PhaseID: phaseID, StartedAt: time.Now()}},
		i.Progress.Iterations...)}
	return i
}

// WithNewIteration returns a copy with a fresh iteration of the phase.
func (i Instance) WithNewIteration(phaseID PhaseID) Instance {
	i.Progress = Progress{Iterations: append(
		[]PhaseIteration{{PhaseID: phaseID, StartedAt: time.Now()}},
		i.Progress.Iterations...)}
	return i
}

// WithParameter returns a copy with the parameter parsed into its type.
func (i Instance) WithParameter(key, value string, parameterType ParameterType) (Instance, error) {
	typed, err := parameterType.Parse(value)
	if err != nil {
		return i, err
	}
	params := make(map[string]TypedParameter, len(i.Parameters)+1)
	for k, v := range i.Parameters {
		params[k] = v
	}
	params[key] = typed
	i.Parameters = params
	return i, nil
}

// Parameter reads a captured parameter.
func (i Instance) Parameter(key string) (TypedParameter, bool) {
	p, ok := i.Parameters[key]
	return p, ok
}

// WithCompletedStep returns a copy with the step recorded as completed in
// the current iteration. Recording an already-completed step is a no-op.
func (i Instance) WithCompletedStep(stepID StepID) Instance {
	if len(i.Progress.Iterations) == 0 {
		return i
	}
	current := i.Progress.Iterations[0]
	if current.StepCompleted(stepID) {
		return i
	}
	current.CompletedSteps = append(
		append([]StepCompletion(nil), current.CompletedSteps...),
		StepCompletion{StepID: stepID, At: time.Now()})
	iterations := append([]PhaseIteration{current}, i.Progress.Iterations[1:]...)
	i.Progress = Progress{Iterations: iterations}
	return i
}

// WithCompletedIteration returns a copy with the current iteration closed.
func (i Instance) WithCompletedIteration() Instance {
	if len(i.Progress.Iterations) == 0 {
		return i
	}
	now := time.Now()
	current := i.Progress.Iterations[0]
	current.CompletedAt = &now
	i.Progress = Progress{Iterations: append([]PhaseIteration{current}, i.Progress.Iterations[1:]...)}
	return i
}

// WithConcept returns a copy with a task concept linked.
func (i Instance) WithConcept(c TaskConcept) Instance {
	i.Concepts = append(append([]TaskConcept(nil), i.Concepts...), c)
	return i
}

// ConceptForTask finds the concept linked to a task.
func (i Instance) ConceptForTask(taskID string) (TaskConcept, bool) {
	for _, c := range i.Concepts {
		if c.TaskID == taskID {
			return c, true
		}
	}
	return TaskConcept{}, false
}

// EventType labels routine event log entries.
type EventType string

// Routine event log types.
const (
	EventRoutineStarted           EventType = "ROUTINE_STARTED"
	EventPhaseActivated           EventType = "PHASE_ACTIVATED"
	EventPhaseDeactivated         EventType = "PHASE_DEACTIVATED"
	EventStepParameterRequested   EventType = "STEP_PARAMETER_REQUESTED"
	EventStepParameterSet         EventType = "STEP_PARAMETER_SET"
	EventStepMessageSent          EventType = "STEP_MESSAGE_SENT"
	EventActionStepMessageSent    EventType = "ACTION_STEP_MESSAGE_SENT"
	EventActionStepConfirmed      EventType = "ACTION_STEP_CONFIRMED"
	EventActionStepSkipped        EventType = "ACTION_STEP_SKIPPED"
	EventPhaseCompleted           EventType = "PHASE_COMPLETED"
	EventRoutineCompleted         EventType = "ROUTINE_COMPLETED"
	EventTriggerScheduled         EventType = "TRIGGER_SCHEDULED"
	EventTriggerFired             EventType = "TRIGGER_FIRED"
	EventStepScheduled            EventType = "STEP_SCHEDULED"
	EventPhaseScheduled           EventType = "PHASE_SCHEDULED"
	EventPhaseIterationsScheduled EventType = "PHASE_ITERATIONS_SCHEDULED"
	EventPhaseIterationStarted    EventType = "PHASE_ITERATION_STARTED"
	EventRoutineStoppedForToday   EventType = "ROUTINE_STOPPED_FOR_TODAY"
)

// EventLogEntry is one append-only record of routine engine activity.
type EventLogEntry struct {
	InstanceID   InstanceID
	FriendshipID models.FriendshipID
	Event        EventType
	Timestamp    time.Time
	Metadata     map[string]string
}
