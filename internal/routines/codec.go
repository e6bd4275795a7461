package routines

import (
	"encoding/json"
	"fmt"
	"time"
)

// The union types (Step, TimeOfDay, TriggerCondition, TriggerEffect) are
// persisted and loaded as tagged JSON objects with a "type" discriminator.
// The same shapes are used by the YAML template loader, which round-trips
// through JSON.

type stepEnvelope struct {
	Type                    string          `json:"type"`
	ID                      StepID          `json:"id,omitempty"`
	Question                string          `json:"question,omitempty"`
	ParameterKey            string          `json:"parameterKey,omitempty"`
	ParameterType           ParameterType   `json:"parameterType,omitempty"`
	Message                 string          `json:"message,omitempty"`
	ExpectConfirmation      bool            `json:"expectConfirmation,omitempty"`
	ExpectedDurationMinutes int             `json:"expectedDurationMinutes,omitempty"`
	TimeOfDay               json.RawMessage `json:"timeOfDay,omitempty"`
	Description             string          `json:"description,omitempty"`
}

// MarshalStep encodes a step as a tagged JSON object.
func MarshalStep(s Step) ([]byte, error) {
	var env stepEnvelope
	var err error
	switch step := s.(type) {
	case ParameterRequestStep:
		env = stepEnvelope{
			Type:          "parameter_request",
			ID:            step.ID,
			Question:      step.Question,
			ParameterKey:  step.ParameterKey,
			ParameterType: step.ParameterType,
			Description:   step.Description,
		}
		env.TimeOfDay, err = marshalTimeOfDay(step.TimeOfDay)
	case ActionStep:
		env = stepEnvelope{
			Type:                    "action",
			ID:                      step.ID,
			Message:                 step.Message,
			ExpectConfirmation:      step.ExpectConfirmation,
			ExpectedDurationMinutes: step.ExpectedDurationMinutes,
			Description:             step.Description,
		}
		env.TimeOfDay, err = marshalTimeOfDay(step.TimeOfDay)
	case MessageStep:
		env = stepEnvelope{
			Type:        "message",
			ID:          step.ID,
			Message:     step.Message,
			Description: step.Description,
		}
		env.TimeOfDay, err = marshalTimeOfDay(step.TimeOfDay)
	default:
		return nil, fmt.Errorf("unknown step variant %T", s)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalStep decodes a tagged JSON step object.
func UnmarshalStep(data []byte) (Step, error) {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding step: %w", err)
	}
	timeOfDay, err := unmarshalTimeOfDay(env.TimeOfDay)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "parameter_request":
		return ParameterRequestStep{
			ID:            env.ID,
			Question:      env.Question,
			ParameterKey:  env.ParameterKey,
			ParameterType: env.ParameterType,
			TimeOfDay:     timeOfDay,
			Description:   env.Description,
		}, nil
	case "action":
		return ActionStep{
			ID:                      env.ID,
			Message:                 env.Message,
			ExpectConfirmation:      env.ExpectConfirmation,
			ExpectedDurationMinutes: env.ExpectedDurationMinutes,
			TimeOfDay:               timeOfDay,
			Description:             env.Description,
		}, nil
	case "message":
		return MessageStep{
			ID:          env.ID,
			Message:     env.Message,
			TimeOfDay:   timeOfDay,
			Description: env.Description,
		}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", env.Type)
	}
}

type timeOfDayEnvelope struct {
	Type       string `json:"type"`
	Time       string `json:"time,omitempty"`
	Reference  string `json:"reference,omitempty"`
	Expression string `json:"expression,omitempty"`
}

func marshalTimeOfDay(t TimeOfDay) (json.RawMessage, error) {
	if t == nil {
		return nil, nil
	}
	var env timeOfDayEnvelope
	switch tod := t.(type) {
	case TimeOfDayLocalTime:
		env = timeOfDayEnvelope{Type: "local_time", Time: tod.Time.String()}
	case TimeOfDayReference:
		env = timeOfDayEnvelope{Type: "reference", Reference: tod.Reference}
	case TimeOfDayExpression:
		env = timeOfDayEnvelope{Type: "expression", Expression: tod.Expression}
	default:
		return nil, fmt.Errorf("unknown time-of-day variant %T", t)
	}
	return json.Marshal(env)
}

func unmarshalTimeOfDay(data json.RawMessage) (TimeOfDay, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env timeOfDayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding time of day: %w", err)
	}
	switch env.Type {
	case "local_time":
		lt, err := ParseLocalTime(env.Time)
		if err != nil {
			return nil, err
		}
		return TimeOfDayLocalTime{Time: lt}, nil
	case "reference":
		return TimeOfDayReference{Reference: env.Reference}, nil
	case "expression":
		return TimeOfDayExpression{Expression: env.Expression}, nil
	default:
		return nil, fmt.Errorf("unknown time-of-day type %q", env.Type)
	}
}

type triggerConditionEnvelope struct {
	Type         string  `json:"type"`
	Days         int     `json:"days,omitempty"`
	Reference    string  `json:"reference,omitempty"`
	Duration     string  `json:"duration,omitempty"`
	Expression   string  `json:"expression,omitempty"`
	Event        string  `json:"event,omitempty"`
	PhaseTitle   string  `json:"phaseTitle,omitempty"`
	Delay        string  `json:"delay,omitempty"`
	PhaseID      PhaseID `json:"phaseId,omitempty"`
	Times        int     `json:"times,omitempty"`
	ParameterKey string  `json:"parameterKey,omitempty"`
}

// MarshalTriggerCondition encodes a trigger condition as tagged JSON.
func MarshalTriggerCondition(c TriggerCondition) ([]byte, error) {
	var env triggerConditionEnvelope
	switch cond := c.(type) {
	case AfterDays:
		env = triggerConditionEnvelope{Type: "after_days", Days: cond.Days}
	case AfterDuration:
		env = triggerConditionEnvelope{
			Type:      "after_duration",
			Reference: cond.Reference,
			Duration:  formatDuration(cond.Duration),
		}
	case AtTimeExpression:
		env = triggerConditionEnvelope{Type: "at_time_expression", Expression: cond.Expression}
	case AfterEvent:
		env = triggerConditionEnvelope{
			Type:       "after_event",
			Event:      string(cond.Event),
			PhaseTitle: cond.PhaseTitle,
		}
		if cond.Delay != 0 {
			env.Delay = formatDuration(cond.Delay)
		}
	case AfterPhaseCompletions:
		env = triggerConditionEnvelope{Type: "after_phase_completions", PhaseID: cond.PhaseID, Times: cond.Times}
	case AfterParameterSet:
		env = triggerConditionEnvelope{Type: "after_parameter_set", ParameterKey: cond.ParameterKey}
	default:
		return nil, fmt.Errorf("unknown trigger condition variant %T", c)
	}
	return json.Marshal(env)
}

// UnmarshalTriggerCondition decodes a tagged JSON trigger condition.
func UnmarshalTriggerCondition(data []byte) (TriggerCondition, error) {
	var env triggerConditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding trigger condition: %w", err)
	}
	switch env.Type {
	case "after_days":
		return AfterDays{Days: env.Days}, nil
	case "after_duration":
		d, err := parseDuration(env.Duration)
		if err != nil {
			return nil, err
		}
		return AfterDuration{Reference: env.Reference, Duration: d}, nil
	case "at_time_expression":
		return AtTimeExpression{Expression: env.Expression}, nil
	case "after_event":
		var delay time.Duration
		if env.Delay != "" {
			var err error
			delay, err = parseDuration(env.Delay)
			if err != nil {
				return nil, err
			}
		}
		return AfterEvent{Event: AnchorEvent(env.Event), PhaseTitle: env.PhaseTitle, Delay: delay}, nil
	case "after_phase_completions":
		return AfterPhaseCompletions{PhaseID: env.PhaseID, Times: env.Times}, nil
	case "after_parameter_set":
		return AfterParameterSet{ParameterKey: env.ParameterKey}, nil
	default:
		return nil, fmt.Errorf("unknown trigger condition type %q", env.Type)
	}
}

type triggerEffectEnvelope struct {
	Type            string `json:"type"`
	Message         string `json:"message,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
	ParameterKey    string `json:"parameterKey,omitempty"`
	ExpiryDate      string `json:"expiryDate,omitempty"`
}

// MarshalTriggerEffect encodes a trigger effect as tagged JSON.
func MarshalTriggerEffect(e TriggerEffect) ([]byte, error) {
	var env triggerEffectEnvelope
	switch eff := e.(type) {
	case SendMessageEffect:
		env = triggerEffectEnvelope{Type: "send_message", Message: eff.Message}
	case CreateTaskEffect:
		env = triggerEffectEnvelope{
			Type:            "create_task",
			TaskDescription: eff.TaskDescription,
			ParameterKey:    eff.ParameterKey,
		}
		if !eff.ExpiryDate.IsZero() {
			env.ExpiryDate = eff.ExpiryDate.Format(time.RFC3339)
		}
	default:
		return nil, fmt.Errorf("unknown trigger effect variant %T", e)
	}
	return json.Marshal(env)
}

// UnmarshalTriggerEffect decodes a tagged JSON trigger effect.
func UnmarshalTriggerEffect(data []byte) (TriggerEffect, error) {
	var env triggerEffectEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding trigger effect: %w", err)
	}
	switch env.Type {
	case "send_message":
		return SendMessageEffect{Message: env.Message}, nil
	case "create_task":
		eff := CreateTaskEffect{
			TaskDescription: env.TaskDescription,
			ParameterKey:    env.ParameterKey,
		}
		if env.ExpiryDate != "" {
			at, err := time.Parse(time.RFC3339, env.ExpiryDate)
			if err != nil {
				return nil, fmt.Errorf("decoding trigger effect expiry: %w", err)
			}
			eff.ExpiryDate = at
		}
		return eff, nil
	default:
		return nil, fmt.Errorf("unknown trigger effect type %q", env.Type)
	}
}

type phaseEnvelope struct {
	ID        PhaseID           `json:"id,omitempty"`
	Title     string            `json:"title"`
	Condition json.RawMessage   `json:"condition,omitempty"`
	Steps     []json.RawMessage `json:"steps,omitempty"`
	Schedule  string            `json:"schedule,omitempty"`
}

type triggerEnvelope struct {
	ID        TriggerID       `json:"id,omitempty"`
	Condition json.RawMessage `json:"condition"`
	Effect    json.RawMessage `json:"effect"`
}

type templateEnvelope struct {
	ID          TemplateID        `json:"id,omitempty"`
	Title       string            `json:"title"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	SetupSteps  []json.RawMessage `json:"setupSteps,omitempty"`
	Phases      []phaseEnvelope   `json:"phases,omitempty"`
	Triggers    []triggerEnvelope `json:"triggers,omitempty"`
}

// MarshalTemplate encodes a template for persistence.
func MarshalTemplate(t Template) ([]byte, error) {
	env := templateEnvelope{
		ID:          t.ID,
		Title:       t.Title,
		Version:     t.Version,
		Description: t.Description,
	}
	for _, s := range t.SetupSteps {
		raw, err := MarshalStep(s)
		if err != nil {
			return nil, err
		}
		env.SetupSteps = append(env.SetupSteps, raw)
	}
	for _, p := range t.Phases {
		pe := phaseEnvelope{ID: p.ID, Title: p.Title, Schedule: string(p.Schedule)}
		if p.Condition != nil {
			raw, err := MarshalTriggerCondition(p.Condition)
			if err != nil {
				return nil, err
			}
			pe.Condition = raw
		}
		for _, s := range p.Steps {
			raw, err := MarshalStep(s)
			if err != nil {
				return nil, err
			}
			pe.Steps = append(pe.Steps, raw)
		}
		env.Phases = append(env.Phases, pe)
	}
	for _, tr := range t.Triggers {
		cond, err := MarshalTriggerCondition(tr.Condition)
		if err != nil {
			return nil, err
		}
		eff, err := MarshalTriggerEffect(tr.Effect)
		if err != nil {
			return nil, err
		}
		env.Triggers = append(env.Triggers, triggerEnvelope{ID: tr.ID, Condition: cond, Effect: eff})
	}
	return json.Marshal(env)
}

// UnmarshalTemplate decodes a persisted template and regenerates any IDs
// missing from the payload.
func UnmarshalTemplate(data []byte) (Template, error) {
	var env templateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Template{}, fmt.Errorf("decoding template: %w", err)
	}
	t := Template{
		ID:          env.ID,
		Title:       env.Title,
		Version:     env.Version,
		Description: env.Description,
	}
	if t.ID == "" {
		t.ID = TemplateIDFor(env.Title, env.Version)
	}
	for _, raw := range env.SetupSteps {
		s, err := UnmarshalStep(raw)
		if err != nil {
			return Template{}, err
		}
		t.SetupSteps = append(t.SetupSteps, withStepID(s))
	}
	for _, pe := range env.Phases {
		p := Phase{ID: pe.ID, Title: pe.Title, Schedule: ScheduleExpression(pe.Schedule)}
		if p.ID == "" {
			p.ID = PhaseIDFor(pe.Title)
		}
		if len(pe.Condition) > 0 {
			cond, err := UnmarshalTriggerCondition(pe.Condition)
			if err != nil {
				return Template{}, err
			}
			p.Condition = cond
		}
		for _, raw := range pe.Steps {
			s, err := UnmarshalStep(raw)
			if err != nil {
				return Template{}, err
			}
			p.Steps = append(p.Steps, withStepID(s))
		}
		t.Phases = append(t.Phases, p)
	}
	for i, te := range env.Triggers {
		cond, err := UnmarshalTriggerCondition(te.Condition)
		if err != nil {
			return Template{}, err
		}
		eff, err := UnmarshalTriggerEffect(te.Effect)
		if err != nil {
			return Template{}, err
		}
		tr := Trigger{ID: te.ID, Condition: cond, Effect: eff}
		if tr.ID == "" {
			tr.ID = TriggerID(fmt.Sprintf("%s:trigger:%d", t.ID, i))
		}
		t.Triggers = append(t.Triggers, tr)
	}
	return t, nil
}

// withStepID fills in a derived step ID when the payload carried none.
func withStepID(s Step) Step {
	switch step := s.(type) {
	case ParameterRequestStep:
		if step.ID == "" {
			step.ID = StepIDFor(step.Question)
		}
		return step
	case ActionStep:
		if step.ID == "" {
			step.ID = StepIDFor(step.Message)
		}
		return step
	case MessageStep:
		if step.ID == "" {
			step.ID = StepIDFor(step.Message)
		}
		return step
	}
	return s
}
