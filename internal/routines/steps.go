package routines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/recovery"
)

// scheduleSteps schedules every not-yet-completed step of the current
// iteration at its time of day. Steps without a time of day fire
// immediately; a time already past today rolls forward to tomorrow.
func (e *Engine) scheduleSteps(ctx context.Context, inst Instance, phase Phase) {
	loc := e.location(ctx, inst.FriendshipID)
	current, ok := inst.Progress.Current()
	if !ok || current.PhaseID != phase.ID {
		return
	}
	day := e.now().In(loc)
	for _, s := range phase.Steps {
		if current.StepCompleted(s.StepID()) {
			continue
		}
		at, err := e.timeOfDayInstant(s.At(), inst.Parameters, day, loc)
		if err != nil {
			// A missing referenced parameter defers the step until the
			// parameter-change cascade reschedules it.
			slog.Debug("Routines deferring step with unresolved time", "instance_id", inst.ID, "step_id", s.StepID(), "reason", err.Error())
			continue
		}
		fid, iid, phaseID, stepID := inst.FriendshipID, inst.ID, phase.ID, s.StepID()
		err = e.sched.ScheduleOnce(e.stepKey(fid, iid, stepID), at, func() {
			e.onStepFired(fid, iid, phaseID, stepID)
		})
		if err != nil {
			slog.Error("Routines failed to schedule step", "instance_id", iid, "step_id", stepID, "error", err.Error())
			continue
		}
		e.appendLog(ctx, inst, EventStepScheduled, map[string]string{
			"step_id": string(stepID),
			"at":      at.UTC().Format(time.RFC3339),
		})
	}
}

func (e *Engine) onStepFired(fid models.FriendshipID, iid InstanceID, phaseID PhaseID, stepID StepID) {
	defer recovery.LogPanic("routine step", "instance_id", string(iid), "step_id", string(stepID))
	ctx := context.Background()
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		slog.Error("Routines step failed to load instance", "instance_id", iid, "error", err.Error())
		return
	}
	phase, ok := t.FindPhase(phaseID)
	if !ok {
		return
	}
	step, ok := phase.FindStep(stepID)
	if !ok {
		return
	}
	current, ok := inst.Progress.Current()
	if !ok || current.PhaseID != phaseID || current.StepCompleted(stepID) {
		// Duplicate fire or stale schedule.
		return
	}
	e.publish(events.RoutineStepTriggered{
		FriendshipID: fid,
		InstanceID:   string(iid),
		PhaseID:      string(phaseID),
		StepID:       string(stepID),
	})
	e.executeStep(ctx, t, inst, phase, step)
}

// executeStep runs a fired step according to its variant.
func (e *Engine) executeStep(ctx context.Context, t Template, inst Instance, phase Phase, step Step) {
	switch s := step.(type) {
	case MessageStep:
		e.send(inst.FriendshipID, Substitute(s.Message, inst.Parameters))
		e.appendLog(ctx, inst, EventStepMessageSent, map[string]string{"step_id": string(s.ID)})
		e.completeStep(ctx, t, inst, phase, s.ID, events.StepMessageSent, "")
	case ActionStep:
		e.send(inst.FriendshipID, Substitute(s.Message, inst.Parameters))
		e.appendLog(ctx, inst, EventActionStepMessageSent, map[string]string{"step_id": string(s.ID)})
		if !s.ExpectConfirmation {
			e.completeStep(ctx, t, inst, phase, s.ID, events.StepMessageSent, "")
			return
		}
		e.createConfirmationTask(ctx, inst, s)
	case ParameterRequestStep:
		question := Substitute(s.Question, inst.Parameters)
		question = question + "\n(" + s.ParameterType.FormatDescription() + ")"
		e.send(inst.FriendshipID, question)
		e.appendLog(ctx, inst, EventStepParameterRequested, map[string]string{
			"step_id":       string(s.ID),
			"parameter_key": s.ParameterKey,
		})
	default:
		slog.Error("Routines unknown step variant", "instance_id", inst.ID, "step_id", step.StepID())
	}
}

// createConfirmationTask opens a task the friend checks off to confirm the
// action, linked back to the step through a concept.
func (e *Engine) createConfirmationTask(ctx context.Context, inst Instance, s ActionStep) {
	task := models.Task{
		ID:           uuid.NewString(),
		Owner:        inst.FriendshipID,
		Title:        Substitute(s.Message, inst.Parameters),
		Description:  s.Description,
		CreatedAt:    e.now(),
		LastModified: e.now(),
	}
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		slog.Error("Routines failed to create confirmation task", "instance_id", inst.ID, "step_id", s.ID, "error", err.Error())
		return
	}
	inst = inst.WithConcept(TaskConcept{TaskID: task.ID, StepID: s.ID})
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		slog.Error("Routines failed to link confirmation task", "instance_id", inst.ID, "step_id", s.ID, "error", err.Error())
		return
	}
	e.publish(events.TaskAdded{Task: task})
}

// ConfirmStep completes an awaiting action step on explicit user
// confirmation and checks off its linked task.
func (e *Engine) ConfirmStep(ctx context.Context, fid models.FriendshipID, iid InstanceID, stepID StepID) error {
	inst, t, err := e.load(ctx, iid)
	if err != nil {
		return err
	}
	if inst.FriendshipID != fid {
		return models.ErrNotFound
	}
	phase, ok := t.FindPhase(inst.CurrentPhaseID)
	if !ok {
		return fmt.Errorf("instance %s has no current phase", iid)
	}
	if _, ok := phase.FindStep(stepID); !ok {
		return models.ErrNotFound
	}
	for _, c := range inst.Concepts {
		if c.StepID == stepID {
			if err := e.tasks.CompleteTask(ctx, c.TaskID, e.now()); err != nil && err != models.ErrNotFound {
				slog.Warn("Routines failed to complete linked task", "task_id", c.TaskID, "error", err.Error())
			}
		}
	}
	e.appendLog(ctx, inst, EventActionStepConfirmed, map[string]string{"step_id": string(stepID)})
	e.completeStep(ctx, t, inst, phase, stepID, events.StepConfirmedAction, "")
	return nil
}

// OnTaskCompleted confirms an action step when its linked task is checked
// off outside the routine conversation.
func (e *Engine) OnTaskCompleted(ctx context.Context, fid models.FriendshipID, taskID string) {
	instances, err := e.repo.ListInstances(ctx, fid)
	if err != nil {
		return
	}
	for _, inst := range instances {
		c, ok := inst.ConceptForTask(taskID)
		if !ok {
			continue
		}
		t, err := e.templates.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			continue
		}
		phase, ok := t.FindPhase(inst.CurrentPhaseID)
		if !ok {
			continue
		}
		if _, ok := phase.FindStep(c.StepID); !ok {
			continue
		}
		e.appendLog(ctx, inst, EventActionStepConfirmed, map[string]string{"step_id": string(c.StepID), "task_id": taskID})
		e.completeStep(ctx, t, inst, phase, c.StepID, events.StepConfirmedAction, "")
		return
	}
}

// completeStep records completion idempotently, publishes the completion
// event and checks whether the iteration is done.
func (e *Engine) completeStep(ctx context.Context, t Template, inst Instance, phase Phase, stepID StepID, completion events.StepCompletionType, parameterKey string) {
	inst, err := e.repo.GetInstance(ctx, inst.ID)
	if err != nil {
		slog.Error("Routines step completion failed to reload instance", "instance_id", inst.ID, "error", err.Error())
		return
	}
	current, ok := inst.Progress.Current()
	if !ok || current.PhaseID != phase.ID || current.StepCompleted(stepID) {
		return
	}
	inst = inst.WithCompletedStep(stepID)
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		slog.Error("Routines failed to save step completion", "instance_id", inst.ID, "step_id", stepID, "error", err.Error())
		return
	}
	e.sched.Delete(e.stepKey(inst.FriendshipID, inst.ID, stepID))
	e.publish(events.RoutineStepCompleted{
		FriendshipID: inst.FriendshipID,
		InstanceID:   string(inst.ID),
		PhaseID:      string(phase.ID),
		StepID:       string(stepID),
		Completion:   completion,
		ParameterKey: parameterKey,
	})
	slog.Debug("Routines completed step", "instance_id", inst.ID, "step_id", stepID, "completion", string(completion))
	e.checkIterationCompletion(ctx, t, inst, phase)
}

// PendingParameterRequest finds the parameter request awaiting the friend's
// answer: a parameter-request step of the current iteration that was asked
// but not completed.
func (e *Engine) PendingParameterRequest(ctx context.Context, fid models.FriendshipID) (Instance, ParameterRequestStep, bool) {
	instances, err := e.repo.ListInstances(ctx, fid)
	if err != nil {
		return Instance{}, ParameterRequestStep{}, false
	}
	for _, inst := range instances {
		t, err := e.templates.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			continue
		}
		phase, ok := t.FindPhase(inst.CurrentPhaseID)
		if !ok {
			continue
		}
		current, ok := inst.Progress.Current()
		if !ok || current.PhaseID != phase.ID {
			continue
		}
		for _, s := range phase.Steps {
			req, ok := s.(ParameterRequestStep)
			if !ok || current.StepCompleted(req.ID) {
				continue
			}
			if _, err := e.log.LastEvent(ctx, inst.ID, EventStepParameterRequested, map[string]string{"step_id": string(req.ID)}); err != nil {
				continue
			}
			return inst, req, true
		}
	}
	return Instance{}, ParameterRequestStep{}, false
}

// Substitute replaces ${key} placeholders in text with parameter values.
// Unknown placeholders are left as-is.
func Substitute(text string, params map[string]TypedParameter) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if p, ok := params[key]; ok {
			return p.Value
		}
		return match
	})
}
